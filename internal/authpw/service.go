// Package authpw provides email/password account provisioning and sign-in.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"margin/api/internal/store"
	"margin/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	AddUserToGroups(ctx context.Context, userID string, groupIDs []string) error
}

// Service provides email/password authentication. New accounts join the
// configured default groups; that list is injected here rather than hidden
// inside a save hook so the provisioning policy is visible at wiring time.
type Service struct {
	store         UserStore
	defaultGroups []string
}

func NewService(store UserStore, defaultGroups []string) *Service {
	return &Service{
		store:         store,
		defaultGroups: defaultGroups,
	}
}

type SignUpRequest struct {
	Email    string
	Password string
	Username string
}

// SignUp creates a new user account and assigns the default groups.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := strings.TrimSpace(req.Username)
	if email == "" || req.Password == "" || username == "" {
		return store.User{}, errors.New("email, password, and username are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}

	if len(s.defaultGroups) > 0 {
		if err := s.store.AddUserToGroups(ctx, user.ID, s.defaultGroups); err != nil {
			return store.User{}, fmt.Errorf("assign default groups: %w", err)
		}
		user.GroupIDs = append(user.GroupIDs, s.defaultGroups...)
	}

	return user, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user by email and password.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, errors.New("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, errors.New("invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, errors.New("invalid email or password")
	}

	return user, nil
}
