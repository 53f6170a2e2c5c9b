package authpw

import (
	"context"
	"database/sql"
	"testing"

	"margin/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type fakeUserStore struct {
	users        map[string]store.User
	groupsByUser map[string][]string
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:        make(map[string]store.User),
		groupsByUser: make(map[string][]string),
	}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	user.GroupIDs = f.groupsByUser[user.ID]
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func (f *fakeUserStore) AddUserToGroups(_ context.Context, userID string, groupIDs []string) error {
	f.groupsByUser[userID] = append(f.groupsByUser[userID], groupIDs...)
	return nil
}

func TestSignUpAssignsDefaultGroups(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs, []string{"grp_everyone", "grp_readers"})

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:    "casey@example.com",
		Password: "hunter2hunter2",
		Username: "casey",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected user id to be assigned")
	}
	got := fs.groupsByUser[user.ID]
	if len(got) != 2 || got[0] != "grp_everyone" || got[1] != "grp_readers" {
		t.Fatalf("default groups not assigned: %v", got)
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore(), nil)

	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:    "casey@example.com",
		Password: "short",
		Username: "casey",
	})
	if err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs, nil)

	if _, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:    "casey@example.com",
		Password: "hunter2hunter2",
		Username: "casey",
	}); err != nil {
		t.Fatalf("first sign up: %v", err)
	}
	if _, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:    "Casey@Example.com",
		Password: "hunter2hunter2",
		Username: "casey2",
	}); err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}

func TestSignInVerifiesPassword(t *testing.T) {
	fs := newFakeUserStore()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	fs.users["casey@example.com"] = store.User{
		ID:           "usr_1",
		Username:     "casey",
		Email:        "casey@example.com",
		PasswordHash: string(hash),
	}
	svc := NewService(fs, nil)

	user, err := svc.SignIn(context.Background(), SignInRequest{Email: "casey@example.com", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if user.ID != "usr_1" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "casey@example.com", Password: "wrong-password"}); err == nil {
		t.Fatal("expected wrong password to be rejected")
	}
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "nobody@example.com", Password: "hunter2hunter2"}); err == nil {
		t.Fatal("expected unknown email to be rejected")
	}
}
