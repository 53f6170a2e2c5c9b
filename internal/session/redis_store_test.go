package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewRedisStoreWithClient(client), s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	hash := "token-hash-1"
	if err := rs.SaveRefreshSession(ctx, hash, "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}

	user, err := rs.LookupRefreshSession(ctx, hash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if user.ID != "usr_1" {
		t.Fatalf("unexpected user id: %q", user.ID)
	}
}

func TestLookupMissingRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)

	if _, err := rs.LookupRefreshSession(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	hash := "token-hash-2"
	if err := rs.SaveRefreshSession(ctx, hash, "usr_2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, hash); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, hash); err == nil {
		t.Fatal("expected revoked token to be gone")
	}
}

func TestRefreshSessionExpires(t *testing.T) {
	rs, mr := setupTestRedis(t)
	ctx := context.Background()

	hash := "token-hash-3"
	if err := rs.SaveRefreshSession(ctx, hash, "usr_3", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("save: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := rs.LookupRefreshSession(ctx, hash); err == nil {
		t.Fatal("expected expired token to be gone")
	}
}
