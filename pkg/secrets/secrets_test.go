package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"redis":  NewRedisStore(client),
		"memory": NewMemStore(),
	}
}

func TestSecretRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := []byte(`{"aws_access_key_id":"AKIA...","aws_secret_access_key":"..."}`)
			if err := s.Put(ctx, "job-creds-1", payload); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := s.Get(ctx, "job-creds-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("round trip mangled the secret: %q", got)
			}
		})
	}
}

func TestSecretMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(absent) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSecretDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "ephemeral", []byte("x")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := s.Delete(ctx, "ephemeral"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := s.Get(ctx, "ephemeral"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete = %v, want ErrNotFound", err)
			}

			// Deleting an absent key is a no-op.
			if err := s.Delete(ctx, "ephemeral"); err != nil {
				t.Errorf("double delete errored: %v", err)
			}
		})
	}
}
