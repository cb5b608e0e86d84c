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
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := NewRedisStore("redis://" + addr); err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
	if _, err := NewRedisStore("://bad"); err == nil {
		t.Fatal("expected an error for a malformed url")
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	n, err := store.Join(ctx, "r1", Member{ConnID: "c2", Username: "bob", Node: "n1", JoinedAt: base.Add(time.Second)})
	if err != nil || n != 1 {
		t.Fatalf("Join(c2) = %d, %v", n, err)
	}
	n, err = store.Join(ctx, "r1", Member{ConnID: "c1", Username: "alice", Node: "n2", JoinedAt: base})
	if err != nil || n != 2 {
		t.Fatalf("Join(c1) = %d, %v", n, err)
	}
	// Rejoining with the same connection id does not double count.
	n, err = store.Join(ctx, "r1", Member{ConnID: "c1", Username: "alice", Node: "n2", JoinedAt: base})
	if err != nil || n != 2 {
		t.Fatalf("rejoin = %d, %v", n, err)
	}
	if _, err := store.Join(ctx, "r2", Member{ConnID: "c3", Username: "carol"}); err != nil {
		t.Fatalf("Join(r2) error = %v", err)
	}

	members, err := store.Members(ctx, "r1")
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 || members[0].Username != "alice" || members[1].Username != "bob" {
		t.Fatalf("unexpected members: %+v", members)
	}

	n, err = store.Leave(ctx, "r1", "c1")
	if err != nil || n != 1 {
		t.Fatalf("Leave(c1) = %d, %v", n, err)
	}
	n, err = store.Leave(ctx, "r1", "missing")
	if err != nil || n != 1 {
		t.Fatalf("Leave(missing) = %d, %v", n, err)
	}
	if n, _ := store.Count(ctx, "r2"); n != 1 {
		t.Fatalf("rooms must be independent, r2 has %d", n)
	}
	if n, _ := store.Count(ctx, "empty"); n != 0 {
		t.Fatalf("unknown room should be empty, got %d", n)
	}
}

func TestRedisStoreMembership(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	exerciseStore(t, store)

	if ttl := s.TTL("room:members:r1"); ttl <= 0 {
		t.Fatalf("expected membership key to carry a TTL, got %v", ttl)
	}
}

func TestRedisStoreSharedClientStaysOpen(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := NewRedisStoreWithClient(client)
	if store.Client() != client {
		t.Fatal("expected the shared client")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("shared client closed by store: %v", err)
	}
}

func TestMemoryStoreMembership(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}
