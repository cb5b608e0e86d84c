// Package session tracks which connections are members of which room, so
// user counts stay correct when a room spans several relay nodes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// membershipTTL bounds how long members of a crashed node linger.
const membershipTTL = 24 * time.Hour

// Member is one live connection in a room.
type Member struct {
	ConnID   string    `json:"conn_id"`
	Username string    `json:"username"`
	Node     string    `json:"node"`
	JoinedAt time.Time `json:"joined_at"`
}

// Store records room membership. Join and Leave return the member count
// after the change.
type Store interface {
	Join(ctx context.Context, room string, m Member) (int, error)
	Leave(ctx context.Context, room, connID string) (int, error)
	Count(ctx context.Context, room string) (int, error)
	Members(ctx context.Context, room string) ([]Member, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore keeps membership in one Redis hash per room.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore creates a new Redis-backed membership store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "room:members:",
		owned:  true,
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
// Close leaves the client open.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "room:members:",
	}
}

// Client exposes the connection so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(room string) string {
	return s.prefix + room
}

func (s *RedisStore) Join(ctx context.Context, room string, m Member) (int, error) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("marshal member: %w", err)
	}

	key := s.key(room)
	var count *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, m.ConnID, jsonData)
		pipe.Expire(ctx, key, membershipTTL)
		count = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("join room %s: %w", room, err)
	}
	return int(count.Val()), nil
}

func (s *RedisStore) Leave(ctx context.Context, room, connID string) (int, error) {
	key := s.key(room)
	var count *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, connID)
		count = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("leave room %s: %w", room, err)
	}
	return int(count.Val()), nil
}

func (s *RedisStore) Count(ctx context.Context, room string) (int, error) {
	n, err := s.client.HLen(ctx, s.key(room)).Result()
	if err != nil {
		return 0, fmt.Errorf("count room %s: %w", room, err)
	}
	return int(n), nil
}

func (s *RedisStore) Members(ctx context.Context, room string) ([]Member, error) {
	raw, err := s.client.HGetAll(ctx, s.key(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", room, err)
	}
	members := make([]Member, 0, len(raw))
	for connID, jsonData := range raw {
		var m Member
		if err := json.Unmarshal([]byte(jsonData), &m); err != nil {
			return nil, fmt.Errorf("unmarshal member %s: %w", connID, err)
		}
		members = append(members, m)
	}
	sortMembers(members)
	return members, nil
}

// Close closes the Redis connection when the store opened it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore is the single-node membership store.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]Member
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]Member)}
}

func (s *MemoryStore) Join(_ context.Context, room string, m Member) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]Member)
		s.rooms[room] = members
	}
	members[m.ConnID] = m
	return len(members), nil
}

func (s *MemoryStore) Leave(_ context.Context, room, connID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return len(members), nil
}

func (s *MemoryStore) Count(_ context.Context, room string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room]), nil
}

func (s *MemoryStore) Members(_ context.Context, room string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]Member, 0, len(s.rooms[room]))
	for _, m := range s.rooms[room] {
		members = append(members, m)
	}
	sortMembers(members)
	return members, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ConnID < members[j].ConnID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}
