// Package store persists the per-room document update log.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for rooms or snapshots that do not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract the relay depends on.
type Store interface {
	// AppendUpdate adds one blob to the end of the room log.
	AppendUpdate(ctx context.Context, room string, data []byte) error
	// ListUpdates returns the room log in append order.
	ListUpdates(ctx context.Context, room string) ([]Update, error)
	// ReplaceUpdates atomically swaps the first `upTo` entries (by id) for a
	// single merged blob. Entries appended after upTo are kept.
	ReplaceUpdates(ctx context.Context, room string, upTo int64, merged []byte) error
	ListRooms(ctx context.Context) ([]Room, error)
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	GetSnapshot(ctx context.Context, room string) (Snapshot, error)
	Ping(ctx context.Context) error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	rooms     map[string]*Room
	updates   map[string][]Update
	snapshots map[string]Snapshot
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:     make(map[string]*Room),
		updates:   make(map[string][]Update),
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

func (s *MemoryStore) AppendUpdate(_ context.Context, room string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.nextID++
	s.updates[room] = append(s.updates[room], Update{
		ID:        s.nextID,
		Room:      room,
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	})
	s.touch(room, now)
	return nil
}

func (s *MemoryStore) ListUpdates(_ context.Context, room string) ([]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates[room]...), nil
}

func (s *MemoryStore) ReplaceUpdates(_ context.Context, room string, upTo int64, merged []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// The merged entry reuses the id of the last entry it replaces, so it
	// still sorts before anything appended meanwhile.
	kept := []Update{{ID: upTo, Room: room, Data: append([]byte(nil), merged...), CreatedAt: now}}
	for _, u := range s.updates[room] {
		if u.ID > upTo {
			kept = append(kept, u)
		}
	}
	s.updates[room] = kept
	s.touch(room, now)
	return nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]Room, 0, len(s.rooms))
	for name, r := range s.rooms {
		room := *r
		room.Updates = len(s.updates[name])
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt) {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})
	return rooms, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = s.now()
	}
	s.snapshots[snapshot.Room] = snapshot
	s.touch(snapshot.Room, snapshot.UpdatedAt)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, room string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[room]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snapshot, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) touch(room string, now time.Time) {
	r, ok := s.rooms[room]
	if !ok {
		r = &Room{Name: room, CreatedAt: now}
		s.rooms[room] = r
	}
	r.UpdatedAt = now
}
