package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Envelope is one room event on its way to every node serving the room.
type Envelope struct {
	Node  string          `json:"node"`
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	// Except names the connection that must not receive the event.
	Except string `json:"except,omitempty"`
}

// Broker fans room events out to all subscribers, the publishing node
// included. Events published by one goroutine arrive in publish order.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(room string, fn func(Envelope)) (unsubscribe func(), err error)
	Close() error
}

type subscription struct {
	id int
	fn func(Envelope)
}

// subscribers is the room → handler table shared by both brokers.
type subscribers struct {
	mu     sync.RWMutex
	nextID int
	rooms  map[string][]subscription
}

func (s *subscribers) add(room string, fn func(Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms == nil {
		s.rooms = make(map[string][]subscription)
	}
	s.nextID++
	id := s.nextID
	s.rooms[room] = append(s.rooms[room], subscription{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.rooms[room]
			for i, sub := range list {
				if sub.id == id {
					s.rooms[room] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(s.rooms[room]) == 0 {
				delete(s.rooms, room)
			}
		})
	}
}

func (s *subscribers) dispatch(env Envelope) {
	s.mu.RLock()
	list := append([]subscription(nil), s.rooms[env.Room]...)
	s.mu.RUnlock()
	for _, sub := range list {
		sub.fn(env)
	}
}

// LocalBroker delivers in process, synchronously.
type LocalBroker struct {
	subs subscribers
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, env Envelope) error {
	b.subs.dispatch(env)
	return nil
}

func (b *LocalBroker) Subscribe(room string, fn func(Envelope)) (func(), error) {
	return b.subs.add(room, fn), nil
}

func (b *LocalBroker) Close() error { return nil }

// RedisBroker fans out through Redis pub/sub, one channel per room under a
// shared prefix, so relay nodes behind a load balancer share rooms.
type RedisBroker struct {
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
	subs   subscribers
	logger *slog.Logger
	done   chan struct{}
}

// NewRedisBroker subscribes to every room channel and starts the receive
// loop. The client stays owned by the caller.
func NewRedisBroker(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &RedisBroker{
		client: client,
		prefix: "collab:room:",
		logger: logger.With("component", "redis-broker"),
		done:   make(chan struct{}),
	}
	b.pubsub = client.PSubscribe(ctx, b.prefix+"*")
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("subscribe room channels: %w", err)
	}
	go b.receive()
	return b, nil
}

func (b *RedisBroker) channel(room string) string {
	return b.prefix + room
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(env.Room), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Room, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(room string, fn func(Envelope)) (func(), error) {
	return b.subs.add(room, fn), nil
}

func (b *RedisBroker) receive() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("discarding malformed envelope", "channel", msg.Channel, "err", err)
			continue
		}
		if env.Room == "" {
			env.Room = strings.TrimPrefix(msg.Channel, b.prefix)
		}
		b.subs.dispatch(env)
	}
}

// Close stops the receive loop.
func (b *RedisBroker) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}
