// Package presence projects awareness states into the participant list shown
// next to the editor.
package presence

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/mahmoud661/Collaborative-editor/internal/awareness"
)

// Palette holds the colors handed out to participants.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// RandomColor picks a color from Palette.
func RandomColor() string {
	return Palette[rand.IntN(len(Palette))]
}

// User is the record a client publishes under the "user" awareness field.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Participant is one entry of the online-users list.
type Participant struct {
	ClientID uint64
	Name     string
	Color    string
	Local    bool
}

type listener struct {
	id int
	fn func([]Participant)
}

// Store keeps the participant list in sync with an awareness object.
type Store struct {
	aw  *awareness.Awareness
	off func()

	mu           sync.Mutex
	participants []Participant
	listeners    []listener
	nextID       int
	closed       bool
}

// NewStore subscribes to aw and computes the initial participant list.
func NewStore(aw *awareness.Awareness) *Store {
	s := &Store{aw: aw}
	s.recompute()
	s.off = aw.OnChange(func(awareness.Change, any) {
		s.recompute()
	})
	return s
}

// Participants returns the current list, sorted by client id.
func (s *Store) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Participant(nil), s.participants...)
}

// Count is the number of participants to display. The local user always
// counts, so it never drops below one.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(1, len(s.participants))
}

// Subscribe registers fn to run after every recompute.
func (s *Store) Subscribe(fn func([]Participant)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close detaches the store from the awareness object.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listeners = nil
	s.mu.Unlock()
	s.off()
}

func (s *Store) recompute() {
	participants := FromStates(s.aw.States(), s.aw.ClientID())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.participants = participants
	listeners := append([]listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(append([]Participant(nil), participants...))
	}
}

// FromStates derives participants from an awareness snapshot. Entries without
// a named user are skipped.
func FromStates(states map[uint64]awareness.State, localID uint64) []Participant {
	out := make([]Participant, 0, len(states))
	for id, state := range states {
		user, ok := userOf(state)
		if !ok {
			continue
		}
		out = append(out, Participant{
			ClientID: id,
			Name:     user.Name,
			Color:    user.Color,
			Local:    id == localID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func userOf(state awareness.State) (User, bool) {
	raw, ok := state["user"]
	if !ok {
		return User{}, false
	}
	switch v := raw.(type) {
	case User:
		return v, v.Name != ""
	case map[string]any:
		name, _ := v["name"].(string)
		color, _ := v["color"].(string)
		return User{Name: name, Color: color}, name != ""
	}
	return User{}, false
}
