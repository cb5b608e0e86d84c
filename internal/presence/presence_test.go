package presence

import (
	"slices"
	"testing"

	"github.com/mahmoud661/Collaborative-editor/internal/awareness"
)

func TestCountNeverBelowOne(t *testing.T) {
	aw := awareness.New(1)
	s := NewStore(aw)
	defer s.Close()

	if got := len(s.Participants()); got != 0 {
		t.Fatalf("expected no participants without a user field, got %d", got)
	}
	if s.Count() != 1 {
		t.Fatalf("expected count floor of 1, got %d", s.Count())
	}
}

func TestStoreTracksRemoteUsers(t *testing.T) {
	local := awareness.New(1)
	remote := awareness.New(2)
	local.SetLocalStateField("user", User{Name: "ada", Color: "#FF6B6B"})
	remote.SetLocalStateField("user", User{Name: "grace", Color: "#4ECDC4"})

	s := NewStore(local)
	defer s.Close()

	var notified [][]Participant
	s.Subscribe(func(p []Participant) { notified = append(notified, p) })

	blob, err := remote.EncodeUpdate([]uint64{2})
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}
	if err := local.ApplyUpdate(blob, "remote"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	got := s.Participants()
	want := []Participant{
		{ClientID: 1, Name: "ada", Color: "#FF6B6B", Local: true},
		{ClientID: 2, Name: "grace", Color: "#4ECDC4"},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if s.Count() != 2 {
		t.Fatalf("expected count 2, got %d", s.Count())
	}
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(notified))
	}

	local.RemoveStates([]uint64{2}, "remote")
	if s.Count() != 1 || len(s.Participants()) != 1 {
		t.Fatalf("expected remote user removed, got %+v", s.Participants())
	}
}

func TestStoreSkipsEntriesWithoutUser(t *testing.T) {
	states := map[uint64]awareness.State{
		1: {"cursor": 4},
		2: {"user": map[string]any{"name": "", "color": "#fff"}},
		3: {"user": map[string]any{"name": "linus", "color": "#45B7D1"}},
	}
	got := FromStates(states, 1)
	if len(got) != 1 || got[0].ClientID != 3 {
		t.Fatalf("expected only client 3, got %+v", got)
	}
}

func TestCloseStopsUpdates(t *testing.T) {
	aw := awareness.New(1)
	s := NewStore(aw)
	calls := 0
	s.Subscribe(func([]Participant) { calls++ })
	s.Close()
	s.Close()

	aw.SetLocalStateField("user", User{Name: "ada", Color: "#FF6B6B"})
	if calls != 0 {
		t.Fatalf("expected no notifications after Close, got %d", calls)
	}
	if len(s.Participants()) != 0 {
		t.Fatalf("expected stale list after Close, got %+v", s.Participants())
	}
}

func TestRandomColorFromPalette(t *testing.T) {
	for range 50 {
		if c := RandomColor(); !slices.Contains(Palette, c) {
			t.Fatalf("color %q not in palette", c)
		}
	}
}
