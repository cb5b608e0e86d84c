package awareness

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newPair(t *testing.T) (*Awareness, *Awareness, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(1, WithClock(clock.Now)), New(2, WithClock(clock.Now)), clock
}

func relay(t *testing.T, from, to *Awareness, clients []uint64) {
	t.Helper()
	blob, err := from.EncodeUpdate(clients)
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}
	if err := to.ApplyUpdate(blob, "remote"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
}

func TestSetLocalStateFieldEmitsChange(t *testing.T) {
	a := New(1)
	var changes []Change
	a.OnChange(func(c Change, origin any) {
		if origin != nil {
			t.Errorf("expected local origin, got %v", origin)
		}
		changes = append(changes, c)
	})

	a.SetLocalStateField("user", map[string]any{"name": "ada", "color": "#FF6B6B"})
	if len(changes) != 1 || len(changes[0].Updated) != 1 || changes[0].Updated[0] != 1 {
		t.Fatalf("expected one update for client 1, got %+v", changes)
	}

	a.SetLocalStateField("user", map[string]any{"name": "ada", "color": "#FF6B6B"})
	if len(changes) != 1 {
		t.Fatalf("expected identical state to produce no change event, got %d", len(changes))
	}

	user, ok := a.LocalState()["user"].(map[string]any)
	if !ok || user["name"] != "ada" {
		t.Fatalf("unexpected local state %v", a.LocalState())
	}
}

func TestApplyUpdateAddsRemoteState(t *testing.T) {
	a, b, _ := newPair(t)
	a.SetLocalStateField("user", map[string]any{"name": "ada"})

	var got Change
	var gotOrigin any
	b.OnUpdate(func(c Change, origin any) { got, gotOrigin = c, origin })
	relay(t, a, b, []uint64{1})

	if len(got.Added) != 1 || got.Added[0] != 1 {
		t.Fatalf("expected client 1 added, got %+v", got)
	}
	if gotOrigin != "remote" {
		t.Fatalf("expected origin remote, got %v", gotOrigin)
	}
	states := b.States()
	if _, ok := states[1]["user"]; !ok {
		t.Fatalf("expected user field for client 1, got %v", states)
	}
}

func TestApplyUpdateIgnoresStaleClock(t *testing.T) {
	a, b, _ := newPair(t)
	a.SetLocalStateField("user", map[string]any{"name": "old"})
	stale, err := a.EncodeUpdate([]uint64{1})
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}
	a.SetLocalStateField("user", map[string]any{"name": "new"})
	relay(t, a, b, []uint64{1})

	if err := b.ApplyUpdate(stale, "remote"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	user := b.States()[1]["user"].(map[string]any)
	if user["name"] != "new" {
		t.Fatalf("expected stale update to be ignored, got %v", user["name"])
	}
}

func TestRemoteRemovalOfLocalStateRenews(t *testing.T) {
	a := New(1)

	var renewals []Change
	a.OnUpdate(func(c Change, origin any) {
		if origin == nil {
			renewals = append(renewals, c)
		}
	})

	blob := []byte(`{"clients":[{"id":1,"clock":5,"state":null}]}`)
	if err := a.ApplyUpdate(blob, "remote"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if a.LocalState() == nil {
		t.Fatal("expected local state to survive a remote removal")
	}
	if len(renewals) != 1 {
		t.Fatalf("expected one local renewal event, got %d", len(renewals))
	}
}

func TestCheckOutdated(t *testing.T) {
	a, b, clock := newPair(t)
	a.SetLocalStateField("user", map[string]any{"name": "ada"})
	relay(t, a, b, []uint64{1})

	var removed []uint64
	b.OnChange(func(c Change, origin any) {
		if origin == "timeout" {
			removed = append(removed, c.Removed...)
		}
	})

	clock.Advance(OutdatedTimeout / 2)
	b.CheckOutdated()
	if len(removed) != 0 {
		t.Fatalf("expected no removals before timeout, got %v", removed)
	}

	clock.Advance(OutdatedTimeout / 2)
	b.CheckOutdated()
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("expected client 1 removed after timeout, got %v", removed)
	}
	if b.LocalState() == nil {
		t.Fatal("local state must never time out")
	}
}

func TestCheckOutdatedRenewsLocal(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	a := New(1, WithClock(clock.Now))
	updates := 0
	a.OnUpdate(func(Change, any) { updates++ })

	clock.Advance(OutdatedTimeout/2 + time.Second)
	a.CheckOutdated()
	if updates != 1 {
		t.Fatalf("expected renewal update, got %d", updates)
	}
}

func TestDestroyWithdrawsLocalState(t *testing.T) {
	a := New(1)
	var removed []uint64
	a.OnUpdate(func(c Change, _ any) { removed = append(removed, c.Removed...) })
	a.Destroy()
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("expected local removal, got %v", removed)
	}
	if len(a.States()) != 0 {
		t.Fatalf("expected no states, got %v", a.States())
	}
}

func TestApplyUpdateMalformed(t *testing.T) {
	a := New(1)
	if err := a.ApplyUpdate([]byte("{"), "remote"); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
}

func TestClientsIn(t *testing.T) {
	a := New(9)
	blob, err := a.EncodeUpdate([]uint64{9, 10})
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}
	ids, err := ClientsIn(blob)
	if err != nil {
		t.Fatalf("ClientsIn: %v", err)
	}
	if len(ids) != 2 || ids[0] != 9 || ids[1] != 10 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestForgetRemoteAcceptsSameClockAgain(t *testing.T) {
	a, b, _ := newPair(t)
	b.SetLocalStateField("user", map[string]any{"name": "bob"})
	relay(t, b, a, []uint64{2})

	a.RemoveStates([]uint64{2}, "relay")
	relay(t, b, a, []uint64{2})
	if _, ok := a.States()[2]; ok {
		t.Fatal("expected a re-send at the removed clock to be ignored")
	}

	var removed []uint64
	a.OnChange(func(c Change, origin any) { removed = append(removed, c.Removed...) })

	a.ForgetRemote("disconnect")
	if len(removed) != 0 {
		t.Fatalf("expected no removal event for an entry that was already gone, got %v", removed)
	}
	relay(t, b, a, []uint64{2})
	if _, ok := a.States()[2]; !ok {
		t.Fatal("expected the forgotten client to be accepted at its old clock")
	}

	a.ForgetRemote("disconnect")
	if len(removed) != 1 || removed[0] != 2 {
		t.Fatalf("expected a removal event for client 2, got %v", removed)
	}
	if a.LocalState() == nil || len(a.States()) != 1 {
		t.Fatalf("expected only the local state to remain, got %v", a.States())
	}
}
