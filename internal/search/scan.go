package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mahmoud661/Collaborative-editor/internal/store"
)

// Scan searches snapshots by walking the store. It backs deployments that
// run on the in-memory store, where neither Postgres nor Meilisearch exist.
type Scan struct {
	store store.Store
}

func NewScan(s store.Store) *Scan {
	return &Scan{store: s}
}

func (s *Scan) Healthy() bool { return true }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("scan rooms: %w", err)
	}

	var matches []Result
	for _, room := range rooms {
		snap, err := s.store.GetSnapshot(ctx, room.Name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("scan snapshot %s: %w", room.Name, err)
		}
		haystack := strings.ToLower(snap.Room + "\n" + snap.Body + "\n" + snap.Diagrams)
		if !containsAll(haystack, terms) {
			continue
		}
		matches = append(matches, Result{
			Room:        snap.Room,
			Snippet:     snippet(snap.Body+" "+snap.Diagrams, terms[0]),
			UpdateCount: snap.UpdateCount,
			CommitHash:  snap.CommitHash,
		})
	}

	total := len(matches)
	offset := min(max(q.Offset, 0), total)
	end := min(offset+normalizeLimit(q.Limit), total)
	return matches[offset:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func snippet(text, term string) string {
	const radius = 60
	lower := strings.ToLower(text)
	at := strings.Index(lower, term)
	if at < 0 {
		at = 0
	}
	start := max(at-radius, 0)
	end := min(at+len(term)+radius, len(text))
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
