package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/mahmoud661/Collaborative-editor/internal/store"
)

// Service tries Meilisearch first and falls back to the local searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	loader   func(ctx context.Context) ([]RoomRecord, error)
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured. A *PgFTS fallback doubles as the reindex source.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{meili: meili, fallback: fallback, logger: logger.With("component", "search")}
	if pg, ok := fallback.(*PgFTS); ok {
		s.loader = pg.LoadAllRecords
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back", "err", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", "err", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "none"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: backendName(s.fallback)}
}

// IndexSnapshot pushes a compacted snapshot to Meilisearch in the
// background. Postgres and scan searchers read snapshots directly.
func (s *Service) IndexSnapshot(snap store.Snapshot) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := RecordFromSnapshot(snap)
	go func() {
		if err := s.meili.IndexRoom(rec); err != nil {
			s.logger.Warn("index room failed", "room", rec.Room, "err", err)
		}
	}()
}

// ReindexAll reads every snapshot from Postgres and pushes it to
// Meilisearch. Called at startup.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	records, err := s.loader(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "err", err)
		return
	}
	if err := s.meili.IndexRooms(records); err != nil {
		s.logger.Error("reindex rooms failed", "err", err)
		return
	}
	s.logger.Info("reindexed rooms", "count", len(records))
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func RecordFromSnapshot(snap store.Snapshot) RoomRecord {
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return RoomRecord{
		ID:          RecordID(snap.Room),
		Room:        snap.Room,
		Body:        snap.Body,
		Diagrams:    snap.Diagrams,
		UpdateCount: snap.UpdateCount,
		CommitHash:  snap.CommitHash,
		UpdatedAt:   updatedAt.Unix(),
	}
}

func backendName(s Searcher) string {
	switch s.(type) {
	case *PgFTS:
		return "postgres"
	case *Scan:
		return "scan"
	default:
		return "custom"
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
