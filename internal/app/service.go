package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mahmoud661/Collaborative-editor/internal/diagram"
	"github.com/mahmoud661/Collaborative-editor/internal/gitrepo"
	"github.com/mahmoud661/Collaborative-editor/internal/relay"
	"github.com/mahmoud661/Collaborative-editor/internal/search"
	"github.com/mahmoud661/Collaborative-editor/internal/session"
	"github.com/mahmoud661/Collaborative-editor/internal/store"
)

type roomRelay interface {
	Rooms() []relay.RoomInfo
	Members(ctx context.Context, room string) ([]session.Member, error)
	Compact(ctx context.Context, room string) (int, error)
	Ping(ctx context.Context) error
}

type historyService interface {
	History(room string, limit int) ([]store.CommitInfo, error)
	Head(room string) (gitrepo.Content, store.CommitInfo, error)
	ContentByHash(room, hash string) (gitrepo.Content, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// RoomSummary merges the persisted log with live membership on this node.
type RoomSummary struct {
	Name         string     `json:"name"`
	Updates      int        `json:"updates"`
	LocalMembers int        `json:"localMembers"`
	Presence     int        `json:"presence"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

type CommitView struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type SnapshotView struct {
	Room        string          `json:"room"`
	Body        string          `json:"body"`
	Diagrams    string          `json:"diagrams"`
	UpdateCount int             `json:"updateCount"`
	CommitHash  string          `json:"commitHash,omitempty"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	Content     gitrepo.Content `json:"content"`
}

type RenderInput struct {
	Code   string                `json:"code"`
	Theme  diagram.Theme         `json:"theme"`
	Config *diagram.RenderConfig `json:"config,omitempty"`
}

type RenderOutput struct {
	Kind   diagram.Kind         `json:"kind"`
	SVG    string               `json:"svg"`
	Config diagram.RenderConfig `json:"config"`
}

type Service struct {
	store    store.Store
	relay    roomRelay
	git      historyService
	search   searchService
	renderer diagram.Renderer
	logger   *slog.Logger
}

// New wires the HTTP-facing operations. git, searchSvc and renderer may be
// nil; their routes then report the feature as unavailable.
func New(dataStore store.Store, hub roomRelay, git historyService, searchSvc searchService, renderer diagram.Renderer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    dataStore,
		relay:    hub,
		git:      git,
		search:   searchSvc,
		renderer: renderer,
		logger:   logger.With("component", "app"),
	}
}

// Ping checks the store and the relay's membership backend.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.relay != nil {
		return s.relay.Ping(ctx)
	}
	return nil
}

func (s *Service) ListRooms(ctx context.Context) ([]RoomSummary, error) {
	persisted, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*RoomSummary, len(persisted))
	for _, room := range persisted {
		created, updated := room.CreatedAt, room.UpdatedAt
		byName[room.Name] = &RoomSummary{Name: room.Name, Updates: room.Updates, CreatedAt: &created, UpdatedAt: &updated}
	}
	if s.relay != nil {
		for _, live := range s.relay.Rooms() {
			summary, ok := byName[live.Name]
			if !ok {
				summary = &RoomSummary{Name: live.Name}
				byName[live.Name] = summary
			}
			summary.LocalMembers = live.LocalMembers
			summary.Presence = live.Presence
		}
	}

	rooms := make([]RoomSummary, 0, len(byName))
	for _, summary := range byName {
		rooms = append(rooms, *summary)
	}
	sort.Slice(rooms, func(i, j int) bool {
		li, lj := rooms[i].LocalMembers > 0, rooms[j].LocalMembers > 0
		if li != lj {
			return li
		}
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, nil
}

func (s *Service) Members(ctx context.Context, room string) ([]session.Member, error) {
	if s.relay == nil {
		return []session.Member{}, nil
	}
	return s.relay.Members(ctx, room)
}

func (s *Service) History(room string, limit int) ([]CommitView, error) {
	if s.git == nil {
		return nil, errHistoryUnavailable
	}
	if limit <= 0 {
		limit = 50
	}
	commits, err := s.git.History(room, limit)
	if err != nil {
		return nil, err
	}
	out := make([]CommitView, 0, len(commits))
	for _, c := range commits {
		out = append(out, CommitView{Hash: c.Hash, Message: c.Message, Author: c.Author, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

// Snapshot returns the latest searchable snapshot of room together with its
// archived content. A non-empty hash reads an older version instead.
func (s *Service) Snapshot(ctx context.Context, room, hash string) (SnapshotView, error) {
	if hash != "" {
		if s.git == nil {
			return SnapshotView{}, errHistoryUnavailable
		}
		content, err := s.git.ContentByHash(room, hash)
		if err != nil {
			return SnapshotView{}, err
		}
		return SnapshotView{Room: room, UpdateCount: content.UpdateCount, CommitHash: hash, Content: content}, nil
	}

	snap, err := s.store.GetSnapshot(ctx, room)
	if err != nil {
		return SnapshotView{}, err
	}
	view := SnapshotView{
		Room:        snap.Room,
		Body:        snap.Body,
		Diagrams:    snap.Diagrams,
		UpdateCount: snap.UpdateCount,
		CommitHash:  snap.CommitHash,
	}
	if !snap.UpdatedAt.IsZero() {
		updated := snap.UpdatedAt
		view.UpdatedAt = &updated
	}
	if s.git != nil {
		content, _, err := s.git.Head(room)
		switch {
		case err == nil:
			view.Content = content
		case !errors.Is(err, gitrepo.ErrNoRepo):
			s.logger.Warn("read archived head", "room", room, "err", err)
		}
	}
	return view, nil
}

// Diff lists the fields that changed between two archived versions.
func (s *Service) Diff(room, from, to string) ([]map[string]string, error) {
	if s.git == nil {
		return nil, errHistoryUnavailable
	}
	if from == "" || to == "" {
		return nil, invalidRequest("from and to are required")
	}
	before, err := s.git.ContentByHash(room, from)
	if err != nil {
		return nil, err
	}
	after, err := s.git.ContentByHash(room, to)
	if err != nil {
		return nil, err
	}
	return gitrepo.DiffFields(before, after), nil
}

func (s *Service) Compact(ctx context.Context, room string) (int, error) {
	if s.relay == nil {
		return 0, unavailable("RELAY", "Relay is not running")
	}
	return s.relay.Compact(ctx, room)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil || strings.TrimSpace(q.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.Search(ctx, q)
}

// Render validates the diagram source and renders it with the effective
// configuration: the request config (or the default) with the theme
// override applied.
func (s *Service) Render(ctx context.Context, in RenderInput) (RenderOutput, error) {
	if strings.TrimSpace(in.Code) == "" {
		return RenderOutput{}, invalidRequest("code is required")
	}
	cfg := diagram.DefaultRenderConfig()
	if in.Config != nil {
		cfg = *in.Config
	}
	cfg = cfg.WithTheme(in.Theme)

	kind, err := diagram.Detect(in.Code)
	if err != nil {
		return RenderOutput{}, err
	}
	out := RenderOutput{Kind: kind, Config: cfg}
	if s.renderer == nil {
		return out, diagram.ErrRendererUnavailable
	}
	svg, err := s.renderer.Render(ctx, in.Code, cfg)
	if err != nil {
		return out, fmt.Errorf("render %s diagram: %w", kind, err)
	}
	out.SVG = svg
	return out, nil
}
