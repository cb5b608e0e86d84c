package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mahmoud661/Collaborative-editor/internal/diagram"
	"github.com/mahmoud661/Collaborative-editor/internal/gitrepo"
	"github.com/mahmoud661/Collaborative-editor/internal/search"
	"github.com/mahmoud661/Collaborative-editor/internal/store"
	"github.com/mahmoud661/Collaborative-editor/internal/ydoc"
)

// Archiver receives every compacted room state.
type Archiver interface {
	Archive(ctx context.Context, room string, merged []byte, updates int) error
}

// SnapshotArchiver projects a compacted state into a readable snapshot,
// commits it to the room history and indexes it for search. Repo and
// Search are optional.
type SnapshotArchiver struct {
	Store  store.Store
	Repo   *gitrepo.Service
	Search *search.Service
	Author string
	Logger *slog.Logger
}

func (a *SnapshotArchiver) Archive(ctx context.Context, room string, merged []byte, updates int) error {
	content, snapshot, err := Project(room, merged)
	if err != nil {
		return err
	}
	content.UpdateCount = updates
	snapshot.UpdateCount = updates

	if a.Repo != nil {
		author := a.Author
		if author == "" {
			author = "relay"
		}
		info, changed, err := a.Repo.Commit(room, content, author, fmt.Sprintf("Compact %d updates", updates))
		if err != nil {
			return fmt.Errorf("commit snapshot: %w", err)
		}
		snapshot.CommitHash = info.Hash
		if changed {
			a.logger().Info("archived room snapshot", "room", room, "commit", info.Hash)
		}
	}

	if err := a.Store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if a.Search != nil {
		a.Search.IndexSnapshot(snapshot)
	}
	return nil
}

func (a *SnapshotArchiver) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Project decodes a merged update into history content and a searchable
// snapshot. Blocks that fail to decode are archived raw but left out of
// the diagram text.
func Project(room string, merged []byte) (gitrepo.Content, store.Snapshot, error) {
	doc := ydoc.New(ydoc.WithClientID(0))
	defer doc.Destroy()
	if err := doc.Apply(merged, nil); err != nil {
		return gitrepo.Content{}, store.Snapshot{}, fmt.Errorf("load merged state: %w", err)
	}

	content := gitrepo.Content{Room: room, Texts: make(map[string]string)}
	var bodies []string
	for _, name := range doc.TextNames() {
		text := doc.Text(name).String()
		content.Texts[name] = text
		if strings.TrimSpace(text) != "" {
			bodies = append(bodies, text)
		}
	}

	blocksMap := doc.Map(diagram.BlocksMap)
	var blocks []diagram.Block
	for _, id := range blocksMap.Keys() {
		raw, ok := blocksMap.Raw(id)
		if !ok {
			continue
		}
		if content.Blocks == nil {
			content.Blocks = make(map[string]json.RawMessage)
		}
		content.Blocks[id] = raw
		b, err := diagram.UnmarshalBlock(raw)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
		if b.Content != "" {
			bodies = append(bodies, b.Content)
		}
	}

	snapshot := store.Snapshot{
		Room:     room,
		Body:     strings.Join(bodies, "\n"),
		Diagrams: diagram.Sources(blocks),
	}
	return content, snapshot, nil
}
