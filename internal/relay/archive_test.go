package relay

import (
	"context"
	"strings"
	"testing"

	"github.com/mahmoud661/Collaborative-editor/internal/diagram"
	"github.com/mahmoud661/Collaborative-editor/internal/gitrepo"
	"github.com/mahmoud661/Collaborative-editor/internal/store"
	"github.com/mahmoud661/Collaborative-editor/internal/ydoc"
)

func roomState(t *testing.T) []byte {
	t.Helper()
	doc := ydoc.New(ydoc.WithClientID(81))
	err := doc.Transact(nil, func(tx *ydoc.Transaction) {
		_ = doc.Text("document").Insert(tx, 0, "release plan")
		_ = diagram.SaveBlock(doc, tx, diagram.Block{ID: "p1", Props: diagram.ParagraphProps{}, Content: "intro"})
		_ = diagram.SaveBlock(doc, tx, diagram.Block{ID: "d1", Props: diagram.MermaidProps{Code: "graph TD\n  A-->B"}})
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	blob, err := doc.EncodeStateAsUpdate()
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate: %v", err)
	}
	return blob
}

func TestProject(t *testing.T) {
	content, snap, err := Project("plans", roomState(t))
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if content.Texts["document"] != "release plan" {
		t.Fatalf("unexpected texts %+v", content.Texts)
	}
	if len(content.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(content.Blocks))
	}
	if !strings.Contains(snap.Body, "release plan") || !strings.Contains(snap.Body, "intro") {
		t.Fatalf("unexpected body %q", snap.Body)
	}
	if !strings.Contains(snap.Diagrams, "A-->B") {
		t.Fatalf("unexpected diagrams %q", snap.Diagrams)
	}

	if _, _, err := Project("plans", []byte("not json")); err == nil {
		t.Fatal("expected error for a malformed state")
	}
}

func TestSnapshotArchiverCommitsAndSaves(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	repo := gitrepo.New(t.TempDir())
	a := &SnapshotArchiver{Store: mem, Repo: repo}

	if err := a.Archive(ctx, "plans", roomState(t), 7); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	snap, err := mem.GetSnapshot(ctx, "plans")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.UpdateCount != 7 || snap.CommitHash == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	history, err := repo.History("plans", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Message != "Compact 7 updates" {
		t.Fatalf("unexpected history %+v", history)
	}
	head, _, err := repo.Head("plans")
	if err != nil || head.Texts["document"] != "release plan" {
		t.Fatalf("Head() = %+v, %v", head, err)
	}

	// Archiving the same state again keeps the previous commit.
	if err := a.Archive(ctx, "plans", roomState(t), 7); err != nil {
		t.Fatalf("second Archive() error = %v", err)
	}
	again, _ := mem.GetSnapshot(ctx, "plans")
	if again.CommitHash != snap.CommitHash {
		t.Fatalf("commit changed for identical content: %s vs %s", again.CommitHash, snap.CommitHash)
	}
}
