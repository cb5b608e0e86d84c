package diagram

import (
	"testing"

	"github.com/mahmoud661/Collaborative-editor/internal/ydoc"
)

func TestBlocksReplicateThroughUpdates(t *testing.T) {
	a := ydoc.New(ydoc.WithClientID(1))
	b := ydoc.New(ydoc.WithClientID(2))
	a.OnUpdate(func(update []byte, origin any) {
		if err := b.Apply(update, "remote"); err != nil {
			t.Errorf("Apply() error = %v", err)
		}
	})

	mermaid := NewMermaid("m1")
	para := Block{ID: "p1", Props: ParagraphProps{}, Content: "hello"}
	err := a.Transact(nil, func(tx *ydoc.Transaction) {
		if err := SaveBlock(a, tx, mermaid); err != nil {
			t.Errorf("SaveBlock(mermaid) error = %v", err)
		}
		if err := SaveBlock(a, tx, para); err != nil {
			t.Errorf("SaveBlock(paragraph) error = %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	blocks, err := LoadBlocks(b)
	if err != nil {
		t.Fatalf("LoadBlocks() error = %v", err)
	}
	if len(blocks) != 2 || blocks[0].ID != "m1" || blocks[1].Content != "hello" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
	if Sources(blocks) != DefaultCode {
		t.Fatalf("unexpected sources %q", Sources(blocks))
	}

	err = a.Transact(nil, func(tx *ydoc.Transaction) {
		if err := DeleteBlock(a, tx, "m1"); err != nil {
			t.Errorf("DeleteBlock() error = %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if _, ok, _ := LoadBlock(b, "m1"); ok {
		t.Fatal("deleted block still present on the replica")
	}
}

func TestSaveBlockRejectsInvalid(t *testing.T) {
	doc := ydoc.New()
	_ = doc.Transact(nil, func(tx *ydoc.Transaction) {
		if err := SaveBlock(doc, tx, Block{ID: "", Props: ParagraphProps{}}); err == nil {
			t.Error("expected an error for a block without id")
		}
	})
	if keys := doc.Map(BlocksMap).Keys(); len(keys) != 0 {
		t.Fatalf("invalid block was written: %v", keys)
	}
}
