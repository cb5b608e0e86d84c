package ydoc

import (
	"fmt"
	"strings"
)

// Text is a named rune sequence inside a Doc.
type Text struct {
	doc  *Doc
	name string
}

// Text returns the sequence called name. Sequences come into existence with
// their first item, so asking for one has no side effect.
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, name: name}
}

// Name returns the sequence name.
func (t *Text) Name() string {
	return t.name
}

// Insert adds s before the visible rune at index.
func (t *Text) Insert(tx *Transaction, index int, s string) error {
	if tx.doc != t.doc {
		return fmt.Errorf("ydoc: transaction belongs to another document")
	}
	if s == "" {
		return nil
	}
	d := t.doc
	visible := d.visibleLocked(t.name)
	if index < 0 || index > len(visible) {
		return fmt.Errorf("ydoc: insert index %d out of range [0,%d]", index, len(visible))
	}
	var origin *ID
	if index > 0 {
		id := visible[index-1].id
		origin = &id
	}
	for _, r := range s {
		rec := ItemRecord{ID: d.nextID(), Origin: origin, Parent: t.name, Content: string(r)}
		d.insertItem(rec)
		tx.change.Items = append(tx.change.Items, rec)
		id := rec.ID
		origin = &id
	}
	return nil
}

// Delete removes length visible runes starting at index.
func (t *Text) Delete(tx *Transaction, index, length int) error {
	if tx.doc != t.doc {
		return fmt.Errorf("ydoc: transaction belongs to another document")
	}
	visible := t.doc.visibleLocked(t.name)
	if index < 0 || length < 0 || index+length > len(visible) {
		return fmt.Errorf("ydoc: delete range [%d,%d) out of range [0,%d]", index, index+length, len(visible))
	}
	for _, it := range visible[index : index+length] {
		it.deleted = true
		tx.change.Deletes = append(tx.change.Deletes, it.id)
	}
	return nil
}

// String returns the visible content.
func (t *Text) String() string {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	var b strings.Builder
	for _, it := range t.doc.visibleLocked(t.name) {
		b.WriteString(it.content)
	}
	return b.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	return len(t.doc.visibleLocked(t.name))
}

func (d *Doc) visibleLocked(name string) []*item {
	seq := d.seqs[name]
	visible := make([]*item, 0, len(seq))
	for _, it := range seq {
		if !it.deleted {
			visible = append(visible, it)
		}
	}
	return visible
}
