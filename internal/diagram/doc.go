package diagram

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mahmoud661/Collaborative-editor/internal/ydoc"
)

// BlocksMap is the shared map holding block attributes, keyed by block id.
const BlocksMap = "blocks"

// SaveBlock writes b into the document inside tx.
func SaveBlock(doc *ydoc.Doc, tx *ydoc.Transaction, b Block) error {
	data, err := MarshalBlock(b)
	if err != nil {
		return err
	}
	return doc.Map(BlocksMap).Set(tx, b.ID, json.RawMessage(data))
}

func DeleteBlock(doc *ydoc.Doc, tx *ydoc.Transaction, id string) error {
	return doc.Map(BlocksMap).Delete(tx, id)
}

// LoadBlock reads one block. It reports false when the block does not exist.
func LoadBlock(doc *ydoc.Doc, id string) (Block, bool, error) {
	raw, ok := doc.Map(BlocksMap).Raw(id)
	if !ok {
		return Block{}, false, nil
	}
	b, err := UnmarshalBlock(raw)
	if err != nil {
		return Block{}, true, fmt.Errorf("block %s: %w", id, err)
	}
	return b, true, nil
}

// LoadBlocks reads every block in id order.
func LoadBlocks(doc *ydoc.Doc) ([]Block, error) {
	m := doc.Map(BlocksMap)
	keys := m.Keys()
	blocks := make([]Block, 0, len(keys))
	for _, id := range keys {
		b, ok, err := LoadBlock(doc, id)
		if err != nil {
			return nil, err
		}
		if ok {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

// Sources concatenates the code of every mermaid block, one per paragraph.
func Sources(blocks []Block) string {
	var parts []string
	for _, b := range blocks {
		if p, ok := b.Mermaid(); ok && strings.TrimSpace(p.Code) != "" {
			parts = append(parts, p.Code)
		}
	}
	return strings.Join(parts, "\n\n")
}
