package ydoc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedUpdate is returned when an update blob cannot be decoded.
var ErrMalformedUpdate = errors.New("ydoc: malformed update")

// ID identifies one inserted rune or map write. Clock is a Lamport clock, so
// ids are totally ordered by (Clock, Client).
type ID struct {
	Client uint64 `json:"c"`
	Clock  uint64 `json:"k"`
}

func (id ID) less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Client)
}

// ItemRecord is the wire form of a sequence item.
type ItemRecord struct {
	ID      ID     `json:"id"`
	Origin  *ID    `json:"o,omitempty"`
	Parent  string `json:"p"`
	Content string `json:"v"`
}

// EntryRecord is the wire form of a map write. A nil Value is a deletion.
type EntryRecord struct {
	ID    ID              `json:"id"`
	Map   string          `json:"m"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"v,omitempty"`
}

// Update is the decoded content of an update blob.
type Update struct {
	Items   []ItemRecord  `json:"items,omitempty"`
	Deletes []ID          `json:"deletes,omitempty"`
	Entries []EntryRecord `json:"entries,omitempty"`
}

// Empty reports whether the update carries no changes.
func (u Update) Empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0 && len(u.Entries) == 0
}

// EncodeUpdate serialises an update to a blob.
func EncodeUpdate(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses and validates an update blob.
func DecodeUpdate(blob []byte) (Update, error) {
	var u Update
	if len(blob) == 0 {
		return u, fmt.Errorf("%w: empty blob", ErrMalformedUpdate)
	}
	if err := json.Unmarshal(blob, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, item := range u.Items {
		if item.ID.Clock == 0 {
			return Update{}, fmt.Errorf("%w: item %s has zero clock", ErrMalformedUpdate, item.ID)
		}
		if item.Parent == "" {
			return Update{}, fmt.Errorf("%w: item %s has no parent", ErrMalformedUpdate, item.ID)
		}
		if len([]rune(item.Content)) != 1 {
			return Update{}, fmt.Errorf("%w: item %s must hold exactly one rune", ErrMalformedUpdate, item.ID)
		}
	}
	for _, entry := range u.Entries {
		if entry.ID.Clock == 0 || entry.Map == "" {
			return Update{}, fmt.Errorf("%w: invalid map entry %s", ErrMalformedUpdate, entry.ID)
		}
	}
	return u, nil
}

// MergeUpdates folds several blobs into one equivalent blob without a live
// document. Order does not matter.
func MergeUpdates(blobs ...[]byte) ([]byte, error) {
	doc := New(WithClientID(0))
	for i, blob := range blobs {
		if err := doc.Apply(blob, nil); err != nil {
			return nil, fmt.Errorf("merge update %d: %w", i, err)
		}
	}
	return doc.EncodeStateAsUpdate()
}
