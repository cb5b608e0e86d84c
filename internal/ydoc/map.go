package ydoc

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Map is a named last-writer-wins map of JSON values inside a Doc.
type Map struct {
	doc  *Doc
	name string
}

// Map returns the map called name.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

// Set stores value under key. The write with the greatest id wins on merge.
func (m *Map) Set(tx *Transaction, key string, value any) error {
	if tx.doc != m.doc {
		return fmt.Errorf("ydoc: transaction belongs to another document")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", m.name, key, err)
	}
	m.write(tx, key, data)
	return nil
}

// Delete removes key. Deletion is a write like any other.
func (m *Map) Delete(tx *Transaction, key string) error {
	if tx.doc != m.doc {
		return fmt.Errorf("ydoc: transaction belongs to another document")
	}
	m.write(tx, key, nil)
	return nil
}

func (m *Map) write(tx *Transaction, key string, data []byte) {
	rec := EntryRecord{ID: m.doc.nextID(), Map: m.name, Key: key, Value: data}
	m.doc.setEntry(rec.Map, rec.Key, rec.ID, rec.Value)
	tx.change.Entries = append(tx.change.Entries, rec)
}

// Get decodes the value under key into out. It reports false when the key is
// absent or deleted.
func (m *Map) Get(key string, out any) (bool, error) {
	m.doc.mu.RLock()
	e, ok := m.doc.entries[m.name][key]
	m.doc.mu.RUnlock()
	if !ok || e.value == nil {
		return false, nil
	}
	if err := json.Unmarshal(e.value, out); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", m.name, key, err)
	}
	return true, nil
}

// Raw returns the stored JSON under key.
func (m *Map) Raw(key string) (json.RawMessage, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	e, ok := m.doc.entries[m.name][key]
	if !ok || e.value == nil {
		return nil, false
	}
	return append(json.RawMessage(nil), e.value...), true
}

// Keys lists the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	keys := make([]string, 0, len(m.doc.entries[m.name]))
	for key, e := range m.doc.entries[m.name] {
		if e.value != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
