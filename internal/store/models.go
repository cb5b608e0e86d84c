package store

import "time"

// Update is one persisted document update blob of a room.
type Update struct {
	ID        int64
	Room      string
	Data      []byte
	CreatedAt time.Time
}

// Room summarises a room that has persisted updates.
type Room struct {
	Name      string
	Updates   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the searchable, human-readable projection of a room, written
// whenever the update log is compacted.
type Snapshot struct {
	Room        string
	Body        string
	Diagrams    string
	UpdateCount int
	CommitHash  string
	UpdatedAt   time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
