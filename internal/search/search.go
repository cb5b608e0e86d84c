// Package search finds rooms by the text of their latest snapshot.
package search

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Room        string `json:"room"`
	Snippet     string `json:"snippet"`
	UpdateCount int    `json:"updateCount"`
	CommitHash  string `json:"commitHash,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RoomRecord is the data we index for a room.
type RoomRecord struct {
	ID          string `json:"id"`
	Room        string `json:"room"`
	Body        string `json:"body"`
	Diagrams    string `json:"diagrams"`
	UpdateCount int    `json:"updateCount"`
	CommitHash  string `json:"commitHash"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// RecordID derives an index key from a room name. Room names may contain
// characters Meilisearch rejects in primary keys.
func RecordID(room string) string {
	sum := sha1.Sum([]byte(room))
	return hex.EncodeToString(sum[:10])
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
