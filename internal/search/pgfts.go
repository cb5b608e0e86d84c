package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over
// room_snapshots.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. Without Postgres the relay cannot persist
// either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM room_snapshots
		WHERE fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT room,
			ts_headline('english', coalesce(body, '') || ' ' || coalesce(diagrams, ''),
				plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			update_count, commit_hash
		FROM room_snapshots
		WHERE fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC, updated_at DESC
		LIMIT $2 OFFSET $3
	`, q.Text, normalizeLimit(q.Limit), max(q.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Room, &r.Snippet, &r.UpdateCount, &r.CommitHash); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every snapshot for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RoomRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT room, body, diagrams, update_count, commit_hash, updated_at
		FROM room_snapshots
	`)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	records := make([]RoomRecord, 0)
	for rows.Next() {
		var rec RoomRecord
		var updatedAt sql.NullTime
		if err := rows.Scan(&rec.Room, &rec.Body, &rec.Diagrams, &rec.UpdateCount, &rec.CommitHash, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		rec.ID = RecordID(rec.Room)
		if updatedAt.Valid {
			rec.UpdatedAt = updatedAt.Time.Unix()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return records, nil
}
