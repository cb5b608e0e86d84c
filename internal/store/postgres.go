package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ensureRoom(ctx context.Context, tx *sql.Tx, room string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET updated_at = NOW()
	`, room)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, room string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureRoom(ctx, tx, room); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO room_updates (room, data) VALUES ($1, $2)`, room, data); err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUpdates(ctx context.Context, room string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room, data, created_at
		FROM room_updates
		WHERE room = $1
		ORDER BY id
	`, room)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	items := make([]Update, 0)
	for rows.Next() {
		var item Update
		if err := rows.Scan(&item.ID, &item.Room, &item.Data, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ReplaceUpdates(ctx context.Context, room string, upTo int64, merged []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compaction tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureRoom(ctx, tx, room); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_updates WHERE room = $1 AND id <= $2`, room, upTo); err != nil {
		return fmt.Errorf("delete compacted updates: %w", err)
	}
	// Reusing upTo keeps the merged blob ahead of updates appended meanwhile.
	if _, err := tx.ExecContext(ctx, `INSERT INTO room_updates (id, room, data) VALUES ($1, $2, $3)`, upTo, room, merged); err != nil {
		return fmt.Errorf("insert merged update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name, r.created_at, r.updated_at, COUNT(u.id)
		FROM rooms r
		LEFT JOIN room_updates u ON u.room = r.name
		GROUP BY r.name, r.created_at, r.updated_at
		ORDER BY r.updated_at DESC, r.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	items := make([]Room, 0)
	for rows.Next() {
		var item Room
		if err := rows.Scan(&item.Name, &item.CreatedAt, &item.UpdatedAt, &item.Updates); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureRoom(ctx, tx, snapshot.Room); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_snapshots (room, body, diagrams, update_count, commit_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (room) DO UPDATE
		SET body = EXCLUDED.body,
			diagrams = EXCLUDED.diagrams,
			update_count = EXCLUDED.update_count,
			commit_hash = EXCLUDED.commit_hash,
			updated_at = NOW()
	`, snapshot.Room, snapshot.Body, snapshot.Diagrams, snapshot.UpdateCount, snapshot.CommitHash)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, room string) (Snapshot, error) {
	var item Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT room, body, diagrams, update_count, commit_hash, updated_at
		FROM room_snapshots
		WHERE room = $1
	`, room).Scan(&item.Room, &item.Body, &item.Diagrams, &item.UpdateCount, &item.CommitHash, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return item, nil
}
