package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

// SQLiteStore persists entity state in SQLite. The caller supplies an
// opened *sql.DB; the driver is registered by the importing binary.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore builds a store using the given DB and table prefix.
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "durable"
	}
	return &SQLiteStore{db: db, table: prefix + "_entities"}
}

func (s *SQLiteStore) Load(ctx context.Context, id durable.EntityID) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite entity store not configured")
	}
	if id.IsZero() {
		return nil, errors.New("entity id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT state, version, updated_at FROM %s WHERE name = ? AND key = ?`, s.table)
	var state string
	var version int64
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query, id.Name, id.Key).Scan(&state, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &Record{ID: id, Version: version}
	if state != "" {
		rec.State = []byte(state)
	}
	if ts, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite entity store not configured")
	}
	if record == nil || record.ID.IsZero() {
		return errors.New("entity record required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	if record.Version == 0 {
		insert := fmt.Sprintf(`INSERT INTO %s (name, key, state, version, updated_at)
			VALUES (?, ?, ?, 1, ?)`, s.table)
		if _, err := s.db.ExecContext(ctx, insert,
			record.ID.Name,
			record.ID.Key,
			string(record.State),
			now.Format(time.RFC3339Nano),
		); err != nil {
			if isSQLiteUniqueError(err) {
				return durable.NewError(durable.ErrAppendConflict, "entity state version conflict", err, map[string]any{
					"entity": record.ID.String(),
				})
			}
			return err
		}
		record.Version = 1
		record.UpdatedAt = now
		return nil
	}

	update := fmt.Sprintf(`UPDATE %s SET state = ?, version = version + 1, updated_at = ?
		WHERE name = ? AND key = ? AND version = ?`, s.table)
	result, err := s.db.ExecContext(ctx, update,
		string(record.State),
		now.Format(time.RFC3339Nano),
		record.ID.Name,
		record.ID.Key,
		record.Version,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return durable.NewError(durable.ErrAppendConflict, "entity state version conflict", nil, map[string]any{
			"entity":   record.ID.String(),
			"expected": record.Version,
		})
	}
	record.Version++
	record.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id durable.EntityID) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite entity store not configured")
	}
	if id.IsZero() {
		return errors.New("entity id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE name = ? AND key = ?`, s.table),
		id.Name, id.Key,
	)
	return err
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT NOT NULL,
		key TEXT NOT NULL,
		state TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (name, key)
	)`, s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func isSQLiteUniqueError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
