package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

// SQLiteStore persists event logs and instance records in SQLite. The
// caller supplies an opened *sql.DB; the driver (mattn/go-sqlite3) is
// registered by the importing binary.
type SQLiteStore struct {
	db            *sql.DB
	eventTable    string
	instanceTable string
}

// NewSQLiteStore builds a store using the given DB and table prefix.
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "durable"
	}
	return &SQLiteStore{
		db:            db,
		eventTable:    prefix + "_events",
		instanceTable: prefix + "_instances",
	}
}

func (s *SQLiteStore) Append(ctx context.Context, instanceID string, events ...*Event) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return 0, errors.New("instance id required")
	}
	if len(events) == 0 {
		return 0, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var next int64 = 1
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE instance_id = ?`, s.eventTable),
		instanceID,
	)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	next = max + 1

	insert := fmt.Sprintf(`INSERT INTO %s (instance_id, sequence, epoch, kind, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)`, s.eventTable)
	for _, e := range events {
		if e == nil {
			continue
		}
		cp := e.Clone()
		cp.Sequence = next
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now().UTC()
		}
		payload, err := json.Marshal(cp)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, insert,
			instanceID,
			cp.Sequence,
			cp.Epoch,
			string(cp.Kind),
			cp.Timestamp.UTC().Format(time.RFC3339Nano),
			string(payload),
		); err != nil {
			if isSQLiteUniqueError(err) {
				return 0, durable.NewError(durable.ErrAppendConflict, "", err, map[string]any{
					"instance_id": instanceID,
					"sequence":    cp.Sequence,
				})
			}
			return 0, err
		}
		next++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return next - 1, nil
}

func (s *SQLiteStore) Read(ctx context.Context, instanceID string, fromSeq int64) ([]*Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, errors.New("instance id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT payload FROM %s
		WHERE instance_id = ? AND sequence >= ?
		ORDER BY sequence ASC`, s.eventTable)
	rows, err := s.db.QueryContext(ctx, query, instanceID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Truncate(ctx context.Context, instanceID string, keep []*Event) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return errors.New("instance id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, s.eventTable), instanceID,
	); err != nil {
		return err
	}
	insert := fmt.Sprintf(`INSERT INTO %s (instance_id, sequence, epoch, kind, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)`, s.eventTable)
	for i, e := range keep {
		if e == nil {
			continue
		}
		cp := e.Clone()
		cp.Sequence = int64(i + 1)
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now().UTC()
		}
		payload, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert,
			instanceID,
			cp.Sequence,
			cp.Epoch,
			string(cp.Kind),
			cp.Timestamp.UTC().Format(time.RFC3339Nano),
			string(payload),
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec *InstanceRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store not configured")
	}
	rec = rec.Clone()
	if rec == nil {
		return errors.New("instance record required")
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("instance id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	failureJSON, err := marshalFailure(rec.Failure)
	if err != nil {
		return err
	}
	insert := fmt.Sprintf(`INSERT INTO %s (
		instance_id, name, version, status, epoch, input, output, custom_status, failure, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.instanceTable)
	if _, err := s.db.ExecContext(ctx, insert,
		rec.ID,
		rec.Name,
		rec.Version,
		string(rec.Status),
		rec.Epoch,
		string(rec.Input),
		string(rec.Output),
		rec.CustomStatus,
		failureJSON,
		rec.CreatedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		if isSQLiteUniqueError(err) {
			return durable.NewError(durable.ErrDuplicateInstance, "", err, map[string]any{
				"instance_id": rec.ID,
			})
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT instance_id, name, version, status, epoch, input, output,
		custom_status, failure, created_at, updated_at
		FROM %s WHERE instance_id = ?`, s.instanceTable)
	rec, err := scanInstance(s.db.QueryRowContext(ctx, query, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) Update(ctx context.Context, rec *InstanceRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store not configured")
	}
	rec = rec.Clone()
	if rec == nil {
		return errors.New("instance record required")
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("instance id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	failureJSON, err := marshalFailure(rec.Failure)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`UPDATE %s SET name=?, version=?, status=?, epoch=?, input=?, output=?,
		custom_status=?, failure=?, updated_at=? WHERE instance_id=?`, s.instanceTable)
	result, err := s.db.ExecContext(ctx, update,
		rec.Name,
		rec.Version,
		string(rec.Status),
		rec.Epoch,
		string(rec.Input),
		string(rec.Output),
		rec.CustomStatus,
		failureJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
		rec.ID,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return durable.NewError(durable.ErrInstanceNotFound, "", nil, map[string]any{
			"instance_id": rec.ID,
		})
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, filter Filter) (Page, error) {
	if s == nil || s.db == nil {
		return Page{}, errors.New("sqlite history store not configured")
	}
	filter = normalizeFilter(filter)
	after, err := decodePageToken(filter.PageToken)
	if err != nil {
		return Page{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return Page{}, err
	}

	where, args := buildInstanceFilter(filter)
	if after != "" {
		where = append(where, "instance_id > ?")
		args = append(args, after)
	}
	query := fmt.Sprintf(`SELECT instance_id, name, version, status, epoch, input, output,
		custom_status, failure, created_at, updated_at FROM %s`, s.instanceTable)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY instance_id ASC LIMIT ?"
	args = append(args, filter.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	page := Page{}
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return Page{}, err
		}
		page.Instances = append(page.Instances, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Instances) > filter.Limit {
		page.Instances = page.Instances[:filter.Limit]
		page.NextToken = encodePageToken(page.Instances[filter.Limit-1].ID)
	}
	return page, nil
}

func (s *SQLiteStore) Purge(ctx context.Context, filter Filter) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite history store not configured")
	}
	filter = normalizeFilter(filter)
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	where, args := buildInstanceFilter(filter)
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	deleteEvents := fmt.Sprintf(`DELETE FROM %s WHERE instance_id IN (SELECT instance_id FROM %s%s)`,
		s.eventTable, s.instanceTable, clause)
	if _, err := tx.ExecContext(ctx, deleteEvents, args...); err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s%s`, s.instanceTable, clause), args...)
	if err != nil {
		return 0, err
	}
	purged, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return int(purged), nil
}

func buildInstanceFilter(filter Filter) ([]string, []any) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			marks = append(marks, "?")
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.CreatedFrom.UTC().Format(time.RFC3339Nano))
	}
	if !filter.CreatedTo.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.CreatedTo.UTC().Format(time.RFC3339Nano))
	}
	if filter.IDPrefix != "" {
		where = append(where, "instance_id LIKE ?")
		args = append(args, filter.IDPrefix+"%")
	}
	return where, args
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row sqlRowScanner) (*InstanceRecord, error) {
	var rec InstanceRecord
	var status, input, output, failureJSON, createdAt, updatedAt string
	if err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Version,
		&status,
		&rec.Epoch,
		&input,
		&output,
		&rec.CustomStatus,
		&failureJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = durable.Status(status)
	if input != "" {
		rec.Input = []byte(input)
	}
	if output != "" {
		rec.Output = []byte(output)
	}
	if strings.TrimSpace(failureJSON) != "" {
		_ = json.Unmarshal([]byte(failureJSON), &rec.Failure)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

func marshalFailure(fd *durable.FailureDetails) (string, error) {
	if fd == nil {
		return "", nil
	}
	b, err := json.Marshal(fd)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	eventDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		epoch INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (instance_id, sequence)
	)`, s.eventTable)
	if _, err := s.db.ExecContext(ctx, eventDDL); err != nil {
		return err
	}
	instanceDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT,
		status TEXT NOT NULL,
		epoch INTEGER NOT NULL DEFAULT 0,
		input TEXT,
		output TEXT,
		custom_status TEXT,
		failure TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.instanceTable)
	_, err := s.db.ExecContext(ctx, instanceDDL)
	return err
}

func isSQLiteUniqueError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
