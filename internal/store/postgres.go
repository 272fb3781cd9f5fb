package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
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

const recordColumns = `id, owner_id, owner_email, record_type, kind, client_label, status,
	input, result, history, current_version_index, revision, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	result, err := marshalResult(rec.Result)
	if err != nil {
		return "", err
	}
	history, err := marshalHistory(rec.History)
	if err != nil {
		return "", err
	}
	if rec.Revision == 0 {
		rec.Revision = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.OwnerID, rec.OwnerEmail, string(rec.Type), string(rec.Kind), rec.ClientLabel, string(rec.Status),
		input, result, history, rec.CurrentVersionIndex, rec.Revision, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateFields(ctx context.Context, id string, patch Patch) error {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.ClearResult {
		sets = append(sets, "result = NULL")
	} else if patch.Result != nil {
		result, err := marshalResult(patch.Result)
		if err != nil {
			return err
		}
		set("result", result)
	}
	if patch.SetHistory {
		history, err := marshalHistory(patch.History)
		if err != nil {
			return err
		}
		set("history", history)
	}
	if patch.CurrentVersionIndex != nil {
		set("current_version_index", *patch.CurrentVersionIndex)
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	set("updated_at", updatedAt)
	sets = append(sets, "revision = revision + 1")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE records SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if patch.ExpectRevision > 0 {
		args = append(args, patch.ExpectRevision)
		query += fmt.Sprintf(" AND revision = $%d", len(args))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if patch.ExpectRevision == 0 {
		return ErrNotFound
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, opts ListOptions) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE owner_id = $1 AND record_type = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, opts.OwnerID, string(opts.Type), opts.Limit, opts.Skip)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	items := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                           Record
		recordType, kind, status      string
		input, result, historyPayload []byte
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.OwnerEmail, &recordType, &kind, &rec.ClientLabel, &status,
		&input, &result, &historyPayload, &rec.CurrentVersionIndex, &rec.Revision, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Type = RecordType(recordType)
	rec.Kind = Kind(kind)
	rec.Status = Status(status)

	if len(input) > 0 {
		if err := json.Unmarshal(input, &rec.Input); err != nil {
			return Record{}, fmt.Errorf("decode input: %w", err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		rec.Result = &Result{}
		if err := json.Unmarshal(result, rec.Result); err != nil {
			return Record{}, fmt.Errorf("decode result: %w", err)
		}
	}
	rec.History = []HistoryEntry{}
	if len(historyPayload) > 0 {
		if err := json.Unmarshal(historyPayload, &rec.History); err != nil {
			return Record{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return rec, nil
}

func marshalResult(result *Result) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return payload, nil
}

func marshalHistory(history []HistoryEntry) ([]byte, error) {
	if history == nil {
		history = []HistoryEntry{}
	}
	payload, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	return payload, nil
}
