package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kinsync/kinsync/internal/dbx"
)

var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or
// *sql.Tx). Entry ids are ULIDs, so ids themselves sort by creation time;
// ordering queries still go through enqueued_at with the id as tiebreak.
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const entryColumns = `id, action, target_collection, document_id, payload, enqueued_at,
	status, retry_count, last_error, display_title, display_description`

func (r *SQLiteRepository) Enqueue(ctx context.Context, e *Entry) (string, error) {
	e.ID = ulid.Make().String()
	e.EnqueuedAt = time.Now().UTC()
	e.Status = StatusPending
	e.RetryCount = 0
	e.LastError = ""

	query := `INSERT INTO queue_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, string(e.Action), e.TargetCollection, e.DocumentID, []byte(e.Payload),
		e.EnqueuedAt.UnixNano(), string(e.Status), e.RetryCount,
		nullString(e.LastError), nullString(e.DisplayTitle), nullString(e.DisplayDescription))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue entry: %w", err)
	}
	return e.ID, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) ListAll(ctx context.Context) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries ORDER BY enqueued_at, id`
	return r.list(ctx, query)
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, status Status) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE status = ? ORDER BY enqueued_at, id`
	return r.list(ctx, query, string(status))
}

func (r *SQLiteRepository) Update(ctx context.Context, id string, update EntryUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullString(*update.LastError))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := "UPDATE queue_entries SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *SQLiteRepository) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queue_entries`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEntry(scan func(dest ...any) error) (*Entry, error) {
	var (
		e          Entry
		action     string
		payload    []byte
		enqueuedAt int64
		status     string
		lastError  sql.NullString
		title      sql.NullString
		desc       sql.NullString
	)
	err := scan(&e.ID, &action, &e.TargetCollection, &e.DocumentID, &payload,
		&enqueuedAt, &status, &e.RetryCount, &lastError, &title, &desc)
	if err != nil {
		return nil, err
	}
	e.Action = Action(action)
	e.Payload = payload
	e.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	e.Status = Status(status)
	e.LastError = lastError.String
	e.DisplayTitle = title.String
	e.DisplayDescription = desc.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
