// Package store persists Jobs, Files, Batches and SourceRegistrations in
// SQLite. Callers mutate an entity and then persist it explicitly; nothing is
// written implicitly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slipstream/grabber/internal/jobs"
)

// ErrNotFound is returned when a lookup by primary key finds nothing.
var ErrNotFound = errors.New("not found")

// Submission is everything written when an Intent is accepted.
type Submission struct {
	Batch        *jobs.Batch
	Jobs         []*jobs.Job
	Registration *jobs.SourceRegistration
}

// Store is the durable repository used by the queue and the engine.
type Store interface {
	CreateSubmission(ctx context.Context, sub *Submission) error

	GetJob(ctx context.Context, id int64) (*jobs.Job, error)
	UpdateJob(ctx context.Context, job *jobs.Job) error
	ListJobsByStatus(ctx context.Context, statuses ...jobs.Status) ([]*jobs.Job, error)
	ListJobsByBatch(ctx context.Context, batchID int64) ([]*jobs.Job, error)
	ListJobsByContent(ctx context.Context, contentID int64) ([]*jobs.Job, error)

	CreateFile(ctx context.Context, file *jobs.File) error
	GetFile(ctx context.Context, id int64) (*jobs.File, error)
	UpdateFile(ctx context.Context, file *jobs.File) error
	ListFilesByJob(ctx context.Context, jobID int64) ([]*jobs.File, error)
	ListFilesByTransferID(ctx context.Context, transferID int64) ([]*jobs.File, error)
	ListFilesByStatus(ctx context.Context, statuses ...jobs.Status) ([]*jobs.File, error)

	GetBatch(ctx context.Context, id int64) (*jobs.Batch, error)
	ListBatchesByKeys(ctx context.Context, keys []int64) ([]*jobs.Batch, error)

	GetRegistration(ctx context.Context, contentID int64) (*jobs.SourceRegistration, error)
	UpsertRegistration(ctx context.Context, reg *jobs.SourceRegistration) error
}

// SQLStore implements Store on a database/sql connection.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// New creates a store over an already migrated database.
func New(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn in a transaction, retrying the whole transaction on SQLITE_BUSY.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList[T any](raw string) ([]T, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// inClause renders "(?, ?, ?)" with args for an IN filter.
func inClause[T any](values []T) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = v
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

func statusArgs(statuses []jobs.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
