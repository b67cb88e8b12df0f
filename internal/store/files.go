package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/slipstream/grabber/internal/jobs"
)

const fileColumns = `id, kind, job_id, dependent_file_id, transfer_id, token, filename, url,
	quality, language, prompt_for_location, retry_attempts, status, error, created_at, updated_at`

func scanFile(row rowScanner) (*jobs.File, error) {
	var (
		f                     jobs.File
		kind, status          string
		dependent, transferID sql.NullInt64
		url                   sql.NullString
		created, updated      int64
	)
	if err := row.Scan(
		&f.ID, &kind, &f.JobID, &dependent, &transferID, &f.Token, &f.Filename, &url,
		&f.Quality, &f.Language, &f.PromptForLocation, &f.RetryAttempts, &status, &f.Error,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	f.Kind = jobs.FileKind(kind)
	f.Status = jobs.Status(status)
	f.DependentFileID = int64Ptr(dependent)
	f.TransferID = int64Ptr(transferID)
	f.URL = stringPtr(url)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

// CreateFile inserts a File and fills in its id and timestamps.
func (s *SQLStore) CreateFile(ctx context.Context, f *jobs.File) error {
	now := s.now()
	if f.Status == "" {
		f.Status = jobs.StatusCandidate
	}

	res, err := s.execWithRetry(ctx, `
		INSERT INTO files (kind, job_id, dependent_file_id, transfer_id, token, filename, url,
			quality, language, prompt_for_location, retry_attempts, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(f.Kind), f.JobID, nullInt64(f.DependentFileID), nullInt64(f.TransferID), f.Token,
		f.Filename, nullString(f.URL), f.Quality, f.Language, f.PromptForLocation, f.RetryAttempts,
		string(f.Status), f.Error, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("insert file for job %d: %w", f.JobID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	f.ID = id
	f.CreatedAt = now
	f.UpdatedAt = now
	return nil
}

// GetFile returns a File by id.
func (s *SQLStore) GetFile(ctx context.Context, id int64) (*jobs.File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %d: %w", id, err)
	}
	return f, nil
}

// UpdateFile persists a File, refusing illegal status moves.
func (s *SQLStore) UpdateFile(ctx context.Context, f *jobs.File) error {
	now := s.now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM files WHERE id = ?`, f.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("file %d: %w", f.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := jobs.CheckTransition(jobs.Status(current), f.Status); err != nil {
			return fmt.Errorf("file %d: %w", f.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE files SET dependent_file_id = ?, transfer_id = ?, token = ?, filename = ?, url = ?,
				quality = ?, language = ?, prompt_for_location = ?, retry_attempts = ?, status = ?,
				error = ?, updated_at = ?
			WHERE id = ?`,
			nullInt64(f.DependentFileID), nullInt64(f.TransferID), f.Token, f.Filename, nullString(f.URL),
			f.Quality, f.Language, f.PromptForLocation, f.RetryAttempts, string(f.Status),
			f.Error, toMillis(now), f.ID,
		); err != nil {
			return fmt.Errorf("update file %d: %w", f.ID, err)
		}
		f.UpdatedAt = now
		return nil
	})
}

// ListFilesByJob returns a Job's Files in creation order.
func (s *SQLStore) ListFilesByJob(ctx context.Context, jobID int64) ([]*jobs.File, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE job_id = ? ORDER BY id`, jobID)
}

// ListFilesByTransferID returns Files that carried a host handle, most
// recently created first. Handles can repeat once the host forgets its
// history, so callers usually take the first entry.
func (s *SQLStore) ListFilesByTransferID(ctx context.Context, transferID int64) ([]*jobs.File, error) {
	return s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files WHERE transfer_id = ? ORDER BY created_at DESC, id DESC`, transferID)
}

// ListFilesByStatus returns Files in any of the given statuses, oldest first.
func (s *SQLStore) ListFilesByStatus(ctx context.Context, statuses ...jobs.Status) ([]*jobs.File, error) {
	if len(statuses) == 0 {
		return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files ORDER BY id`)
	}
	in, args := inClause(statusArgs(statuses))
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE status IN `+in+` ORDER BY id`, args...)
}

func (s *SQLStore) queryFiles(ctx context.Context, query string, args ...any) ([]*jobs.File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var out []*jobs.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
