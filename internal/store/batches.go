package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/slipstream/grabber/internal/jobs"
)

const batchColumns = `id, batch_key, content_id, voice_track_id, voice_track_name, quality, subtitle, job_ids, created_at`

func scanBatch(row rowScanner) (*jobs.Batch, error) {
	var (
		b       jobs.Batch
		jobIDs  string
		created int64
	)
	if err := row.Scan(
		&b.ID, &b.Key, &b.ContentID, &b.VoiceTrack.ID, &b.VoiceTrack.Name,
		&b.Quality, &b.Subtitle, &jobIDs, &created,
	); err != nil {
		return nil, err
	}
	ids, err := decodeList[int64](jobIDs)
	if err != nil {
		return nil, fmt.Errorf("decode job ids of batch %d: %w", b.ID, err)
	}
	b.JobIDs = ids
	b.CreatedAt = fromMillis(created)
	return &b, nil
}

// GetBatch returns a Batch by id.
func (s *SQLStore) GetBatch(ctx context.Context, id int64) (*jobs.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %d: %w", id, err)
	}
	return b, nil
}

// ListBatchesByKeys returns the Batches with the given keys, oldest first.
// Unknown keys are ignored.
func (s *SQLStore) ListBatchesByKeys(ctx context.Context, keys []int64) ([]*jobs.Batch, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	in, args := inClause(keys)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE batch_key IN `+in+` ORDER BY batch_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetRegistration returns the SourceRegistration of a content id.
func (s *SQLStore) GetRegistration(ctx context.Context, contentID int64) (*jobs.SourceRegistration, error) {
	return getRegistration(ctx, s.db, contentID)
}

// UpsertRegistration creates or replaces a SourceRegistration.
func (s *SQLStore) UpsertRegistration(ctx context.Context, reg *jobs.SourceRegistration) error {
	reg.UpdatedAt = s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertRegistration(ctx, tx, reg)
	})
}

func getRegistration(ctx context.Context, q queryer, contentID int64) (*jobs.SourceRegistration, error) {
	var (
		reg     jobs.SourceRegistration
		keys    string
		updated int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT content_id, source_type, url, title, batch_keys, updated_at
		FROM source_registrations WHERE content_id = ?`, contentID,
	).Scan(&reg.ContentID, &reg.SourceType, &reg.URL, &reg.Title, &keys, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("registration %d: %w", contentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get registration %d: %w", contentID, err)
	}
	if reg.BatchKeys, err = decodeList[int64](keys); err != nil {
		return nil, fmt.Errorf("decode batch keys of %d: %w", contentID, err)
	}
	reg.UpdatedAt = fromMillis(updated)
	return &reg, nil
}

func upsertRegistration(ctx context.Context, tx *sql.Tx, reg *jobs.SourceRegistration) error {
	keys, err := encodeList(reg.BatchKeys)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO source_registrations (content_id, source_type, url, title, batch_keys, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			source_type = excluded.source_type,
			url = excluded.url,
			title = excluded.title,
			batch_keys = excluded.batch_keys,
			updated_at = excluded.updated_at`,
		reg.ContentID, reg.SourceType, reg.URL, reg.Title, keys, toMillis(reg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert registration %d: %w", reg.ContentID, err)
	}
	return nil
}

// mergeKeys returns the sorted union of two key lists.
func mergeKeys(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
