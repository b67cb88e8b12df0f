package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/slipstream/grabber/internal/jobs"
)

const jobColumns = `id, source_type, content_id, title, original_title, url, season, episode,
	content_kind, qualities, subtitle_languages, batch_id, status, error, created_at, updated_at`

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j                   jobs.Job
		season, episode     sql.NullInt64
		kind, status        string
		qualities, subLangs string
		created, updated    int64
	)
	if err := row.Scan(
		&j.ID, &j.SourceType, &j.ContentID, &j.Title, &j.OriginalTitle, &j.URL,
		&season, &episode, &kind, &qualities, &subLangs, &j.BatchID, &status, &j.Error,
		&created, &updated,
	); err != nil {
		return nil, err
	}

	if season.Valid && episode.Valid {
		j.Episode = &jobs.EpisodeRef{Season: int(season.Int64), Episode: int(episode.Int64)}
	}
	j.ContentKind = jobs.ContentKind(kind)
	j.Status = jobs.Status(status)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)

	var err error
	if j.Qualities, err = decodeList[string](qualities); err != nil {
		return nil, fmt.Errorf("decode qualities of job %d: %w", j.ID, err)
	}
	if j.SubtitleLanguages, err = decodeList[string](subLangs); err != nil {
		return nil, fmt.Errorf("decode subtitle languages of job %d: %w", j.ID, err)
	}
	return &j, nil
}

func episodeArgs(ep *jobs.EpisodeRef) (sql.NullInt64, sql.NullInt64) {
	if ep == nil {
		return sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(ep.Season), Valid: true},
		sql.NullInt64{Int64: int64(ep.Episode), Valid: true}
}

func insertJob(ctx context.Context, tx *sql.Tx, j *jobs.Job) error {
	qualities, err := encodeList(j.Qualities)
	if err != nil {
		return err
	}
	subLangs, err := encodeList(j.SubtitleLanguages)
	if err != nil {
		return err
	}
	season, episode := episodeArgs(j.Episode)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (source_type, content_id, title, original_title, url, season, episode,
			content_kind, qualities, subtitle_languages, batch_id, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.SourceType, j.ContentID, j.Title, j.OriginalTitle, j.URL, season, episode,
		string(j.ContentKind), qualities, subLangs, j.BatchID, string(j.Status), j.Error,
		toMillis(j.CreatedAt), toMillis(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	j.ID, err = res.LastInsertId()
	return err
}

// CreateSubmission writes a Batch, its Jobs and the updated SourceRegistration
// in one transaction. IDs, timestamps and the registration's batch history are
// filled in on the passed values.
func (s *SQLStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	if sub == nil || sub.Batch == nil || len(sub.Jobs) == 0 {
		return fmt.Errorf("submission needs a batch and at least one job")
	}
	now := s.now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		b := sub.Batch
		if b.Key == 0 {
			b.Key = now.UnixMilli()
		}
		// Keys double as identities; two submissions in the same millisecond
		// must still get distinct ones.
		var maxKey sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(batch_key) FROM batches`).Scan(&maxKey); err != nil {
			return fmt.Errorf("read batch keys: %w", err)
		}
		if maxKey.Valid && b.Key <= maxKey.Int64 {
			b.Key = maxKey.Int64 + 1
		}
		b.CreatedAt = now

		res, err := tx.ExecContext(ctx, `
			INSERT INTO batches (batch_key, content_id, voice_track_id, voice_track_name, quality, subtitle, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.Key, b.ContentID, b.VoiceTrack.ID, b.VoiceTrack.Name, b.Quality, b.Subtitle, toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		if b.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		b.JobIDs = make([]int64, 0, len(sub.Jobs))
		for _, j := range sub.Jobs {
			j.BatchID = b.ID
			j.CreatedAt = now
			j.UpdatedAt = now
			if j.Status == "" {
				j.Status = jobs.StatusCandidate
			}
			if err := insertJob(ctx, tx, j); err != nil {
				return err
			}
			b.JobIDs = append(b.JobIDs, j.ID)
		}

		ids, err := encodeList(b.JobIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE batches SET job_ids = ? WHERE id = ?`, ids, b.ID); err != nil {
			return fmt.Errorf("record batch jobs: %w", err)
		}

		if sub.Registration == nil {
			return nil
		}
		reg := sub.Registration
		existing, err := getRegistration(ctx, tx, reg.ContentID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			reg.BatchKeys = mergeKeys(existing.BatchKeys, reg.BatchKeys)
		}
		reg.BatchKeys = mergeKeys(reg.BatchKeys, []int64{b.Key})
		reg.UpdatedAt = now
		return upsertRegistration(ctx, tx, reg)
	})
}

// GetJob returns a Job by id.
func (s *SQLStore) GetJob(ctx context.Context, id int64) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// UpdateJob persists a Job. The stored status must be able to move to the
// new one, otherwise jobs.ErrIllegalTransition is returned and nothing is
// written.
func (s *SQLStore) UpdateJob(ctx context.Context, j *jobs.Job) error {
	qualities, err := encodeList(j.Qualities)
	if err != nil {
		return err
	}
	subLangs, err := encodeList(j.SubtitleLanguages)
	if err != nil {
		return err
	}
	now := s.now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, j.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d: %w", j.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := jobs.CheckTransition(jobs.Status(current), j.Status); err != nil {
			return fmt.Errorf("job %d: %w", j.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET qualities = ?, subtitle_languages = ?, status = ?, error = ?, updated_at = ?
			WHERE id = ?`,
			qualities, subLangs, string(j.Status), j.Error, toMillis(now), j.ID,
		); err != nil {
			return fmt.Errorf("update job %d: %w", j.ID, err)
		}
		j.UpdatedAt = now
		return nil
	})
}

// ListJobsByStatus returns Jobs in any of the given statuses, oldest first.
// With no statuses every Job is returned.
func (s *SQLStore) ListJobsByStatus(ctx context.Context, statuses ...jobs.Status) ([]*jobs.Job, error) {
	if len(statuses) == 0 {
		return s.queryJobs(ctx, s.db, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	}
	in, args := inClause(statusArgs(statuses))
	return s.queryJobs(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE status IN `+in+` ORDER BY id`, args...)
}

// ListJobsByBatch returns the Jobs of a Batch in creation order.
func (s *SQLStore) ListJobsByBatch(ctx context.Context, batchID int64) ([]*jobs.Job, error) {
	return s.queryJobs(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE batch_id = ? ORDER BY id`, batchID)
}

// ListJobsByContent returns every Job ever created for a content id.
func (s *SQLStore) ListJobsByContent(ctx context.Context, contentID int64) ([]*jobs.Job, error) {
	return s.queryJobs(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE content_id = ? ORDER BY id`, contentID)
}

func (s *SQLStore) queryJobs(ctx context.Context, q queryer, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
