// Job queue and result store persistence. Jobs survive restarts; delivery is
// at-least-once via claim leases. Results are write-once rows keyed by job id.
package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/credence-ai/credence/internal/domain"
)

// ─── Job Operations ─────────────────────────────────────────────────────────

// InsertJob persists a new job in PENDING state.
func (db *DB) InsertJob(job domain.Job) error {
	_, err := db.db.Exec(`
		INSERT INTO jobs (id, principal_id, input, state, attempts, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.ID, job.PrincipalID, job.Input, domain.JobPending, 0,
		job.SubmittedAt.UTC().Format(time.RFC3339))
	return err
}

// ClaimJob atomically takes the oldest PENDING job: marks it RUNNING, stamps
// the claim time, and bumps the attempt counter. Returns ErrNoJobMatched
// when nothing is claimable.
func (db *DB) ClaimJob() (domain.Job, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	var job domain.Job
	var submittedStr string
	err = tx.QueryRow(`
		SELECT id, principal_id, input, attempts, submitted_at
		FROM jobs WHERE state = ?
		ORDER BY submitted_at, id LIMIT 1
	`, domain.JobPending).Scan(&job.ID, &job.PrincipalID, &job.Input, &job.Attempts, &submittedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNoJobMatched
	}
	if err != nil {
		return domain.Job{}, err
	}
	job.SubmittedAt, _ = time.Parse(time.RFC3339, submittedStr)

	if _, err := tx.Exec(`
		UPDATE jobs SET state = ?, attempts = attempts + 1, claimed_at = ?
		WHERE id = ?
	`, domain.JobRunning, time.Now().UTC().Format(time.RFC3339), job.ID); err != nil {
		return domain.Job{}, err
	}

	job.State = domain.JobRunning
	job.Attempts++
	return job, tx.Commit()
}

// UpdateJobState transitions a job from one state to another. The guard on
// the current state makes the transition a no-op if someone else moved the
// job first. Returns whether the transition was applied.
func (db *DB) UpdateJobState(jobID string, from, to domain.JobState) (bool, error) {
	res, err := db.db.Exec(`
		UPDATE jobs SET state = ? WHERE id = ? AND state = ?
	`, to, jobID, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// GetJob retrieves a job by id.
func (db *DB) GetJob(jobID string) (*domain.Job, error) {
	var job domain.Job
	var submittedStr string
	err := db.db.QueryRow(`
		SELECT id, principal_id, input, state, attempts, submitted_at
		FROM jobs WHERE id = ?
	`, jobID).Scan(&job.ID, &job.PrincipalID, &job.Input, &job.State, &job.Attempts, &submittedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.SubmittedAt, _ = time.Parse(time.RFC3339, submittedStr)
	return &job, nil
}

// CountJobsByState returns job counts keyed by state, for metrics.
func (db *DB) CountJobsByState() (map[domain.JobState]int64, error) {
	rows, err := db.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobState]int64)
	for rows.Next() {
		var state domain.JobState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// RequeueExpiredJobs returns RUNNING jobs whose claim lease expired before
// cutoff to PENDING so another worker can pick them up. Jobs that already
// burned maxAttempts are CANCELLED instead, with a terminal result published
// so a waiting dispatcher can still reconcile. Returns (requeued, cancelled).
func (db *DB) RequeueExpiredJobs(cutoff time.Time, maxAttempts int) (int64, int64, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339)

	res, err := tx.Exec(`
		UPDATE jobs SET state = ?, claimed_at = NULL
		WHERE state = ? AND claimed_at < ? AND attempts < ?
	`, domain.JobPending, domain.JobRunning, cutoffStr, maxAttempts)
	if err != nil {
		return 0, 0, err
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	rows, err := tx.Query(`
		SELECT id FROM jobs
		WHERE state = ? AND claimed_at < ? AND attempts >= ?
	`, domain.JobRunning, cutoffStr, maxAttempts)
	if err != nil {
		return 0, 0, err
	}
	var abandoned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		abandoned = append(abandoned, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range abandoned {
		if _, err := tx.Exec(`
			UPDATE jobs SET state = ? WHERE id = ?
		`, domain.JobCancelled, id); err != nil {
			return 0, 0, err
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO results (job_id, text, err_reason, published_at)
			VALUES (?, '', 'job abandoned after repeated worker failures', ?)
		`, id, now); err != nil {
			return 0, 0, err
		}
	}

	return requeued, int64(len(abandoned)), tx.Commit()
}

// ─── Result Operations ──────────────────────────────────────────────────────

// PublishResult writes a terminal result. Results are write-once: a second
// publish for the same job id is ignored and reported as wrote = false.
func (db *DB) PublishResult(r domain.Result) (bool, error) {
	res, err := db.db.Exec(`
		INSERT OR IGNORE INTO results (job_id, text, err_reason, published_at)
		VALUES (?, ?, ?, ?)
	`, r.JobID, r.Text, r.ErrReason, r.PublishedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// GetResult retrieves a result by job id, or nil if none exists yet.
func (db *DB) GetResult(jobID string) (*domain.Result, error) {
	var r domain.Result
	var publishedStr string
	err := db.db.QueryRow(`
		SELECT job_id, text, err_reason, published_at FROM results WHERE job_id = ?
	`, jobID).Scan(&r.JobID, &r.Text, &r.ErrReason, &publishedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.PublishedAt, _ = time.Parse(time.RFC3339, publishedStr)
	return &r, nil
}

// PurgeResultsBefore deletes results published before cutoff. Retention only
// needs to outlast the slowest reader; reconciliation is already one-shot.
func (db *DB) PurgeResultsBefore(cutoff time.Time) (int64, error) {
	res, err := db.db.Exec(`
		DELETE FROM results WHERE published_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
