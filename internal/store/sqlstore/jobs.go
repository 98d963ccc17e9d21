package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/store"
)

func (s *SQLStore) EnqueueJob(ctx context.Context, kind, queue string, payload []byte, runAt time.Time) (string, error) {
	id := uuid.NewString()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO jobs (id, kind, queue, payload, attempt, next_run_at, created_at, leased_by, lease_until)
			VALUES (?, ?, ?, ?, 0, ?, ?, '', NULL)`
	} else {
		q = `INSERT INTO jobs (id, kind, queue, payload, attempt, next_run_at, created_at, leased_by, lease_until)
			VALUES ($1, $2, $3, $4, 0, $5, $6, '', NULL)`
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, q, id, kind, queue, string(payload), runAt.UTC(), now); err != nil {
		return "", relayerr.Wrap(relayerr.KindStorage, "enqueue job", err)
	}
	return id, nil
}

// ClaimJob leases one runnable job off queue: due (next_run_at <= now) and
// either never leased or whose lease has expired (a crashed worker's lease
// lapses and another worker picks it up, giving at-least-once delivery).
// The select-then-update is wrapped in a transaction; SQLite's single-writer
// model and Postgres's row-level locking both make this safe for the
// relay's worker-count scale without needing driver-specific SKIP LOCKED.
func (s *SQLStore) ClaimJob(ctx context.Context, queue, workerID string, leaseFor time.Duration) (*store.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "begin claim tx", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	selectQ := `SELECT id, kind, queue, payload, attempt, next_run_at, created_at
		FROM jobs
		WHERE queue = ` + s.ph(1) + ` AND next_run_at <= ` + s.ph(2) + `
			AND (lease_until IS NULL OR lease_until <= ` + s.ph(3) + `)
		ORDER BY next_run_at ASC
		LIMIT 1`

	var j store.Job
	var payload string
	err = tx.QueryRowContext(ctx, selectQ, queue, now, now).Scan(
		&j.ID, &j.Kind, &j.Queue, &payload, &j.Attempt, &j.NextRunAt, &j.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "claim job select", err)
	}
	j.Payload = []byte(payload)

	leaseUntil := now.Add(leaseFor)
	updateQ := `UPDATE jobs SET leased_by = ` + s.ph(1) + `, lease_until = ` + s.ph(2) + ` WHERE id = ` + s.ph(3)
	if _, err := tx.ExecContext(ctx, updateQ, workerID, leaseUntil, j.ID); err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "claim job update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "commit claim tx", err)
	}

	j.LeasedBy = workerID
	j.LeaseUntil = leaseUntil
	return &j, nil
}

// RenewLease extends a held lease; called at half the lease interval by a
// worker still processing the job, so a slow-but-alive worker does not lose
// its claim to another poller.
func (s *SQLStore) RenewLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	leaseUntil := time.Now().Add(leaseFor).UTC()
	q := `UPDATE jobs SET lease_until = ` + s.ph(1) + ` WHERE id = ` + s.ph(2) + ` AND leased_by = ` + s.ph(3)
	if _, err := s.db.ExecContext(ctx, q, leaseUntil, jobID, workerID); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "renew lease", err)
	}
	return nil
}

func (s *SQLStore) CompleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = `+s.ph(1), jobID); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "complete job", err)
	}
	return nil
}

// RescheduleJob bumps attempt and sets the next run time per the caller's
// backoff computation, and releases the lease so another poller may claim it
// once due.
func (s *SQLStore) RescheduleJob(ctx context.Context, jobID string, nextRunAt time.Time) error {
	q := `UPDATE jobs SET attempt = attempt + 1, next_run_at = ` + s.ph(1) + `, leased_by = '', lease_until = NULL
		WHERE id = ` + s.ph(2)
	if _, err := s.db.ExecContext(ctx, q, nextRunAt.UTC(), jobID); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "reschedule job", err)
	}
	return nil
}

func (s *SQLStore) DeadLetterJob(ctx context.Context, jobID string, reason string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = `+s.ph(1), jobID); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "dead letter job", err)
	}
	return nil
}

func (s *SQLStore) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT listener_id) FROM actors`).Scan(&stats.ConnectedAuthorities); err != nil {
		return stats, relayerr.Wrap(relayerr.KindStorage, "stats connected authorities", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actors`).Scan(&stats.FollowerCount); err != nil {
		return stats, relayerr.Wrap(relayerr.KindStorage, "stats follower count", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = 'deliver'`).Scan(&stats.PendingDeliverJobs); err != nil {
		return stats, relayerr.Wrap(relayerr.KindStorage, "stats pending deliver", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = 'apub'`).Scan(&stats.PendingApubJobs); err != nil {
		return stats, relayerr.Wrap(relayerr.KindStorage, "stats pending apub", err)
	}
	return stats, nil
}
