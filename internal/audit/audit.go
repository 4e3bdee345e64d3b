// Package audit records terminal jobs into the local audit database, the
// durable trail SPEC_FULL.md adds on top of spec.md's explicitly
// non-persistent in-memory job store (spec §4.5).
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudshipai/runner/internal/db"
	"github.com/cloudshipai/runner/internal/jobs"
)

// Repo is a repository over the audit_log table, grounded on the
// teacher's internal/db/repositories/agent_runs.go repository-over-*sql.DB
// shape, trimmed to plain database/sql since this service has no sqlc
// codegen pipeline of its own.
type Repo struct {
	conn *sql.DB
}

// NewRepo constructs a Repo against an already-migrated database.
func NewRepo(database *db.DB) *Repo {
	return &Repo{conn: database.Conn()}
}

// Record upserts snap's terminal outcome into the audit log. Callers
// should only invoke this once a job reaches a terminal state; calling it
// again (e.g. after a retention sweep re-observes the same id) is a
// harmless overwrite, not an append, since job_id is the primary key.
func (r *Repo) Record(ctx context.Context, snap jobs.Snapshot) error {
	if !snap.State.Terminal() {
		return fmt.Errorf("audit: refusing to record non-terminal state %q for job %s", snap.State, snap.ID)
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	var startedAt any
	if !snap.StartedAt.IsZero() {
		startedAt = snap.StartedAt
	}

	var exitCode any
	if snap.ExitCode != nil {
		exitCode = *snap.ExitCode
	}

	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO audit_log (job_id, owner, repository, state, reason, exit_code, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			exit_code = excluded.exit_code,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, snap.ID, snap.Owner, snap.Repository, string(snap.State), string(snap.Reason), exitCode,
		snap.CreatedAt, startedAt, snap.EndedAt)
	if err != nil {
		return fmt.Errorf("audit: record job %s: %w", snap.ID, err)
	}
	return nil
}

// Entry is one row of history returned by ListByOwner.
type Entry struct {
	JobID      string
	Owner      string
	Repository string
	State      jobs.State
	Reason     jobs.FailureReason
	ExitCode   *int
	CreatedAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time
}

// ListByOwner returns the most recent audit entries for owner, newest
// first, capped at limit rows.
func (r *Repo) ListByOwner(ctx context.Context, owner string, limit int) ([]Entry, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT job_id, owner, repository, state, reason, exit_code, created_at, started_at, ended_at
		FROM audit_log
		WHERE owner = ?
		ORDER BY ended_at DESC
		LIMIT ?
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list for owner %s: %w", owner, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var state, reason string
		var exitCode sql.NullInt64
		var startedAt sql.NullTime
		if err := rows.Scan(&e.JobID, &e.Owner, &e.Repository, &state, &reason, &exitCode,
			&e.CreatedAt, &startedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.State = jobs.State(state)
		e.Reason = jobs.FailureReason(reason)
		if exitCode.Valid {
			ec := int(exitCode.Int64)
			e.ExitCode = &ec
		}
		if startedAt.Valid {
			e.StartedAt = startedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
