package repo

import (
	"context"
	"database/sql"

	"provisioner/internal/domain"
)

const checkpointColumns = `project_id,job_type,checkpoint_token,status,attempt_count,last_attempt_at,completed_at,result_payload,error_details,next_checkpoint_token,created_at,updated_at`

func scanCheckpoint(row scanner) (domain.Checkpoint, error) {
	var (
		cp                              domain.Checkpoint
		lastAttempt, completed, nextTok sql.NullString
		result, details                 sql.NullString
	)
	err := row.Scan(&cp.ProjectID, &cp.JobType, &cp.Token, &cp.Status, &cp.AttemptCount,
		&lastAttempt, &completed, &result, &details, &nextTok, &cp.CreatedAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if lastAttempt.Valid {
		cp.LastAttemptAt = &lastAttempt.String
	}
	if completed.Valid {
		cp.CompletedAt = &completed.String
	}
	if nextTok.Valid {
		cp.NextToken = &nextTok.String
	}
	if result.Valid {
		cp.ResultPayload = []byte(result.String)
	}
	if details.Valid {
		cp.ErrorDetails = []byte(details.String)
	}
	return cp, nil
}

func (r Repo) GetCheckpoint(ctx context.Context, key domain.CheckpointKey) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, r.q(`SELECT `+checkpointColumns+` FROM checkpoints WHERE project_id=? AND job_type=? AND checkpoint_token=?`),
		key.ProjectID, string(key.JobType), key.Token))
}

// ClaimCheckpoint marks the checkpoint in_progress in a single statement. The
// row is taken when it does not exist yet, when it is pending or failed, or
// when an in_progress claim was last touched before staleBefore. Completed
// and skipped rows are never taken. It reports whether this call won the claim.
func (r Repo) ClaimCheckpoint(ctx context.Context, key domain.CheckpointKey, now, staleBefore string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO checkpoints(project_id,job_type,checkpoint_token,status,attempt_count,last_attempt_at,created_at,updated_at)
VALUES (?,?,?,'in_progress',1,?,?,?)
ON CONFLICT(project_id,job_type,checkpoint_token) DO UPDATE SET
	status='in_progress',
	attempt_count=checkpoints.attempt_count+1,
	last_attempt_at=excluded.last_attempt_at,
	updated_at=excluded.updated_at,
	error_details=NULL
WHERE checkpoints.status IN ('pending','failed')
	OR (checkpoints.status='in_progress' AND checkpoints.last_attempt_at < ?)`),
		key.ProjectID, string(key.JobType), key.Token, now, now, now, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpsertCheckpoint writes the checkpoint outcome keyed by its triple. Rows that
// are already completed or skipped are left untouched and false is returned.
func (r Repo) UpsertCheckpoint(ctx context.Context, cp domain.Checkpoint) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO checkpoints(`+checkpointColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,job_type,checkpoint_token) DO UPDATE SET
	status=excluded.status,
	completed_at=excluded.completed_at,
	result_payload=excluded.result_payload,
	error_details=excluded.error_details,
	next_checkpoint_token=excluded.next_checkpoint_token,
	updated_at=excluded.updated_at
WHERE checkpoints.status NOT IN ('completed','skipped')`),
		cp.ProjectID, string(cp.JobType), cp.Token, string(cp.Status), cp.AttemptCount,
		nullableStringPtr(cp.LastAttemptAt), nullableStringPtr(cp.CompletedAt),
		nullableRaw(cp.ResultPayload), nullableRaw(cp.ErrorDetails), nullableStringPtr(cp.NextToken),
		cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListCheckpoints returns a project's checkpoints oldest first.
func (r Repo) ListCheckpoints(ctx context.Context, projectID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+checkpointColumns+` FROM checkpoints WHERE project_id=? ORDER BY created_at, job_type, checkpoint_token`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

// HasFinishedCheckpoint reports whether any checkpoint of the job type is
// completed or skipped.
func (r Repo) HasFinishedCheckpoint(ctx context.Context, projectID string, jobType domain.JobType) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM checkpoints WHERE project_id=? AND job_type=? AND status IN ('completed','skipped')`),
		projectID, string(jobType)).Scan(&n)
	return n > 0, err
}
