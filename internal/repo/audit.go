package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"provisioner/internal/domain"
)

const auditColumns = `id,project_id,event_type,actor_type,COALESCE(actor_id,''),previous_state,new_state,payload_json,checkpoint_token,execution_time_ms,created_at`

func (r Repo) InsertAudit(ctx context.Context, e domain.AuditEvent) (int64, error) {
	return r.InsertAuditTx(ctx, nil, e)
}

// InsertAuditTx appends an audit row and returns its id.
func (r Repo) InsertAuditTx(ctx context.Context, tx *sql.Tx, e domain.AuditEvent) (int64, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal audit payload: %w", err)
	}
	var prev, next *string
	if e.PreviousState != nil {
		s := string(*e.PreviousState)
		prev = &s
	}
	if e.NewState != nil {
		s := string(*e.NewState)
		next = &s
	}
	var id int64
	err = r.on(tx).QueryRowContext(ctx, r.q(`INSERT INTO audit_events(project_id,event_type,actor_type,actor_id,previous_state,new_state,payload_json,checkpoint_token,execution_time_ms,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		e.ProjectID, e.EventType, string(e.ActorType), nullable(e.ActorID), nullableStringPtr(prev), nullableStringPtr(next),
		string(data), nullableStringPtr(e.CheckpointToken), nullableInt64Ptr(e.ExecutionTimeMS), e.CreatedAt).Scan(&id)
	return id, err
}

func scanAudit(rows *sql.Rows) (domain.AuditEvent, error) {
	var (
		e               domain.AuditEvent
		prev, next, tok sql.NullString
		payload         string
		execMS          sql.NullInt64
	)
	if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &e.ActorType, &e.ActorID, &prev, &next, &payload, &tok, &execMS, &e.CreatedAt); err != nil {
		return e, err
	}
	if prev.Valid {
		s := domain.State(prev.String)
		e.PreviousState = &s
	}
	if next.Valid {
		s := domain.State(next.String)
		e.NewState = &s
	}
	if tok.Valid {
		e.CheckpointToken = &tok.String
	}
	if execMS.Valid {
		e.ExecutionTimeMS = &execMS.Int64
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return e, fmt.Errorf("decode audit payload: %w", err)
		}
	}
	return e, nil
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestAudit returns the newest audit rows for a project, newest first.
func (r Repo) LatestAudit(ctx context.Context, projectID, eventType string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if eventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, eventType)
	}
	args = append(args, limit)
	return r.queryAudit(ctx, fmt.Sprintf(`SELECT %s FROM audit_events WHERE %s ORDER BY id DESC LIMIT ?`, auditColumns, strings.Join(clauses, " AND ")), args...)
}

// AuditAfter returns audit rows with IDs greater than the cursor in ascending
// order. Empty projectID or eventType match everything.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64, projectID, eventType string) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if eventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, eventType)
	}
	args = append(args, limit)
	return r.queryAudit(ctx, fmt.Sprintf(`SELECT %s FROM audit_events WHERE %s ORDER BY id ASC LIMIT ?`, auditColumns, strings.Join(clauses, " AND ")), args...)
}

// LatestAuditID returns the most recent audit id, scoped to a project when set.
func (r Repo) LatestAuditID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM audit_events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, r.q(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountAudit counts a project's audit rows, optionally of one event type.
func (r Repo) CountAudit(ctx context.Context, projectID, eventType string) (int, error) {
	query := `SELECT COUNT(*) FROM audit_events WHERE project_id=?`
	args := []any{projectID}
	if eventType != "" {
		query += ` AND event_type=?`
		args = append(args, eventType)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(query), args...).Scan(&n)
	return n, err
}
