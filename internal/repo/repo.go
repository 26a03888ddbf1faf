package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"provisioner/internal/db"
	"provisioner/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, otherwise the pool.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

const projectColumns = `id,owner_id,state,COALESCE(error_message,''),metadata_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	var meta string
	err := row.Scan(&p.ID, &p.OwnerID, &p.State, &p.ErrorMessage, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return p, fmt.Errorf("decode project metadata: %w", err)
		}
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	meta := []byte("{}")
	if len(p.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(p.Metadata); err != nil {
			return fmt.Errorf("encode project metadata: %w", err)
		}
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO projects(id,owner_id,state,error_message,metadata_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`),
		p.ID, p.OwnerID, string(p.State), nullable(p.ErrorMessage), string(meta), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE id=?`), id))
}

// ListProjects returns projects newest first, optionally filtered by owner.
func (r Repo) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectStateTx moves a project from one state to another. It reports
// false when the row no longer holds the expected state.
func (r Repo) UpdateProjectStateTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.State, errorMessage, updatedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE projects SET state=?, error_message=?, updated_at=? WHERE id=? AND state=?`),
		string(to), nullable(errorMessage), updatedAt, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM projects WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCredential stores or replaces the credential for (project, provider).
// It reports whether a new row was inserted.
func (r Repo) UpsertCredential(ctx context.Context, tx *sql.Tx, c domain.Credential) (bool, error) {
	var existing int
	if err := r.on(tx).QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM credentials WHERE project_id=? AND provider=?`), c.ProjectID, c.Provider).Scan(&existing); err != nil {
		return false, err
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO credentials(id,project_id,provider,ciphertext,key_version,verification_status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,provider) DO UPDATE SET ciphertext=excluded.ciphertext, key_version=excluded.key_version, verification_status=excluded.verification_status, updated_at=excluded.updated_at`),
		c.ID, c.ProjectID, c.Provider, c.Ciphertext, c.KeyVersion, string(c.VerificationStatus), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, err
	}
	return existing == 0, nil
}

func (r Repo) ListCredentials(ctx context.Context, projectID string) ([]domain.Credential, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,project_id,provider,ciphertext,key_version,verification_status,created_at,updated_at FROM credentials WHERE project_id=? ORDER BY provider`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Provider, &c.Ciphertext, &c.KeyVersion, &c.VerificationStatus, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountCredentials(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM credentials WHERE project_id=?`), projectID).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
