package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

// PutArtifact records a run artifact, replacing an earlier value of the
// same type.
func (r Repo) PutArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(run_id,type,value,created_at) VALUES (?,?,?,?)
ON CONFLICT(run_id,type) DO UPDATE SET value=excluded.value, created_at=excluded.created_at`,
		a.RunID, a.Type, a.Value, a.CreatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, runID, typ string) (domain.Artifact, error) {
	var a domain.Artifact
	err := r.DB.QueryRowContext(ctx, `SELECT run_id,type,value,created_at FROM artifacts WHERE run_id=? AND type=?`, runID, typ).
		Scan(&a.RunID, &a.Type, &a.Value, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,type,value,created_at FROM artifacts WHERE run_id=? ORDER BY type`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.RunID, &a.Type, &a.Value, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
