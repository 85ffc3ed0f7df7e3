package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

// Idempotency key statuses.
const (
	KeyPending   = "pending"
	KeyCompleted = "completed"
)

func scanKey(row rowScanner) (domain.IdempotencyKey, error) {
	var k domain.IdempotencyKey
	var runID, result sql.NullString
	err := row.Scan(&k.Scope, &k.Key, &k.Status, &runID, &result, &k.CreatedAt, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	k.RunID = nullStringPtr(runID)
	k.ResultJSON = nullStringPtr(result)
	return k, nil
}

const keyColumns = `scope,key,status,run_id,result_json,created_at,updated_at`

func (r Repo) GetIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, scope, key string) (domain.IdempotencyKey, error) {
	return scanKey(tx.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM idempotency_keys WHERE scope=? AND key=?`, scope, key))
}

func (r Repo) GetIdempotencyKey(ctx context.Context, scope, key string) (domain.IdempotencyKey, error) {
	return scanKey(r.DB.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM idempotency_keys WHERE scope=? AND key=?`, scope, key))
}

// InsertIdempotencyKey reserves (scope, key) as pending for runID.
func (r Repo) InsertIdempotencyKey(ctx context.Context, tx *sql.Tx, scope, key, runID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys(`+keyColumns+`) VALUES (?,?,?,?,NULL,?,?)`,
		scope, key, KeyPending, nullable(runID), now, now)
	if isUniqueViolation(err) {
		return ErrKeyExists
	}
	return err
}

// TakeOverIdempotencyKey hands a pending reservation to runID when it was
// last touched at or before staleBefore.
func (r Repo) TakeOverIdempotencyKey(ctx context.Context, tx *sql.Tx, scope, key, runID, now, staleBefore string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE idempotency_keys SET run_id=?, updated_at=?
WHERE scope=? AND key=? AND status='pending' AND (run_id=? OR updated_at<=?)`,
		nullable(runID), now, scope, key, nullable(runID), staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteIdempotencyKey stores the action result and marks the key done.
func (r Repo) CompleteIdempotencyKey(ctx context.Context, tx *sql.Tx, scope, key, resultJSON, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE idempotency_keys SET status=?, result_json=?, updated_at=? WHERE scope=? AND key=?`,
		KeyCompleted, nullable(resultJSON), now, scope, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingIdempotencyKey drops a reservation whose action failed so a
// later pass can try again. Completed keys are never deleted.
func (r Repo) DeletePendingIdempotencyKey(ctx context.Context, tx *sql.Tx, scope, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE scope=? AND key=? AND status='pending'`, scope, key)
	return err
}

func (r Repo) ListIdempotencyKeys(ctx context.Context, runID string) ([]domain.IdempotencyKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+keyColumns+` FROM idempotency_keys WHERE run_id=? ORDER BY created_at, scope`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IdempotencyKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}
