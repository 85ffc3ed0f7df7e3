package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"shipline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrRunActive means the ticket already has a run in received or
	// in_progress; the caller should treat the ticket as in flight.
	ErrRunActive = errors.New("ticket already has an active run")
	ErrKeyExists = errors.New("idempotency key already reserved")
)

// TimeLayout is fixed width so stored timestamps compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp formats t for storage.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id,ticket_key,cursor_state,cursor_step,cursor_attempt,lock_owner,lock_expires_at,max_autofix_attempts,last_error,fingerprint,created_at,updated_at`

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var owner, expires, lastErr, fp sql.NullString
	err := row.Scan(&r.ID, &r.TicketKey, &r.CursorState, &r.CursorStep, &r.CursorAttempt, &owner, &expires,
		&r.MaxAutofixAttempts, &lastErr, &fp, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.LockOwner = nullStringPtr(owner)
	r.LockExpiresAt = nullStringPtr(expires)
	r.LastError = nullStringPtr(lastErr)
	r.Fingerprint = nullStringPtr(fp)
	return r, nil
}

// InsertRun stores a new run. A second active run for the same ticket fails
// with ErrRunActive.
func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.TicketKey, run.CursorState, run.CursorStep, run.CursorAttempt,
		nullableStringPtr(run.LockOwner), nullableStringPtr(run.LockExpiresAt), run.MaxAutofixAttempts,
		nullableStringPtr(run.LastError), nullableStringPtr(run.Fingerprint), run.CreatedAt, run.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrRunActive
	}
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ActiveRun returns the received or in_progress run for a ticket.
func (r Repo) ActiveRun(ctx context.Context, ticketKey string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE ticket_key=? AND cursor_state IN ('received','in_progress')`, ticketKey))
}

type RunFilters struct {
	TicketKey       string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListRuns returns runs newest first with keyset pagination.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TicketKey != "" {
		clauses = append(clauses, "ticket_key=?")
		args = append(args, f.TicketKey)
	}
	if f.State != "" {
		clauses = append(clauses, "cursor_state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AcquireLock claims the run for owner in one conditional update: it
// succeeds when the run is unlocked, already held by owner, or the previous
// lock has expired. Terminal runs cannot be locked.
func (r Repo) AcquireLock(ctx context.Context, tx *sql.Tx, id, owner, now, expiresAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET lock_owner=?, lock_expires_at=?, updated_at=?
WHERE id=? AND cursor_state IN ('received','in_progress')
  AND (lock_owner IS NULL OR lock_owner=? OR lock_expires_at IS NULL OR lock_expires_at<=?)`,
		owner, expiresAt, now, id, owner, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CursorUpdate moves a run from one cursor position to another.
type CursorUpdate struct {
	ID          string
	Owner       string
	Now         string
	FromState   string
	FromStep    string
	FromAttempt int
	ToState     string
	ToStep      string
	ToAttempt   int
	LastError   *string
	// LockExpiresAt extends the lock when set. Ignored with ReleaseLock.
	LockExpiresAt string
	ReleaseLock   bool
}

// UpdateCursor applies u only if the run is still at the expected position
// and owner holds an unexpired lock. It reports whether a row changed.
func (r Repo) UpdateCursor(ctx context.Context, tx *sql.Tx, u CursorUpdate) (bool, error) {
	set := `cursor_state=?, cursor_step=?, cursor_attempt=?, last_error=COALESCE(?, last_error), updated_at=?`
	args := []any{u.ToState, u.ToStep, u.ToAttempt, nullableStringPtr(u.LastError), u.Now}
	switch {
	case u.ReleaseLock:
		set += `, lock_owner=NULL, lock_expires_at=NULL`
	case u.LockExpiresAt != "":
		set += `, lock_expires_at=?`
		args = append(args, u.LockExpiresAt)
	}
	args = append(args, u.ID, u.FromState, u.FromStep, u.FromAttempt, u.Owner, u.Now)
	res, err := tx.ExecContext(ctx, `UPDATE runs SET `+set+`
WHERE id=? AND cursor_state=? AND cursor_step=? AND cursor_attempt=? AND lock_owner=? AND lock_expires_at>?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetFingerprint records the fingerprint a run is working on.
func (r Repo) SetFingerprint(ctx context.Context, tx *sql.Tx, id, fingerprint, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET fingerprint=?, updated_at=? WHERE id=?`, fingerprint, now, id)
	return err
}

// CancelRun marks an active run cancelled. The lock is left alone so the
// worker holding it can still finish its bookkeeping.
func (r Repo) CancelRun(ctx context.Context, tx *sql.Tx, id, reason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET cursor_state='cancelled', cursor_step='cancelled', cursor_attempt=1, last_error=?, updated_at=?
WHERE id=? AND cursor_state IN ('received','in_progress')`, nullable(reason), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLock drops owner's lock without moving the cursor.
func (r Repo) ReleaseLock(ctx context.Context, tx *sql.Tx, id, owner string, lastError *string, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET lock_owner=NULL, lock_expires_at=NULL, last_error=COALESCE(?, last_error), updated_at=?
WHERE id=? AND lock_owner=?`, nullableStringPtr(lastError), now, id, owner)
	return err
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

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
