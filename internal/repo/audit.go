package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"shipline/internal/domain"
)

const auditColumns = `id,ts,correlation_id,phase,COALESCE(run_id,''),ticket_key,action,actor_id,COALESCE(payload_json,'')`

// InsertAudit appends one audit row. A repeated (correlation_id, phase)
// pair is rejected by the schema.
func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_log(ts,correlation_id,phase,run_id,ticket_key,action,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		e.TS, e.CorrelationID, e.Phase, nullable(e.RunID), e.TicketKey, e.Action, e.ActorID, nullable(e.Payload))
	if isUniqueViolation(err) {
		return fmt.Errorf("audit %s/%s already recorded: %w", e.CorrelationID, e.Phase, err)
	}
	return err
}

type AuditFilters struct {
	RunID     string
	TicketKey string
	Action    string
	Limit     int
	// Cursor returns rows with ids below it.
	Cursor int64
}

// ListAudit returns audit rows newest first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.TicketKey != "" {
		clauses = append(clauses, "ticket_key=?")
		args = append(args, f.TicketKey)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE %s ORDER BY id DESC LIMIT ?`, auditColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryAudit(ctx, query, args...)
}

// AuditAfter returns rows with ids greater than cursor in ascending order.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`, auditColumns)
	return r.queryAudit(ctx, query, cursor, limit)
}

// LatestAuditID returns the newest audit row id, or 0.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.CorrelationID, &e.Phase, &e.RunID, &e.TicketKey, &e.Action, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
