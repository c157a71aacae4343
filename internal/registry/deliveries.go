package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SeenDelivery records a webhook delivery ID and reports whether it was
// already recorded. The insert is the dedupe check: a duplicate key means a
// provider re-delivery, which must be acknowledged but produce no event.
func (r *Registry) SeenDelivery(ctx context.Context, deliveryID string) (bool, error) {
	_, err := r.conn.ExecContext(ctx, r.q(
		`INSERT INTO webhook_deliveries (delivery_id, received_at) VALUES (?, ?)`),
		deliveryID, formatTime(time.Now()))
	if err != nil {
		if isDuplicate(err) {
			return true, nil
		}
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return false, nil
}

// ForgetDelivery removes a delivery record so the provider's retry of the
// same ID is processed as new. Used when an accepted delivery could not be
// handed to the pipeline: keeping the record would absorb the retry as a
// duplicate and lose the event for good.
func (r *Registry) ForgetDelivery(ctx context.Context, deliveryID string) error {
	_, err := r.conn.ExecContext(ctx, r.q(
		`DELETE FROM webhook_deliveries WHERE delivery_id = ?`), deliveryID)
	if err != nil {
		return fmt.Errorf("forget delivery: %w", err)
	}
	return nil
}

// PruneDeliveries removes delivery records older than the retention cutoff.
// A delivery ID re-sent after the window is treated as new, which is safe:
// the state machine discards events that no longer apply.
func (r *Registry) PruneDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.conn.ExecContext(ctx, r.q(
		`DELETE FROM webhook_deliveries WHERE received_at < ?`),
		formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

// AuditEvent is one entry in the append-only audit log.
type AuditEvent struct {
	ID          int64  `json:"id"`
	AggregateID string `json:"aggregate_id"`
	Event       string `json:"event"`
	Stage       string `json:"stage,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// LogEvent appends an audit entry outside a transition (ingress decisions,
// supervisor lifecycle, forwarded failure context).
func (r *Registry) LogEvent(ctx context.Context, aggregateID, event, stage string, attempt int, detail string) error {
	_, err := r.conn.ExecContext(ctx, r.q(`
		INSERT INTO audit_events (aggregate_id, event, stage, attempt, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`),
		aggregateID, event, stage, attempt, detail, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail for an aggregate, oldest first.
func (r *Registry) ListEvents(ctx context.Context, aggregateID string) ([]AuditEvent, error) {
	rows, err := r.conn.QueryContext(ctx, r.q(`
		SELECT id, aggregate_id, event, stage, attempt, detail, timestamp
		FROM audit_events WHERE aggregate_id = ? ORDER BY id ASC`), aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var stage, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Event, &stage, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Stage = stage.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, tx execer, r *Registry, aggregateID, event, stage string, attempt int, detail string) error {
	_, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO audit_events (aggregate_id, event, stage, attempt, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`),
		aggregateID, event, stage, attempt, detail, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
