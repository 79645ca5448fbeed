package registry

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrIdempotentReplay signals EnqueueMessage found a prior message with the
// same (idempotency_key, from) inside the 24h window; the caller returns the
// existing id/status instead of creating a row.
var ErrIdempotentReplay = errors.New("registry: idempotent replay")

// ErrInvalidTransition signals a message status transition was attempted
// from a state that does not permit it (e.g. ack when not delivered).
var ErrInvalidTransition = errors.New("registry: invalid message transition")

const idempotencyWindow = 24 * time.Hour

// queryRower is satisfied by both *sql.DB and *sql.Tx, letting
// findIdempotent run either as a standalone read or inside a write
// transaction against the same query.
type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func findIdempotent(q queryRower, idempotencyKey, from string, asOf time.Time) (*Message, error) {
	cutoff := asOf.Add(-idempotencyWindow).Format(time.RFC3339Nano)
	row := q.QueryRow(`SELECT `+messageColumns+`
		FROM messages WHERE idempotency_key = ? AND from_instance = ? AND created_at > ?
		ORDER BY created_at DESC LIMIT 1`, idempotencyKey, from, cutoff)
	m, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// FindIdempotent returns the most recent message sharing (idempotencyKey,
// from) created within the last 24 hours, or nil if none exists. This is a
// point-in-time read for callers (e.g. status lookups) that don't need the
// insert-time guarantee EnqueueMessage provides; it is not itself race-free
// against a concurrent EnqueueMessage.
func (r *Registry) FindIdempotent(idempotencyKey, from string) (*Message, error) {
	return findIdempotent(r.readDB, idempotencyKey, from, time.Now().UTC())
}

// EnqueueParams is the input to EnqueueMessage.
type EnqueueParams struct {
	FromInstance   string
	ToInstance     string
	Type           string
	Payload        string // already redacted JSON text
	CorrelationID  *string
	IdempotencyKey string
	TTL            time.Duration
	MaxRetries     int
	HopCount       int
}

// EnqueueMessage inserts a new queued message plus its `created` and
// `queued` events in a single transaction. Callers must resolve routing
// policy before calling. Idempotency is resolved inside the same write
// transaction as the insert: EnqueueMessage re-checks (idempotency_key,
// from_instance) under the registry's single-writer lock immediately before
// inserting, so two concurrent sends with the same key can never both
// create a row. A duplicate returns the prior message and ErrIdempotentReplay.
func (r *Registry) EnqueueMessage(p EnqueueParams) (*Message, error) {
	now := time.Now().UTC()
	m := &Message{
		ID:             uuid.NewString(),
		FromInstance:   p.FromInstance,
		ToInstance:     p.ToInstance,
		Type:           p.Type,
		Payload:        p.Payload,
		CorrelationID:  p.CorrelationID,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now.Format(time.RFC3339Nano),
		ExpiresAt:      now.Add(p.TTL).Format(time.RFC3339Nano),
		HopCount:       p.HopCount,
		Status:         MsgQueued,
		MaxRetries:     p.MaxRetries,
		UpdatedAt:      now.Format(time.RFC3339Nano),
	}

	var existing *Message
	err := r.withWriteTx(func(tx *sql.Tx) error {
		found, err := findIdempotent(tx, p.IdempotencyKey, p.FromInstance, now)
		if err != nil {
			return err
		}
		if found != nil {
			existing = found
			return nil
		}

		_, err = tx.Exec(`INSERT INTO messages
			(id, from_instance, to_instance, type, payload, correlation_id, idempotency_key,
			 created_at, expires_at, hop_count, status, retry_count, max_retries, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			m.ID, m.FromInstance, m.ToInstance, m.Type, m.Payload, m.CorrelationID, m.IdempotencyKey,
			m.CreatedAt, m.ExpiresAt, m.HopCount, m.Status, m.MaxRetries, m.UpdatedAt)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, m.ID, EvtCreated, nil); err != nil {
			return err
		}
		return appendEvent(tx, m.ID, EvtQueued, nil)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrIdempotentReplay
	}
	return m, nil
}

// GetMessage returns a message by id.
func (r *Registry) GetMessage(id string) (*Message, error) {
	row := r.readDB.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns messages optionally filtered by instance name
// (either side) and status, newest first.
func (r *Registry) ListMessages(instanceFilter, statusFilter string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []any
	if instanceFilter != "" {
		query += ` AND (from_instance = ? OR to_instance = ?)`
		args = append(args, instanceFilter, instanceFilter)
	}
	if statusFilter != "" {
		query += ` AND status = ?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.readDB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessagesByStatus returns the number of messages in each status, used
// to populate the messages-queued gauge.
func (r *Registry) CountMessagesByStatus() (map[string]int, error) {
	rows, err := r.readDB.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// LeaseMessages atomically claims up to n ready messages (status=queued,
// next_attempt_at <= now, not expired, lease free or expired), stamping
// lease_owner/lease_expires_at, and returns them.
func (r *Registry) LeaseMessages(n int, owner string, leaseDuration time.Duration) ([]*Message, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	leaseExpiry := now.Add(leaseDuration).Format(time.RFC3339Nano)

	var out []*Message
	err := r.withWriteTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM messages
			WHERE status = ?
			AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			AND expires_at > ?
			AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY created_at ASC LIMIT ?`, MsgQueued, nowStr, nowStr, nowStr, n)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.Exec(`UPDATE messages SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
				WHERE id = ?`, owner, leaseExpiry, nowStr, id); err != nil {
				return err
			}
			row := tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
			m, err := scanMessage(row)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// RecordDeliveryAttempted appends a delivery_attempted event without
// changing message status, used before the outcome is known.
func (r *Registry) RecordDeliveryAttempted(messageID string, detail *string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		return appendEvent(tx, messageID, EvtDeliveryAttempted, detail)
	})
}

// MarkDelivered transitions queued -> delivered and releases the lease.
func (r *Registry) MarkDelivered(messageID string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE messages SET status = ?, lease_owner = NULL,
			lease_expires_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
			MsgDelivered, nowUTC(), messageID, MsgQueued)
		if err != nil {
			return err
		}
		if err := requireRowsAffected(res); err != nil {
			return err
		}
		return appendEvent(tx, messageID, EvtDelivered, nil)
	})
}

// RecordDeliveryFailure increments retry_count, computes next_attempt_at
// (supplied by the caller, which owns backoff math), and either keeps the
// message queued or transitions it to dead_letter when retries or TTL are
// exhausted.
func (r *Registry) RecordDeliveryFailure(messageID string, nextAttemptAt time.Time, deadLetter bool, reason string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT retry_count, max_retries FROM messages WHERE id = ?`, messageID)
		var retryCount, maxRetries int
		if err := row.Scan(&retryCount, &maxRetries); err != nil {
			return err
		}
		retryCount++

		if deadLetter {
			if _, err := tx.Exec(`UPDATE messages SET status = ?, retry_count = ?,
				lease_owner = NULL, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
				MsgDeadLetter, retryCount, nowUTC(), messageID); err != nil {
				return err
			}
			d := reason
			if err := appendEvent(tx, messageID, EvtFailed, &d); err != nil {
				return err
			}
			return appendEvent(tx, messageID, EvtDeadLettered, &d)
		}

		next := nextAttemptAt.UTC().Format(time.RFC3339Nano)
		_, err := tx.Exec(`UPDATE messages SET retry_count = ?, next_attempt_at = ?,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
			retryCount, next, nowUTC(), messageID)
		return err
	})
}

// Acknowledge transitions delivered -> acknowledged.
func (r *Registry) Acknowledge(messageID string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			MsgAcknowledged, nowUTC(), messageID, MsgDelivered)
		if err != nil {
			return err
		}
		if err := requireRowsAffected(res); err != nil {
			return ErrInvalidTransition
		}
		return appendEvent(tx, messageID, EvtAcknowledged, nil)
	})
}

// Replay transitions dead_letter -> queued, resetting retry_count and
// recomputing expires_at from the original TTL (original_expires_at -
// original_created_at), clamped to [5m, 24h] with a 1h fallback when the
// difference is invalid.
func (r *Registry) Replay(messageID string, minTTL, maxTTL, fallbackTTL time.Duration) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		var status, createdAt, expiresAt string
		row := tx.QueryRow(`SELECT status, created_at, expires_at FROM messages WHERE id = ?`, messageID)
		if err := row.Scan(&status, &createdAt, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != MsgDeadLetter {
			return ErrInvalidTransition
		}

		created, err1 := time.Parse(time.RFC3339Nano, createdAt)
		expired, err2 := time.Parse(time.RFC3339Nano, expiresAt)
		ttl := fallbackTTL
		if err1 == nil && err2 == nil {
			if d := expired.Sub(created); d > 0 {
				ttl = d
			}
		}
		if ttl < minTTL {
			ttl = minTTL
		}
		if ttl > maxTTL {
			ttl = maxTTL
		}

		now := time.Now().UTC()
		newExpiry := now.Add(ttl).Format(time.RFC3339Nano)
		if _, err := tx.Exec(`UPDATE messages SET status = ?, retry_count = 0,
			lease_owner = NULL, lease_expires_at = NULL, next_attempt_at = NULL,
			expires_at = ?, updated_at = ? WHERE id = ?`,
			MsgQueued, newExpiry, now.Format(time.RFC3339Nano), messageID); err != nil {
			return err
		}
		if err := appendEvent(tx, messageID, EvtReplayed, nil); err != nil {
			return err
		}
		return appendEvent(tx, messageID, EvtQueued, nil)
	})
}

// SweepExpiredQueued transitions every queued message whose expires_at has
// passed to dead_letter with detail "ttl_expired", returning how many rows
// were swept.
func (r *Registry) SweepExpiredQueued() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var ids []string
	err := r.withWriteTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM messages WHERE status = ? AND expires_at <= ?`, MsgQueued, now)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		detail := "ttl_expired"
		for _, id := range ids {
			if _, err := tx.Exec(`UPDATE messages SET status = ?, lease_owner = NULL,
				lease_expires_at = NULL, updated_at = ? WHERE id = ?`, MsgDeadLetter, nowUTC(), id); err != nil {
				return err
			}
			if err := appendEvent(tx, id, EvtFailed, &detail); err != nil {
				return err
			}
			if err := appendEvent(tx, id, EvtDeadLettered, &detail); err != nil {
				return err
			}
		}
		return nil
	})
	return len(ids), err
}

const messageColumns = `id, from_instance, to_instance, type, payload, correlation_id, idempotency_key,
	created_at, expires_at, hop_count, status, retry_count, max_retries,
	next_attempt_at, lease_owner, lease_expires_at, updated_at`

func scanMessage(row *sql.Row) (*Message, error) {
	return scanMessageGeneric(row)
}

func scanMessageRows(rows *sql.Rows) (*Message, error) {
	return scanMessageGeneric(rows)
}

func scanMessageGeneric(s rowScanner) (*Message, error) {
	var m Message
	var correlationID, nextAttemptAt, leaseOwner, leaseExpiresAt sql.NullString

	err := s.Scan(&m.ID, &m.FromInstance, &m.ToInstance, &m.Type, &m.Payload, &correlationID,
		&m.IdempotencyKey, &m.CreatedAt, &m.ExpiresAt, &m.HopCount, &m.Status, &m.RetryCount,
		&m.MaxRetries, &nextAttemptAt, &leaseOwner, &leaseExpiresAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if correlationID.Valid {
		m.CorrelationID = &correlationID.String
	}
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.String
	}
	if leaseOwner.Valid {
		m.LeaseOwner = &leaseOwner.String
	}
	if leaseExpiresAt.Valid {
		m.LeaseExpiresAt = &leaseExpiresAt.String
	}
	return &m, nil
}
