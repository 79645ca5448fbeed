package registry

import "database/sql"

// appendEvent inserts one append-only message_events row inside tx.
func appendEvent(tx *sql.Tx, messageID, kind string, detail *string) error {
	_, err := tx.Exec(`INSERT INTO message_events (message_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?)`, messageID, kind, detail, nowUTC())
	return err
}

// ListMessageEvents returns the append-only event trail for one message,
// ordered by (created_at, id) per the monotonic-ordering invariant.
func (r *Registry) ListMessageEvents(messageID string) ([]*MessageEvent, error) {
	rows, err := r.readDB.Query(`SELECT id, message_id, kind, detail, created_at
		FROM message_events WHERE message_id = ? ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessageEvent
	for rows.Next() {
		var e MessageEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Kind, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = &detail.String
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
