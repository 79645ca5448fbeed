package registry

import "database/sql"

// PutInstanceSecret upserts a (already-encrypted) secret value scoped to an
// instance and field name, e.g. a provider API key the control plane holds
// on the instance's behalf.
func (r *Registry) PutInstanceSecret(instanceID, field, encryptedValue string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		now := nowUTC()
		_, err := tx.Exec(`INSERT INTO secrets (instance_id, field, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(instance_id, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			instanceID, field, encryptedValue, now, now)
		return err
	})
}

// GetInstanceSecret returns the stored envelope string for (instanceID, field).
func (r *Registry) GetInstanceSecret(instanceID, field string) (string, error) {
	var value string
	err := r.readDB.QueryRow(`SELECT value FROM secrets WHERE instance_id = ? AND field = ?`,
		instanceID, field).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}
