package registry

import "database/sql"

// migration is one numbered, idempotent schema step. Migrations never
// rewrite history; later migrations only add tables, columns or indexes.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS instances (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				port INTEGER NOT NULL,
				config_path TEXT NOT NULL,
				workspace_dir TEXT NOT NULL,
				status TEXT NOT NULL,
				pid INTEGER,
				pid_fingerprint TEXT,
				provider TEXT,
				model TEXT,
				archived_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_name_active
				ON instances(name) WHERE archived_at IS NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_port_active
				ON instances(port) WHERE archived_at IS NULL`,
			`CREATE TABLE IF NOT EXISTS routing_rules (
				id TEXT PRIMARY KEY,
				from_pattern TEXT NOT NULL,
				to_pattern TEXT NOT NULL,
				type_pattern TEXT NOT NULL,
				max_retries INTEGER,
				ttl_seconds INTEGER,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				from_instance TEXT NOT NULL,
				to_instance TEXT NOT NULL,
				type TEXT NOT NULL,
				payload TEXT NOT NULL,
				correlation_id TEXT,
				idempotency_key TEXT NOT NULL,
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				hop_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 5,
				next_attempt_at TEXT,
				lease_owner TEXT,
				lease_expires_at TEXT,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_from_status ON messages(from_instance, status)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_idempotency ON messages(idempotency_key, from_instance, created_at)`,
			`CREATE TABLE IF NOT EXISTS message_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				detail TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_message_events_msg_created
				ON message_events(message_id, created_at)`,
			`CREATE TRIGGER IF NOT EXISTS trg_message_events_no_update
				BEFORE UPDATE ON message_events
				BEGIN
					SELECT RAISE(ABORT, 'message_events is append-only');
				END`,
			`CREATE TRIGGER IF NOT EXISTS trg_message_events_no_delete
				BEFORE DELETE ON message_events
				BEGIN
					SELECT RAISE(ABORT, 'message_events is append-only');
				END`,
			`CREATE TABLE IF NOT EXISTS secrets (
				instance_id TEXT NOT NULL,
				field TEXT NOT NULL,
				value TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (instance_id, field)
			)`,
		},
	},
}

// migrate applies every migration with version greater than the highest
// applied version, in order, each inside its own transaction, under the
// registry's global writer lock.
func (r *Registry) migrate() error {
	if _, err := r.writeDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return err
	}

	applied := map[int]bool{}
	rows, err := r.writeDB.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := r.withWriteTx(func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
				m.version, nowUTC())
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, used by the
// healthz endpoint.
func (r *Registry) SchemaVersion() (int, error) {
	var v int
	err := r.readDB.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
