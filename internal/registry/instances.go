package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// ErrInvalidName reports a name that does not match the instance naming rule.
var ErrInvalidName = errors.New("registry: invalid instance name")

// ErrConflict reports a unique-constraint violation (duplicate name/port
// among non-archived instances).
var ErrConflict = errors.New("registry: name or port already in use")

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("registry: not found")

// CreateInstanceParams is the input to CreateInstance.
type CreateInstanceParams struct {
	Name         string
	Port         int
	ConfigPath   string
	WorkspaceDir string
	Provider     string
	Model        string
}

// CreateInstance inserts a new instance row with status=stopped, in the same
// transaction that would also seed any accompanying workspace bookkeeping.
// Returns ErrInvalidName or ErrConflict for the documented invariants.
func (r *Registry) CreateInstance(p CreateInstanceParams) (*Instance, error) {
	if !namePattern.MatchString(p.Name) {
		return nil, ErrInvalidName
	}
	if p.Port < 1024 || p.Port > 65535 {
		return nil, fmt.Errorf("registry: port out of range")
	}

	inst := &Instance{
		ID:           uuid.NewString(),
		Name:         p.Name,
		Port:         p.Port,
		ConfigPath:   p.ConfigPath,
		WorkspaceDir: p.WorkspaceDir,
		Status:       StatusStopped,
		Provider:     p.Provider,
		Model:        p.Model,
		CreatedAt:    nowUTC(),
		UpdatedAt:    nowUTC(),
	}

	err := r.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO instances
			(id, name, port, config_path, workspace_dir, status, provider, model, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.Name, inst.Port, inst.ConfigPath, inst.WorkspaceDir,
			inst.Status, inst.Provider, inst.Model, inst.CreatedAt, inst.UpdatedAt)
		if err != nil && isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// GetInstanceByName returns a non-archived instance by name.
func (r *Registry) GetInstanceByName(name string) (*Instance, error) {
	row := r.readDB.QueryRow(`SELECT id, name, port, config_path, workspace_dir, status,
		pid, pid_fingerprint, provider, model, archived_at, created_at, updated_at
		FROM instances WHERE name = ? AND archived_at IS NULL`, name)
	return scanInstance(row)
}

// GetInstance returns an instance (archived or not) by id.
func (r *Registry) GetInstance(id string) (*Instance, error) {
	row := r.readDB.QueryRow(`SELECT id, name, port, config_path, workspace_dir, status,
		pid, pid_fingerprint, provider, model, archived_at, created_at, updated_at
		FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// ListInstances returns all non-archived instances ordered by name.
func (r *Registry) ListInstances() ([]*Instance, error) {
	rows, err := r.readDB.Query(`SELECT id, name, port, config_path, workspace_dir, status,
		pid, pid_fingerprint, provider, model, archived_at, created_at, updated_at
		FROM instances WHERE archived_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListInstancesIncludingArchived returns every instance regardless of
// archived_at, used by handlers that must resolve an archived instance by
// name (unarchive, delete) where the active-only lookup would miss it.
func (r *Registry) ListInstancesIncludingArchived() ([]*Instance, error) {
	rows, err := r.readDB.Query(`SELECT id, name, port, config_path, workspace_dir, status,
		pid, pid_fingerprint, provider, model, archived_at, created_at, updated_at
		FROM instances ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListRunningWithPID returns every non-archived instance that currently has
// a non-null PID, used by the supervisor's liveness sweep.
func (r *Registry) ListRunningWithPID() ([]*Instance, error) {
	rows, err := r.readDB.Query(`SELECT id, name, port, config_path, workspace_dir, status,
		pid, pid_fingerprint, provider, model, archived_at, created_at, updated_at
		FROM instances WHERE archived_at IS NULL AND pid IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetStatusAndPID updates status, pid and fingerprint for an instance.
func (r *Registry) SetStatusAndPID(id, status string, pid *int, fingerprint string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE instances SET status = ?, pid = ?, pid_fingerprint = ?, updated_at = ?
			WHERE id = ?`, status, pid, fingerprint, nowUTC(), id)
		return err
	})
}

// Archive soft-deletes a non-archived instance: stops it logically (status
// forced to stopped, pid cleared) and stamps archived_at.
func (r *Registry) Archive(id string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE instances SET status = ?, pid = NULL, pid_fingerprint = '',
			archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
			StatusStopped, nowUTC(), nowUTC(), id)
		if err != nil {
			return err
		}
		return requireRowsAffected(res)
	})
}

// Unarchive restores an archived instance to active (stopped) status.
func (r *Registry) Unarchive(id string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE instances SET archived_at = NULL, updated_at = ?
			WHERE id = ? AND archived_at IS NOT NULL`, nowUTC(), id)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		return requireRowsAffected(res)
	})
}

// DeleteArchived hard-deletes an instance row. Only permitted when archived;
// callers must check ArchivedAt before calling. Messages and events
// referencing the instance are preserved (no FK cascade).
func (r *Registry) DeleteArchived(id string) error {
	return r.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM instances WHERE id = ? AND archived_at IS NOT NULL`, id)
		if err != nil {
			return err
		}
		return requireRowsAffected(res)
	})
}

// CountInstancesByStatus returns the number of non-archived instances in
// each status, used to populate the instances-by-status gauge.
func (r *Registry) CountInstancesByStatus() (map[string]int, error) {
	rows, err := r.readDB.Query(`SELECT status, COUNT(*) FROM instances WHERE archived_at IS NULL GROUP BY status`)
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

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row *sql.Row) (*Instance, error) {
	return scanInstanceGeneric(row)
}

func scanInstanceRows(rows *sql.Rows) (*Instance, error) {
	return scanInstanceGeneric(rows)
}

func scanInstanceGeneric(s rowScanner) (*Instance, error) {
	var inst Instance
	var pid sql.NullInt64
	var archivedAt sql.NullString
	var fingerprint sql.NullString
	var provider, model sql.NullString

	err := s.Scan(&inst.ID, &inst.Name, &inst.Port, &inst.ConfigPath, &inst.WorkspaceDir,
		&inst.Status, &pid, &fingerprint, &provider, &model, &archivedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if pid.Valid {
		v := int(pid.Int64)
		inst.PID = &v
	}
	if archivedAt.Valid {
		inst.ArchivedAt = &archivedAt.String
	}
	inst.PIDFingerprint = fingerprint.String
	inst.Provider = provider.String
	inst.Model = model.String
	return &inst, nil
}
