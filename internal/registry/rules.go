package registry

import (
	"database/sql"

	"github.com/google/uuid"
)

// AddRoutingRule inserts a new routing rule; used by operator tooling and
// tests to seed the deny-by-default policy table.
func (r *Registry) AddRoutingRule(rule RoutingRule) (*RoutingRule, error) {
	rule.ID = uuid.NewString()
	rule.CreatedAt = nowUTC()
	err := r.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO routing_rules
			(id, from_pattern, to_pattern, type_pattern, max_retries, ttl_seconds, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rule.ID, rule.FromPattern, rule.ToPattern, rule.TypePattern,
			rule.MaxRetries, rule.TTLSeconds, rule.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// MatchRoutingRule returns the first rule (by creation order) that admits
// the given (from, to, type) triple, or nil if none matches.
func (r *Registry) MatchRoutingRule(from, to, msgType string) (*RoutingRule, error) {
	rows, err := r.readDB.Query(`SELECT id, from_pattern, to_pattern, type_pattern,
		max_retries, ttl_seconds, created_at FROM routing_rules ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rule RoutingRule
		var maxRetries, ttlSeconds sql.NullInt64
		if err := rows.Scan(&rule.ID, &rule.FromPattern, &rule.ToPattern, &rule.TypePattern,
			&maxRetries, &ttlSeconds, &rule.CreatedAt); err != nil {
			return nil, err
		}
		if maxRetries.Valid {
			v := int(maxRetries.Int64)
			rule.MaxRetries = &v
		}
		if ttlSeconds.Valid {
			v := int(ttlSeconds.Int64)
			rule.TTLSeconds = &v
		}
		if rule.Matches(from, to, msgType) {
			return &rule, nil
		}
	}
	return nil, rows.Err()
}
