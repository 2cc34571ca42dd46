package storage

import (
	"fmt"
	"time"
)

// Counter kinds.
const (
	KindRelayed    = "relayed"
	KindDeliveries = "deliveries"
	KindDropped    = "dropped"
	KindRejected   = "rejected"
)

// Counter is one persisted running total.
type Counter struct {
	Kind      string
	Name      string
	Total     int64
	UpdatedAt time.Time
}

// ControllerChange is one row of controller history. Identity is empty
// when the controller was cleared.
type ControllerChange struct {
	Identity  string
	ChangedAt time.Time
}

// AddCounters adds deltas to the named counters in one transaction.
// The outer key is the kind, the inner key the name.
func (s *SQLiteStore) AddCounters(deltas map[string]map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	stmt, err := tx.Prepare(`
		INSERT INTO relay_counters (kind, name, total, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, name) DO UPDATE SET total = total + excluded.total, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for kind, names := range deltas {
		for name, delta := range names {
			if delta == 0 {
				continue
			}
			if _, err := stmt.Exec(kind, name, delta, now); err != nil {
				return fmt.Errorf("add %s/%s: %w", kind, name, err)
			}
		}
	}
	return tx.Commit()
}

// Counters returns every counter of the given kind, or all kinds when
// kind is empty, ordered by kind then name.
func (s *SQLiteStore) Counters(kind string) ([]Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT kind, name, total, updated_at FROM relay_counters"
	args := []interface{}{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY kind, name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		var c Counter
		var updatedAt string
		if err := rows.Scan(&c.Kind, &c.Name, &c.Total, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// RecordControllerChange appends to the controller history.
func (s *SQLiteStore) RecordControllerChange(identity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT INTO controller_history (identity, changed_at) VALUES (?, ?)",
		identity, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record controller change: %w", err)
	}
	return nil
}

// ControllerHistory returns the most recent changes, newest first.
func (s *SQLiteStore) ControllerHistory(limit int) ([]ControllerChange, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT identity, changed_at FROM controller_history ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query controller history: %w", err)
	}
	defer rows.Close()

	var changes []ControllerChange
	for rows.Next() {
		var c ControllerChange
		var changedAt string
		if err := rows.Scan(&c.Identity, &changedAt); err != nil {
			return nil, fmt.Errorf("scan controller change: %w", err)
		}
		c.ChangedAt, _ = time.Parse(time.RFC3339Nano, changedAt)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
