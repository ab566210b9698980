package database

import (
	"fmt"
	"time"
)

// HistoryTransaction is one committed save with the changes it made
type HistoryTransaction struct {
	ID          int64
	Author      string
	Context     string
	CommittedAt time.Time
	Changes     []HistoryChange
}

// HistoryChange is a single record level change
type HistoryChange struct {
	Entity   string
	RecordID string
	Kind     ChangeKind
}

// ChangeToken returns the id of the latest committed history transaction
func (db *DB) ChangeToken() (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var token int64
	if err := db.queryRow(`SELECT COALESCE(MAX(id), 0) FROM transactions`).Scan(&token); err != nil {
		return 0, fmt.Errorf("failed to read change token: %w", err)
	}
	return token, nil
}

// History returns transactions committed after the given token, oldest first
func (db *DB) History(since int64) ([]*HistoryTransaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.query(`
		SELECT t.id, t.author, t.context, t.committed_at, c.entity, c.record_id, c.kind
		FROM transactions t
		JOIN changes c ON c.transaction_id = t.id
		WHERE t.id > ?
		ORDER BY t.id, c.id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []*HistoryTransaction
	var current *HistoryTransaction
	for rows.Next() {
		var (
			id                     int64
			author, context        string
			committedAt            int64
			entity, recordID, kind string
		)
		if err := rows.Scan(&id, &author, &context, &committedAt, &entity, &recordID, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}

		if current == nil || current.ID != id {
			current = &HistoryTransaction{
				ID:          id,
				Author:      author,
				Context:     context,
				CommittedAt: time.UnixMilli(committedAt),
			}
			history = append(history, current)
		}
		current.Changes = append(current.Changes, HistoryChange{
			Entity:   entity,
			RecordID: recordID,
			Kind:     ChangeKind(kind),
		})
	}

	return history, rows.Err()
}

// PruneHistory deletes history committed before the cutoff and returns how many
// transactions were removed
func (db *DB) PruneHistory(before time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// changes go with their transaction via ON DELETE CASCADE
	res, err := db.exec(`DELETE FROM transactions WHERE committed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
