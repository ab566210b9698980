package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ChangeKind identifies what a transaction did to a record
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Record is the persisted form of one object
type Record struct {
	Entity    string
	ID        string
	Version   int64
	Data      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// recordColumns is the SELECT column list for record queries
const recordColumns = `entity, id, version, data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                    Record
		createdAt, updatedAt int64
	)
	if err := row.Scan(&r.Entity, &r.ID, &r.Version, &r.Data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

// FetchRecords returns every record of an entity ordered by creation
func (db *DB) FetchRecords(entity string) ([]*Record, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.query(`SELECT `+recordColumns+` FROM records WHERE entity = ? ORDER BY created_at, id`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetRecord retrieves a single record, nil when it does not exist
func (db *DB) GetRecord(entity, id string) (*Record, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	r, err := scanRecord(db.queryRow(`SELECT `+recordColumns+` FROM records WHERE entity = ? AND id = ?`, entity, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", entity, id, err)
	}
	return r, nil
}

// CountRecords returns how many records exist per entity
func (db *DB) CountRecords() (map[string]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.query(`SELECT entity, COUNT(*) FROM records GROUP BY entity`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var entity string
		var count int
		if err := rows.Scan(&entity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan record count: %w", err)
		}
		counts[entity] = count
	}
	return counts, rows.Err()
}

// WriteTx is a write transaction that records every change in the history tables
type WriteTx struct {
	tx      *sql.Tx
	id      int64
	now     time.Time
	changes int
}

// ID returns the history transaction id, which doubles as the change token
func (w *WriteTx) ID() int64 {
	return w.id
}

// Write runs fn inside a history-tracked transaction. The returned token is the
// id of the transactions row, or zero when fn made no changes.
func (db *DB) Write(author, context string, fn func(*WriteTx) error) (int64, error) {
	var token int64

	err := db.Transaction(func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.Exec(`INSERT INTO transactions (author, context, committed_at) VALUES (?, ?, ?)`,
			author, context, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to create history transaction: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read history transaction id: %w", err)
		}

		w := &WriteTx{tx: tx, id: id, now: now}
		if err := fn(w); err != nil {
			return err
		}

		if w.changes == 0 {
			if _, err := tx.Exec(`DELETE FROM transactions WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to drop empty history transaction: %w", err)
			}
			return nil
		}

		token = id
		return nil
	})
	if err != nil {
		return 0, err
	}

	if token != 0 {
		log.Trace().Int64("token", token).Str("context", context).Msg("Committed write transaction")
	}
	return token, nil
}

// GetRecord reads a record inside the transaction, nil when it does not exist
func (w *WriteTx) GetRecord(entity, id string) (*Record, error) {
	r, err := scanRecord(w.tx.QueryRow(`SELECT `+recordColumns+` FROM records WHERE entity = ? AND id = ?`, entity, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", entity, id, err)
	}
	return r, nil
}

// FindByValue returns the ids of records whose JSON payload holds value at key
func (w *WriteTx) FindByValue(entity, key string, value any) ([]string, error) {
	rows, err := w.tx.Query(`SELECT id FROM records WHERE entity = ? AND json_extract(data, ?) = ?`,
		entity, "$."+key, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", entity, key, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertRecord stores a new record at version 1
func (w *WriteTx) InsertRecord(entity, id, data string) error {
	ts := w.now.UnixMilli()
	if _, err := w.tx.Exec(`
		INSERT INTO records (entity, id, version, data, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
	`, entity, id, data, ts, ts); err != nil {
		return fmt.Errorf("failed to insert record %s/%s: %w", entity, id, err)
	}
	return w.recordChange(entity, id, ChangeInsert)
}

// UpdateRecord overwrites a record's payload and bumps its version.
// It returns the new version.
func (w *WriteTx) UpdateRecord(entity, id, data string) (int64, error) {
	var version int64
	err := w.tx.QueryRow(`
		UPDATE records SET data = ?, version = version + 1, updated_at = ?
		WHERE entity = ? AND id = ?
		RETURNING version
	`, data, w.now.UnixMilli(), entity, id).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to update record %s/%s: %w", entity, id, err)
	}
	return version, w.recordChange(entity, id, ChangeUpdate)
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (w *WriteTx) DeleteRecord(entity, id string) error {
	res, err := w.tx.Exec(`DELETE FROM records WHERE entity = ? AND id = ?`, entity, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", entity, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return w.recordChange(entity, id, ChangeDelete)
}

func (w *WriteTx) recordChange(entity, id string, kind ChangeKind) error {
	if _, err := w.tx.Exec(`INSERT INTO changes (transaction_id, entity, record_id, kind) VALUES (?, ?, ?, ?)`,
		w.id, entity, id, string(kind)); err != nil {
		return fmt.Errorf("failed to record %s change for %s/%s: %w", kind, entity, id, err)
	}
	w.changes++
	return nil
}
