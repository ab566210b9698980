package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	log.Debug().Str("path", db.path).Msg("Running database migrations")

	// Create migrations table if not exists
	_, err := db.exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.queryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	log.Debug().Int("current_version", currentVersion).Msg("Current schema version")

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applying migration")

		if err := db.Transaction(func(tx *sql.Tx) error {
			statements := splitSQLStatements(migration.SQL)
			for i, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migration %d statement %d failed: %w", migration.Version, i+1, err)
				}
			}

			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}

			return nil
		}); err != nil {
			return err
		}
	}

	log.Debug().Msg("Database migrations complete")
	return nil
}

// SchemaVersion returns the highest applied migration version
func (db *DB) SchemaVersion() (int, error) {
	var version int
	if err := db.queryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

// splitSQLStatements splits a SQL string into individual statements.
// It handles comments and only returns non-empty statements.
func splitSQLStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	for line := range strings.SplitSeq(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" && stmt != ";" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	// Handle any remaining content without trailing semicolon
	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		statements = append(statements, remaining)
	}

	return statements
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			-- Store settings
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- One row per persisted object
			CREATE TABLE records (
				entity TEXT NOT NULL,
				id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				data TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (entity, id)
			);

			CREATE INDEX idx_records_entity ON records(entity);
		`,
	},
	{
		Version: 2,
		Name:    "persistent_history",
		SQL: `
			-- One row per committed save
			CREATE TABLE transactions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				author TEXT NOT NULL DEFAULT '',
				context TEXT NOT NULL DEFAULT '',
				committed_at INTEGER NOT NULL
			);

			-- Object level changes made by a transaction
			CREATE TABLE changes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				transaction_id INTEGER NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
				entity TEXT NOT NULL,
				record_id TEXT NOT NULL,
				kind TEXT NOT NULL
			);

			CREATE INDEX idx_changes_transaction ON changes(transaction_id);
			CREATE INDEX idx_transactions_committed ON transactions(committed_at);
		`,
	},
}
