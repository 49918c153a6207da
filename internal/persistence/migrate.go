package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations[i] upgrades a database at user_version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS messages (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			packet_id INTEGER NOT NULL DEFAULT 0,
			direction INTEGER NOT NULL,
			from_id TEXT NOT NULL,
			from_num INTEGER NOT NULL,
			to_id TEXT NOT NULL,
			to_num INTEGER NOT NULL,
			channel INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL,
			at INTEGER NOT NULL,
			snr REAL NULL,
			rssi INTEGER NULL,
			hop_limit INTEGER NOT NULL DEFAULT 0,
			hop_start INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS messages_at_idx ON messages(at DESC);`,
	},
	{
		`ALTER TABLE messages ADD COLUMN sender_lat REAL NULL;`,
		`ALTER TABLE messages ADD COLUMN sender_lon REAL NULL;`,
		`ALTER TABLE messages ADD COLUMN sender_alt INTEGER NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_packet_uidx
			ON messages(direction, from_num, packet_id) WHERE packet_id != 0;`,
	},
}

// SchemaVersion is the user_version of a fully migrated database.
func SchemaVersion() int {
	return len(migrations)
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than supported %d", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		if err := applyMigration(ctx, db, v); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, from int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range migrations[from] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema to v%d: %w", from+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, from+1)); err != nil {
		return fmt.Errorf("set schema version %d: %w", from+1, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration to v%d: %w", from+1, err)
	}

	return nil
}
