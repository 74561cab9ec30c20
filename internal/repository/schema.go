package repository

import (
	"context"
	"fmt"
	"time"
)

// currentSchemaVersion is bumped together with a new entry in migrations.
const currentSchemaVersion = 2

var migrations = []string{
	1: `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE,
			secret TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			last_online TEXT,
			client_version TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user'
		);
		CREATE INDEX IF NOT EXISTS idx_users_account ON users(account_id);
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			color TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id);
	`,
	2: `
		CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			message TEXT NOT NULL,
			icon TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			tag TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			reference_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);
	`,
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	for v := version + 1; v <= currentSchemaVersion; v++ {
		s.logger.Info("applying migration", "schema_version", v)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			v, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record v%d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit v%d: %w", v, err)
		}
	}
	return nil
}
