package repository

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Repositories on a single database file. Use ":memory:"
// for a throwaway database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a :memory: database exists per connection
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	logger.Info("database ready", "path", path, "schema_version", currentSchemaVersion)
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const deviceColumns = `id, uuid, secret, account_id, last_online, client_version`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var lastOnline sql.NullString
	if err := row.Scan(&d.ID, &d.UUID, &d.Secret, &d.AccountID, &lastOnline, &d.ClientVersion); err != nil {
		return nil, err
	}
	if lastOnline.Valid && lastOnline.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastOnline.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_online: %w", err)
		}
		d.LastOnline = t
	}
	return &d, nil
}

func (s *SQLite) FindByUUIDAndSecret(ctx context.Context, uuid, secret string) (*Device, error) {
	d, err := s.FindByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(d.Secret), []byte(secret)) != 1 {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *SQLite) FindByUUID(ctx context.Context, uuid string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE uuid = ?`, uuid)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find device: %w", err)
	}
	return d, nil
}

func (s *SQLite) UpdateLastOnline(ctx context.Context, deviceID string, when time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET last_online = ? WHERE id = ?`,
		when.UTC().Format(time.RFC3339Nano), deviceID)
	if err != nil {
		return fmt.Errorf("update last online: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id, username, password_hash, account_id, role`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AccountID, &u.Role); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) FindByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (s *SQLite) FindByAccount(ctx context.Context, accountID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE account_id = ? ORDER BY username`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *SQLite) Create(ctx context.Context, ev Event) error {
	when := ev.When
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (device_id, source, status, color, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.DeviceID, ev.Source, string(ev.Status), ev.Color, when.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsFor returns the events of deviceID, oldest first.
func (s *SQLite) EventsFor(ctx context.Context, deviceID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, source, status, color, created_at FROM events WHERE device_id = ? ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var status, created string
		if err := rows.Scan(&ev.DeviceID, &ev.Source, &status, &ev.Color, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Status = EventStatus(status)
		ev.When, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) Save(ctx context.Context, n *Notification) error {
	if n.Created.IsZero() {
		n.Created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications
			(user_id, message, icon, severity, tag, title, reference_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, n.Message, n.Icon, n.Severity, n.Tag, n.Title, n.ReferenceID, n.Payload,
		n.Created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		n.ID = id
	}
	return nil
}

// Seed upserts the directory's devices and users in one transaction.
func (s *SQLite) Seed(ctx context.Context, dir *Directory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, d := range dir.Devices {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (id, uuid, secret, account_id, client_version)
			VALUES (?, ?, ?, ?, '')
			ON CONFLICT(uuid) DO UPDATE SET id = excluded.id, secret = excluded.secret, account_id = excluded.account_id`,
			d.ID, d.UUID, d.Secret, d.AccountID)
		if err != nil {
			return fmt.Errorf("seed device %q: %w", d.UUID, err)
		}
	}
	for _, u := range dir.Users {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, password_hash, account_id, role)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(username) DO UPDATE SET id = excluded.id, password_hash = excluded.password_hash,
				account_id = excluded.account_id, role = excluded.role`,
			u.ID, u.Username, u.PasswordHash, u.AccountID, u.Role)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	s.logger.Info("directory seeded", "devices", len(dir.Devices), "users", len(dir.Users))
	return nil
}

var _ Repositories = (*SQLite)(nil)
