// Package store provides persistent server state backed by an embedded
// SQLite database: server/room bans, the admin audit log, and a small
// settings key/value table. Room and session state itself is never
// persisted here — it lives only in memory (internal/core) for the
// lifetime of the process, per the server's explicit scope.
//
// Migration design follows the teacher's: SQL statements live in the
// [migrations] slice, applied once each in order and tracked in
// schema_migrations. Append new entries; never edit or reorder old ones.
package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — server-wide bans
	`CREATE TABLE IF NOT EXISTS server_bans (
		user_id    INTEGER PRIMARY KEY,
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — per-room bans
	`CREATE TABLE IF NOT EXISTS room_bans (
		room_id    TEXT NOT NULL,
		user_id    INTEGER NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (room_id, user_id)
	)`,
	// v4 — admin audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id     INTEGER NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v5 — index for audit log time-range queries
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
}

// Store wraps a SQLite database and exposes the server's persistent
// operations: settings, bans, and the audit trail.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		logger.Warn("enable WAL mode", zap.Error(err))
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		logger.Warn("set busy_timeout", zap.Error(err))
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.logger.Info("applied migration", zap.Int("version", v))
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error only for real I/O failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// BanRecord is one server-wide or per-room ban.
type BanRecord struct {
	UserID   uint32
	Reason   string
	BannedBy uint32
}

// InsertServerBan records a server-wide ban.
func (s *Store) InsertServerBan(ban BanRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO server_bans(user_id, reason, banned_by) VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET reason = excluded.reason, banned_by = excluded.banned_by`,
		ban.UserID, ban.Reason, ban.BannedBy,
	)
	return err
}

// DeleteServerBan lifts a server-wide ban.
func (s *Store) DeleteServerBan(userID uint32) error {
	_, err := s.db.Exec(`DELETE FROM server_bans WHERE user_id = ?`, userID)
	return err
}

// ServerBans returns every currently-banned user ID.
func (s *Store) ServerBans() ([]uint32, error) {
	rows, err := s.db.Query(`SELECT user_id FROM server_bans`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertRoomBan records a per-room ban.
func (s *Store) InsertRoomBan(roomID string, ban BanRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO room_bans(room_id, user_id, reason, banned_by) VALUES(?, ?, ?, ?)
		 ON CONFLICT(room_id, user_id) DO UPDATE SET reason = excluded.reason, banned_by = excluded.banned_by`,
		roomID, ban.UserID, ban.Reason, ban.BannedBy,
	)
	return err
}

// DeleteRoomBan lifts a per-room ban.
func (s *Store) DeleteRoomBan(roomID string, userID uint32) error {
	_, err := s.db.Exec(`DELETE FROM room_bans WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return err
}

// RoomBans returns every banned user ID for a room.
func (s *Store) RoomBans(roomID string) ([]uint32, error) {
	rows, err := s.db.Query(`SELECT user_id FROM room_bans WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AppendAudit records one admin action in the audit trail.
func (s *Store) AppendAudit(actorID uint32, action, target, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log(actor_id, action, target, details_json) VALUES(?, ?, ?, ?)`,
		actorID, action, target, detailsJSON,
	)
	return err
}

// AuditEntry is one row of the admin audit trail.
type AuditEntry struct {
	ID          int64
	ActorID     uint32
	Action      string
	Target      string
	DetailsJSON string
	CreatedAt   int64
}

// RecentAudit returns the most recent audit entries, newest first.
func (s *Store) RecentAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, actor_id, action, target, details_json, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Target, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
