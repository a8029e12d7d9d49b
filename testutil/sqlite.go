// Package testutil provides shared helpers for package tests, mainly an
// in-memory sqlite database carrying the full service schema.
package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3" // sqlite driver for in-memory test databases
)

// schema is the sqlite rendition of the production Postgres schema. Tests run
// against it so the data access code stays portable across both dialects.
var schema = []string{
	`CREATE TABLE tracked_channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site TEXT NOT NULL,
		site_channel_id TEXT NOT NULL,
		last_known_name TEXT,
		created_at TIMESTAMP,
		UNIQUE(site, site_channel_id)
	)`,
	`CREATE TABLE targets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tracked_channel_id INTEGER NOT NULL REFERENCES tracked_channels(id) ON DELETE CASCADE,
		discord_channel_id TEXT NOT NULL,
		discord_guild_id TEXT,
		tracker_user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP,
		UNIQUE(tracked_channel_id, discord_channel_id)
	)`,
	`CREATE TABLE mention_roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tracked_channel_id INTEGER NOT NULL REFERENCES tracked_channels(id) ON DELETE CASCADE,
		guild_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		last_mention TIMESTAMP,
		UNIQUE(tracked_channel_id, guild_id)
	)`,
	`CREATE TABLE cursors (
		tracked_channel_id INTEGER PRIMARY KEY REFERENCES tracked_channels(id) ON DELETE CASCADE,
		last_seen_id INTEGER NOT NULL DEFAULT 0,
		state TEXT,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE yt_videos (
		video_id TEXT PRIMARY KEY,
		tracked_channel_id INTEGER NOT NULL REFERENCES tracked_channels(id) ON DELETE CASCADE,
		last_title TEXT,
		last_thumbnail TEXT,
		lifecycle TEXT NOT NULL DEFAULT 'unknown',
		scheduled_start TIMESTAMP,
		notify_creation_done BOOLEAN NOT NULL DEFAULT FALSE,
		published_at TIMESTAMP,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tracked_channel_id INTEGER NOT NULL REFERENCES tracked_channels(id) ON DELETE CASCADE,
		video_id TEXT,
		started_at TIMESTAMP NOT NULL,
		peak_viewers INTEGER NOT NULL DEFAULT 0,
		average_viewers INTEGER NOT NULL DEFAULT 0,
		uptime_ticks INTEGER NOT NULL DEFAULT 0,
		premiere BOOLEAN NOT NULL DEFAULT FALSE,
		last_title TEXT,
		last_thumbnail TEXT
	)`,
	`CREATE TABLE notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_key TEXT NOT NULL,
		target_id INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		message_channel_id TEXT,
		message_id TEXT,
		created_at TIMESTAMP,
		UNIQUE(content_key, target_id, kind)
	)`,
	`CREATE TABLE feature_settings (
		discord_channel_id TEXT PRIMARY KEY,
		guild_id TEXT,
		settings TEXT NOT NULL,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		origin_channel_id TEXT,
		content TEXT NOT NULL,
		remind_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP
	)`,
	`CREATE TABLE oauth_tokens (
		provider TEXT PRIMARY KEY,
		access_token TEXT,
		refresh_token TEXT,
		expires_at TIMESTAMP,
		scope TEXT,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE kv (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at TIMESTAMP)`,
}

// SetupTestDB opens an in-memory sqlite database with the full schema applied
// and foreign keys enforced. The database is closed when the test finishes.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbx, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = dbx.Close() })
	for _, stmt := range schema {
		if _, err := dbx.Exec(stmt); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return dbx
}
