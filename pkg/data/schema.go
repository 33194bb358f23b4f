package data

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

const (
	createUsersTable = `
		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			points BIGINT NOT NULL DEFAULT 0,
			view_seconds BIGINT NOT NULL DEFAULT 0,
			message_count BIGINT NOT NULL DEFAULT 0,
			last_seen_ts BIGINT NOT NULL DEFAULT 0,
			last_message_ts BIGINT NOT NULL DEFAULT 0,
			chat_points_last_hour BIGINT NOT NULL DEFAULT 0,
			chat_points_hour_reset_ts BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL DEFAULT 0
		);
	`

	createSpamTrackingTable = `
		CREATE TABLE IF NOT EXISTS spam_tracking (
			id %s,
			username TEXT NOT NULL,
			message_timestamp BIGINT NOT NULL,
			message_length BIGINT NOT NULL
		);
	`

	createSpamTrackingIndex = `
		CREATE INDEX IF NOT EXISTS spam_tracking_user_ts
		ON spam_tracking (username, message_timestamp);
	`

	createBotBlacklistTable = `
		CREATE TABLE IF NOT EXISTS bot_blacklist (
			id %s,
			username TEXT UNIQUE,
			reason TEXT NOT NULL DEFAULT '',
			added_by TEXT NOT NULL DEFAULT '',
			added_at BIGINT NOT NULL DEFAULT 0
		);
	`

	createClipsTable = `
		CREATE TABLE IF NOT EXISTS clips (
			id %s,
			submitter TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			clip_url TEXT NOT NULL UNIQUE,
			clip_id TEXT NOT NULL DEFAULT '',
			submitted_at BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			reviewer TEXT NOT NULL DEFAULT '',
			points_awarded BIGINT NOT NULL DEFAULT 0,
			reviewed_at BIGINT NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT ''
		);
	`

	createClipsIndex = `
		CREATE INDEX IF NOT EXISTS clips_submitter_ts
		ON clips (submitter, submitted_at);
	`

	createSettingsTable = `
		CREATE TABLE IF NOT EXISTS settings (
			setting_key TEXT PRIMARY KEY,
			setting_value TEXT NOT NULL,
			updated_at BIGINT NOT NULL DEFAULT 0
		);
	`

	createWinnersTable = `
		CREATE TABLE IF NOT EXISTS winners (
			id %s,
			month TEXT NOT NULL,
			rank BIGINT NOT NULL,
			username TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			points BIGINT NOT NULL,
			awarded_at BIGINT NOT NULL
		);
	`
)

func (d *Database) serialColumn() string {
	if d.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Migrate creates every table and index that does not exist yet.
func (d *Database) Migrate(ctx context.Context) error {
	serial := d.serialColumn()
	statements := []string{
		createUsersTable,
		fmt.Sprintf(createSpamTrackingTable, serial),
		createSpamTrackingIndex,
		fmt.Sprintf(createBotBlacklistTable, serial),
		fmt.Sprintf(createClipsTable, serial),
		createClipsIndex,
		createSettingsTable,
		fmt.Sprintf(createWinnersTable, serial),
	}

	return d.InTx(ctx, func(tx *Database) error {
		for _, stmt := range statements {
			if _, err := tx.q.ExecContext(ctx, stmt); nil != err {
				return errors.Wrap(err, "unable to run migration")
			}
		}
		return nil
	})
}
