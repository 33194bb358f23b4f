package data

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

func scanBot(row scanner) (BotEntry, error) {
	var (
		b        BotEntry
		username sql.NullString
	)
	if err := row.Scan(&username, &b.Reason, &b.AddedBy, &b.AddedAt); nil != err {
		return BotEntry{}, err
	}
	b.Username = username.String
	return b, nil
}

// UpsertBot inserts the entry or replaces the existing row for the same
// username.
func (d *Database) UpsertBot(ctx context.Context, b BotEntry) error {
	_, err := d.exec(ctx, `
		INSERT INTO bot_blacklist (username, reason, added_by, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET
			reason = excluded.reason,
			added_by = excluded.added_by,
			added_at = excluded.added_at`,
		b.Username, b.Reason, b.AddedBy, b.AddedAt,
	)
	return errors.Wrap(err, "unable to save bot "+b.Username)
}

// InsertRawBot stores a row without any normalization, the shape rows
// written by other tools can have. Only tests call it, to seed such rows;
// Classifier.Add and Import always normalize.
func (d *Database) InsertRawBot(ctx context.Context, username sql.NullString, reason string, addedAt int64) error {
	_, err := d.exec(ctx,
		`INSERT INTO bot_blacklist (username, reason, added_by, added_at) VALUES ($1, $2, 'import', $3)`,
		username, reason, addedAt,
	)
	return errors.Wrap(err, "unable to insert bot row")
}

func (d *Database) Bot(ctx context.Context, username string) (BotEntry, error) {
	b, err := scanBot(d.q.QueryRowContext(ctx,
		`SELECT username, reason, added_by, added_at FROM bot_blacklist WHERE username = $1`,
		username,
	))
	if nil != err {
		return BotEntry{}, errors.Wrap(notFound(err), "unable to get bot "+username)
	}
	return b, nil
}

func (d *Database) DeleteBot(ctx context.Context, username string) (int64, error) {
	n, err := d.exec(ctx, `DELETE FROM bot_blacklist WHERE username = $1`, username)
	return n, errors.Wrap(err, "unable to delete bot "+username)
}

// CleanupBots deletes rows whose username is null, empty or whitespace.
func (d *Database) CleanupBots(ctx context.Context) (int64, error) {
	n, err := d.exec(ctx,
		`DELETE FROM bot_blacklist WHERE username IS NULL OR TRIM(username) = ''`,
	)
	return n, errors.Wrap(err, "unable to clean bot blacklist")
}

func (d *Database) Bots(ctx context.Context, limit int) ([]BotEntry, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT username, reason, added_by, added_at FROM bot_blacklist ORDER BY added_at DESC LIMIT $1`,
		limit,
	)
	if nil != err {
		return nil, errors.Wrap(err, "unable to list bots")
	}
	defer rows.Close()

	bots := []BotEntry{}
	for rows.Next() {
		b, err := scanBot(rows)
		if nil != err {
			return nil, errors.Wrap(err, "unable to scan bot row")
		}
		bots = append(bots, b)
	}
	return bots, errors.Wrap(rows.Err(), "unable to list bots")
}
