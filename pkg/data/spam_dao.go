package data

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

func (d *Database) AddSpamEntry(ctx context.Context, username string, timestamp int64, length int) error {
	_, err := d.exec(ctx,
		`INSERT INTO spam_tracking (username, message_timestamp, message_length) VALUES ($1, $2, $3)`,
		strings.ToLower(username), timestamp, length,
	)
	return errors.Wrap(err, "unable to save spam entry for "+username)
}

func (d *Database) CountSpamEntries(ctx context.Context, username string, since int64) (int64, error) {
	n, err := d.count(ctx,
		`SELECT COUNT(*) FROM spam_tracking WHERE username = $1 AND message_timestamp > $2`,
		strings.ToLower(username), since,
	)
	return n, errors.Wrap(err, "unable to count spam entries for "+username)
}

func (d *Database) PruneSpamEntries(ctx context.Context, before int64) (int64, error) {
	n, err := d.exec(ctx, `DELETE FROM spam_tracking WHERE message_timestamp < $1`, before)
	return n, errors.Wrap(err, "unable to prune spam entries")
}
