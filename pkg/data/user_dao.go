package data

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

const userColumns = `username, display_name, points, view_seconds, message_count,
	last_seen_ts, last_message_ts, chat_points_last_hour, chat_points_hour_reset_ts, created_at`

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Username, &u.DisplayName, &u.Points, &u.ViewSeconds, &u.MessageCount,
		&u.LastSeenTs, &u.LastMessageTs, &u.ChatPointsLastHour, &u.ChatPointsHourResetTs, &u.CreatedAt,
	)
	return u, err
}

func (d *Database) users(ctx context.Context, query string, args ...interface{}) ([]User, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if nil != err {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if nil != err {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// TouchUser records a chat message for username: the row is created on the
// first message, otherwise the display name, last seen time and message
// count are updated.
func (d *Database) TouchUser(ctx context.Context, username, displayName string, now int64) (User, error) {
	u, err := scanUser(d.q.QueryRowContext(ctx, `
		INSERT INTO users (username, display_name, message_count, last_seen_ts, created_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (username) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen_ts = excluded.last_seen_ts,
			message_count = users.message_count + 1
		RETURNING `+userColumns,
		strings.ToLower(username), displayName, now, now,
	))
	return u, errors.Wrap(err, "unable to touch user "+username)
}

func (d *Database) CreateUser(ctx context.Context, username, displayName string, now int64) error {
	_, err := d.exec(ctx, `
		INSERT INTO users (username, display_name, last_seen_ts, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO NOTHING`,
		strings.ToLower(username), displayName, now, now,
	)
	return errors.Wrap(err, "unable to create user "+username)
}

func (d *Database) User(ctx context.Context, username string) (User, error) {
	u, err := scanUser(d.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`,
		strings.ToLower(username),
	))
	if nil != err {
		return User{}, errors.Wrap(notFound(err), "unable to get user "+username)
	}
	return u, nil
}

// AddPoints adds delta to the balance in a single statement and returns the
// new total.
func (d *Database) AddPoints(ctx context.Context, username string, delta int64) (int64, error) {
	var total int64
	err := d.q.QueryRowContext(ctx,
		`UPDATE users SET points = points + $1 WHERE username = $2 RETURNING points`,
		delta, strings.ToLower(username),
	).Scan(&total)
	if nil != err {
		return 0, errors.Wrap(notFound(err), "unable to add points for "+username)
	}
	return total, nil
}

func (d *Database) ViewSeconds(ctx context.Context, username string) (int64, error) {
	var seconds int64
	err := d.q.QueryRowContext(ctx,
		`SELECT view_seconds FROM users WHERE username = $1`,
		strings.ToLower(username),
	).Scan(&seconds)
	if nil != err {
		return 0, errors.Wrap(notFound(err), "unable to get view seconds for "+username)
	}
	return seconds, nil
}

func (d *Database) SetViewSeconds(ctx context.Context, username string, seconds int64) error {
	n, err := d.exec(ctx,
		`UPDATE users SET view_seconds = $1 WHERE username = $2`,
		seconds, strings.ToLower(username),
	)
	if nil != err {
		return errors.Wrap(err, "unable to set view seconds for "+username)
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, "unable to set view seconds for "+username)
	}
	return nil
}

// RecordChatPoint marks a granted chat award: the cooldown timestamp moves to
// now and the hourly counter either restarts at 1 (window older than
// windowStart) or is incremented.
func (d *Database) RecordChatPoint(ctx context.Context, username string, now, windowStart int64) error {
	_, err := d.exec(ctx, `
		UPDATE users SET
			last_message_ts = $1,
			chat_points_last_hour = CASE
				WHEN chat_points_hour_reset_ts <= $2 THEN 1
				ELSE chat_points_last_hour + 1
			END,
			chat_points_hour_reset_ts = CASE
				WHEN chat_points_hour_reset_ts <= $3 THEN $4
				ELSE chat_points_hour_reset_ts
			END
		WHERE username = $5`,
		now, windowStart, windowStart, now, strings.ToLower(username),
	)
	return errors.Wrap(err, "unable to record chat point for "+username)
}

func (d *Database) ResetChatTracking(ctx context.Context, username string, now int64) (bool, error) {
	n, err := d.exec(ctx, `
		UPDATE users SET
			last_message_ts = 0,
			chat_points_last_hour = 0,
			chat_points_hour_reset_ts = $1
		WHERE username = $2`,
		now, strings.ToLower(username),
	)
	if nil != err {
		return false, errors.Wrap(err, "unable to reset chat tracking for "+username)
	}
	return n > 0, nil
}

func (d *Database) TopUsers(ctx context.Context, limit int) ([]User, error) {
	users, err := d.users(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY points DESC, username ASC LIMIT $1`,
		limit,
	)
	return users, errors.Wrap(err, "unable to get top users")
}

// TopScorers is TopUsers restricted to positive balances.
func (d *Database) TopScorers(ctx context.Context, limit int) ([]User, error) {
	users, err := d.users(ctx,
		`SELECT `+userColumns+` FROM users WHERE points > 0 ORDER BY points DESC, username ASC LIMIT $1`,
		limit,
	)
	return users, errors.Wrap(err, "unable to get top scorers")
}

func (d *Database) ActiveUsers(ctx context.Context, since int64) ([]User, error) {
	users, err := d.users(ctx,
		`SELECT `+userColumns+` FROM users WHERE last_seen_ts > $1 ORDER BY username`,
		since,
	)
	return users, errors.Wrap(err, "unable to get active users")
}

// ChatActiveUsers returns users that wrote at least one message and were
// seen after since.
func (d *Database) ChatActiveUsers(ctx context.Context, since int64) ([]User, error) {
	users, err := d.users(ctx,
		`SELECT `+userColumns+` FROM users WHERE last_seen_ts > $1 AND message_count > 0 ORDER BY username`,
		since,
	)
	return users, errors.Wrap(err, "unable to get chat active users")
}

func (d *Database) ResetPoints(ctx context.Context) (int64, error) {
	n, err := d.exec(ctx, `UPDATE users SET points = 0, view_seconds = 0`)
	return n, errors.Wrap(err, "unable to reset points")
}

// UserRank is one more than the number of users with a higher balance, so
// tied users share a rank.
func (d *Database) UserRank(ctx context.Context, points int64) (int64, error) {
	n, err := d.count(ctx, `SELECT COUNT(*) FROM users WHERE points > $1`, points)
	if nil != err {
		return 0, errors.Wrap(err, "unable to get rank")
	}
	return n + 1, nil
}

func (d *Database) CountUsers(ctx context.Context) (int64, error) {
	n, err := d.count(ctx, `SELECT COUNT(*) FROM users`)
	return n, errors.Wrap(err, "unable to count users")
}
