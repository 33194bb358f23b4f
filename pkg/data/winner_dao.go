package data

import (
	"context"

	"github.com/pkg/errors"
)

const winnerColumns = `id, month, rank, username, display_name, points, awarded_at`

func (d *Database) InsertWinner(ctx context.Context, w Winner) error {
	_, err := d.exec(ctx, `
		INSERT INTO winners (month, rank, username, display_name, points, awarded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.Month, w.Rank, w.Username, w.DisplayName, w.Points, w.AwardedAt,
	)
	return errors.Wrap(err, "unable to insert winner "+w.Username)
}

// Winners lists every recorded winner, newest month first.
func (d *Database) Winners(ctx context.Context, limit int) ([]Winner, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+winnerColumns+` FROM winners ORDER BY month DESC, rank ASC LIMIT $1`,
		limit,
	)
	if nil != err {
		return nil, errors.Wrap(err, "unable to list winners")
	}
	defer rows.Close()

	winners := []Winner{}
	for rows.Next() {
		var w Winner
		if err := rows.Scan(&w.ID, &w.Month, &w.Rank, &w.Username, &w.DisplayName, &w.Points, &w.AwardedAt); nil != err {
			return nil, errors.Wrap(err, "unable to scan winner row")
		}
		winners = append(winners, w)
	}
	return winners, errors.Wrap(rows.Err(), "unable to list winners")
}

// CloseMonth records the winners of month with ranks in the given order and
// resets every balance, all in one transaction.
func (d *Database) CloseMonth(ctx context.Context, month string, winners []Winner, now int64) (int64, error) {
	var reset int64
	err := d.InTx(ctx, func(tx *Database) error {
		for i, w := range winners {
			w.Month = month
			w.Rank = int64(i + 1)
			w.AwardedAt = now
			if err := tx.InsertWinner(ctx, w); nil != err {
				return err
			}
		}
		n, err := tx.ResetPoints(ctx)
		reset = n
		return err
	})
	return reset, err
}
