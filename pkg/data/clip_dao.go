package data

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const clipColumns = `id, submitter, display_name, clip_url, clip_id, submitted_at,
	status, reviewer, points_awarded, reviewed_at, note`

func scanClip(row scanner) (Clip, error) {
	var (
		c      Clip
		status string
	)
	err := row.Scan(
		&c.ID, &c.Submitter, &c.DisplayName, &c.ClipURL, &c.ClipID, &c.SubmittedAt,
		&status, &c.Reviewer, &c.PointsAwarded, &c.ReviewedAt, &c.Note,
	)
	c.Status = ClipStatus(status)
	return c, err
}

func (d *Database) clips(ctx context.Context, query string, args ...interface{}) ([]Clip, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if nil != err {
		return nil, err
	}
	defer rows.Close()

	clips := []Clip{}
	for rows.Next() {
		c, err := scanClip(rows)
		if nil != err {
			return nil, err
		}
		clips = append(clips, c)
	}
	return clips, rows.Err()
}

// InsertClip stores a new pending submission and returns it with its id.
func (d *Database) InsertClip(ctx context.Context, c Clip) (Clip, error) {
	inserted, err := scanClip(d.q.QueryRowContext(ctx, `
		INSERT INTO clips (submitter, display_name, clip_url, clip_id, submitted_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+clipColumns,
		strings.ToLower(c.Submitter), c.DisplayName, c.ClipURL, c.ClipID, c.SubmittedAt, string(ClipPending),
	))
	return inserted, errors.Wrap(err, "unable to insert clip "+c.ClipURL)
}

func (d *Database) Clip(ctx context.Context, id int64) (Clip, error) {
	c, err := scanClip(d.q.QueryRowContext(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE id = $1`, id,
	))
	if nil != err {
		return Clip{}, errors.Wrap(notFound(err), "unable to get clip")
	}
	return c, nil
}

func (d *Database) ClipByURL(ctx context.Context, url string) (Clip, error) {
	c, err := scanClip(d.q.QueryRowContext(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE clip_url = $1`, url,
	))
	if nil != err {
		return Clip{}, errors.Wrap(notFound(err), "unable to get clip by url")
	}
	return c, nil
}

// CountClipsSince counts submissions of any status made at or after since.
func (d *Database) CountClipsSince(ctx context.Context, submitter string, since int64) (int64, error) {
	n, err := d.count(ctx,
		`SELECT COUNT(*) FROM clips WHERE submitter = $1 AND submitted_at >= $2`,
		strings.ToLower(submitter), since,
	)
	return n, errors.Wrap(err, "unable to count clips for "+submitter)
}

// ApproveClip moves a pending clip to approved. The status condition is part
// of the update, so of two racing calls only one gets a row back.
func (d *Database) ApproveClip(ctx context.Context, id int64, reviewer string, points int64, note string, now int64) (Clip, error) {
	c, err := scanClip(d.q.QueryRowContext(ctx, `
		UPDATE clips SET status = $1, reviewer = $2, points_awarded = $3, reviewed_at = $4, note = $5
		WHERE id = $6 AND status = $7
		RETURNING `+clipColumns,
		string(ClipApproved), reviewer, points, now, note, id, string(ClipPending),
	))
	if nil != err {
		return Clip{}, errors.Wrap(notFound(err), "unable to approve clip")
	}
	return c, nil
}

func (d *Database) RejectClip(ctx context.Context, id int64, reviewer, note string, now int64) (Clip, error) {
	c, err := scanClip(d.q.QueryRowContext(ctx, `
		UPDATE clips SET status = $1, reviewer = $2, reviewed_at = $3, note = $4
		WHERE id = $5 AND status = $6
		RETURNING `+clipColumns,
		string(ClipRejected), reviewer, now, note, id, string(ClipPending),
	))
	if nil != err {
		return Clip{}, errors.Wrap(notFound(err), "unable to reject clip")
	}
	return c, nil
}

func (d *Database) ClipsByStatus(ctx context.Context, status ClipStatus, limit int) ([]Clip, error) {
	clips, err := d.clips(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE status = $1 ORDER BY submitted_at DESC, id DESC LIMIT $2`,
		string(status), limit,
	)
	return clips, errors.Wrap(err, "unable to list clips")
}

// ApprovedClips pages through approved clips, optionally filtered by a
// case-insensitive search over submitter, display name and note.
func (d *Database) ApprovedClips(ctx context.Context, search string, limit, offset int) ([]Clip, int64, error) {
	where := `status = $1`
	args := []interface{}{string(ClipApproved)}
	if search != "" {
		where += ` AND (LOWER(submitter) LIKE $2 OR LOWER(display_name) LIKE $3 OR LOWER(note) LIKE $4)`
		term := "%" + strings.ToLower(search) + "%"
		args = append(args, term, term, term)
	}

	total, err := d.count(ctx, `SELECT COUNT(*) FROM clips WHERE `+where, args...)
	if nil != err {
		return nil, 0, errors.Wrap(err, "unable to count approved clips")
	}

	n := len(args)
	query := `SELECT ` + clipColumns + ` FROM clips WHERE ` + where +
		` ORDER BY submitted_at DESC, id DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	clips, err := d.clips(ctx, query, append(args, limit, offset)...)
	if nil != err {
		return nil, 0, errors.Wrap(err, "unable to list approved clips")
	}
	return clips, total, nil
}
