// Package clips implements clip submissions and their moderator review.
package clips

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/keylock"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrInvalidURL          = errors.New("not a valid twitch clip url")
	ErrNotOwner            = errors.New("only your own clips can be submitted")
	ErrDailyLimit          = errors.New("daily clip limit reached")
	ErrAlreadySubmitted    = errors.New("clip already submitted")
	ErrSubmittedByOther    = errors.New("clip already submitted by someone else")
	ErrNotFoundOrProcessed = errors.New("clip not found or already processed")
	ErrInvalidPoints       = errors.New("points must not be negative")
	ErrAwardFailed         = errors.New("clip points could not be awarded, the clip is still pending")
)

const (
	OwnershipStrict     = "strict"
	OwnershipPermissive = "permissive"
)

type Store interface {
	InsertClip(ctx context.Context, c data.Clip) (data.Clip, error)
	Clip(ctx context.Context, id int64) (data.Clip, error)
	ClipByURL(ctx context.Context, url string) (data.Clip, error)
	CountClipsSince(ctx context.Context, submitter string, since int64) (int64, error)
	ApproveClip(ctx context.Context, id int64, reviewer string, points int64, note string, now int64) (data.Clip, error)
	RejectClip(ctx context.Context, id int64, reviewer, note string, now int64) (data.Clip, error)
	ClipsByStatus(ctx context.Context, status data.ClipStatus, limit int) ([]data.Clip, error)
	ApprovedClips(ctx context.Context, search string, limit, offset int) ([]data.Clip, int64, error)
}

// Awarder credits points in the same transaction as fn.
type Awarder interface {
	AwardWith(ctx context.Context, username string, basePoints int64, reason string, fn func(tx *data.Database) error) (int64, error)
}

// OwnerResolver returns the login of the clip's creator, or "" when it
// cannot be determined.
type OwnerResolver interface {
	ClipOwner(ctx context.Context, clip ClipURL) (string, error)
}

// Announcer posts to chat. Implementations must not block on delivery.
type Announcer interface {
	Announce(ctx context.Context, message string)
}

type Config struct {
	MaxPerDay int64
	Location  *time.Location
	Ownership string
}

type Workflow struct {
	store     Store
	awarder   Awarder
	owners    OwnerResolver
	announcer Announcer
	config    Config
	locks     *keylock.Map
	logger    *zap.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

func New(store Store, awarder Awarder, owners OwnerResolver, announcer Announcer, config Config, logger *zap.Logger, rec metrics.Recorder, opts ...Option) *Workflow {
	if nil == config.Location {
		config.Location = time.UTC
	}
	if config.Ownership == "" {
		config.Ownership = OwnershipStrict
	}
	w := &Workflow{
		store:     store,
		awarder:   awarder,
		owners:    owners,
		announcer: announcer,
		config:    config,
		locks:     keylock.New(),
		logger:    logger.Named("clips"),
		metrics:   rec,
		now:       time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	if w.config.Ownership == OwnershipPermissive {
		w.logger.Warn("clip ownership is not verified, any valid clip url is accepted")
	}
	return w
}

type Submission struct {
	Username    string
	DisplayName string
	URL         string
}

// Submit validates and stores a new pending clip. Checks run in order: url
// shape, ownership, daily quota, duplicates. The clip is stored under its
// canonical url, so another link to the same clip counts as a duplicate.
func (w *Workflow) Submit(ctx context.Context, s Submission) (data.Clip, error) {
	submitter := strings.ToLower(strings.TrimSpace(s.Username))
	unlock := w.locks.Lock(submitter)
	defer unlock()

	clip, err := ParseURL(s.URL)
	if nil != err {
		return w.refuse(submitter, ErrInvalidURL)
	}

	if err := w.checkOwner(ctx, clip, submitter); nil != err {
		return w.refuse(submitter, err)
	}

	now := w.now()
	count, err := w.store.CountClipsSince(ctx, submitter, startOfDay(now, w.config.Location).UnixMilli())
	if nil != err {
		return data.Clip{}, err
	}
	if count >= w.config.MaxPerDay {
		return w.refuse(submitter, ErrDailyLimit)
	}

	if err := w.checkDuplicate(ctx, clip.URL(), submitter); nil != err {
		return w.refuse(submitter, err)
	}

	inserted, err := w.store.InsertClip(ctx, data.Clip{
		Submitter:   submitter,
		DisplayName: s.DisplayName,
		ClipURL:     clip.URL(),
		ClipID:      clip.ID,
		SubmittedAt: now.UnixMilli(),
	})
	if nil != err {
		// A concurrent submission of the same url by another user wins the
		// unique constraint.
		if derr := w.checkDuplicate(ctx, clip.URL(), submitter); nil != derr {
			return w.refuse(submitter, derr)
		}
		return data.Clip{}, err
	}

	w.metrics.IncClip("submitted")
	w.logger.Info("clip submitted", zap.Int64("id", inserted.ID), zap.String("submitter", submitter), zap.String("url", inserted.ClipURL))
	return inserted, nil
}

func (w *Workflow) refuse(submitter string, err error) (data.Clip, error) {
	w.metrics.IncClip("refused")
	w.logger.Debug("clip refused", zap.String("submitter", submitter), zap.Error(err))
	return data.Clip{}, err
}

func (w *Workflow) checkOwner(ctx context.Context, clip ClipURL, submitter string) error {
	if w.config.Ownership == OwnershipPermissive {
		return nil
	}
	owner, err := w.owners.ClipOwner(ctx, clip)
	if nil != err {
		w.logger.Warn("unable to resolve clip owner", zap.String("url", clip.Raw), zap.Error(err))
		return ErrNotOwner
	}
	if owner == "" || !strings.EqualFold(owner, submitter) {
		return ErrNotOwner
	}
	return nil
}

func (w *Workflow) checkDuplicate(ctx context.Context, url, submitter string) error {
	existing, err := w.store.ClipByURL(ctx, url)
	if errors.Is(err, data.ErrNotFound) {
		return nil
	}
	if nil != err {
		return err
	}
	if existing.Submitter == submitter {
		return ErrAlreadySubmitted
	}
	return ErrSubmittedByOther
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

type Approval struct {
	Clip data.Clip
	// Total is the submitter's balance after the award, 0 when no points
	// were awarded.
	Total int64
}

// Approve moves a pending clip to approved, awards points to the submitter
// and announces the result. The status change and the award commit together.
// Only one of several concurrent approvals of the same clip succeeds.
func (w *Workflow) Approve(ctx context.Context, id int64, reviewer string, points int64, note string) (Approval, error) {
	if points < 0 {
		return Approval{}, ErrInvalidPoints
	}
	reviewer = strings.ToLower(reviewer)
	now := w.now().UnixMilli()

	var a Approval
	if points == 0 {
		clip, err := w.store.ApproveClip(ctx, id, reviewer, 0, note, now)
		if errors.Is(err, data.ErrNotFound) {
			return Approval{}, ErrNotFoundOrProcessed
		}
		if nil != err {
			return Approval{}, err
		}
		a.Clip = clip
	} else {
		pending, err := w.store.Clip(ctx, id)
		if errors.Is(err, data.ErrNotFound) || (nil == err && pending.Status != data.ClipPending) {
			return Approval{}, ErrNotFoundOrProcessed
		}
		if nil != err {
			return Approval{}, err
		}

		a.Total, err = w.awarder.AwardWith(ctx, pending.Submitter, points, ledger.ReasonClip, func(tx *data.Database) error {
			var err error
			a.Clip, err = tx.ApproveClip(ctx, id, reviewer, points, note, now)
			return err
		})
		if errors.Is(err, data.ErrNotFound) {
			return Approval{}, ErrNotFoundOrProcessed
		}
		if nil != err {
			w.logger.Error("unable to award clip points", zap.Int64("id", id), zap.String("submitter", pending.Submitter), zap.Error(err))
			return Approval{}, errors.Wrap(ErrAwardFailed, err.Error())
		}
	}

	w.metrics.IncClip("approved")
	w.logger.Info("clip approved",
		zap.Int64("id", id),
		zap.String("submitter", a.Clip.Submitter),
		zap.String("reviewer", a.Clip.Reviewer),
		zap.Int64("points", points),
	)
	if points > 0 {
		w.announcer.Announce(ctx, fmt.Sprintf("@%s your clip #%d was approved! +%d points (total: %d)", a.Clip.Name(), id, points, a.Total))
	} else {
		w.announcer.Announce(ctx, fmt.Sprintf("@%s your clip #%d was approved!", a.Clip.Name(), id))
	}
	return a, nil
}

// Reject moves a pending clip to rejected. Callers require a note.
func (w *Workflow) Reject(ctx context.Context, id int64, reviewer, note string) (data.Clip, error) {
	clip, err := w.store.RejectClip(ctx, id, strings.ToLower(reviewer), note, w.now().UnixMilli())
	if errors.Is(err, data.ErrNotFound) {
		return data.Clip{}, ErrNotFoundOrProcessed
	}
	if nil != err {
		return data.Clip{}, err
	}
	w.metrics.IncClip("rejected")
	w.logger.Info("clip rejected", zap.Int64("id", id), zap.String("reviewer", clip.Reviewer), zap.String("note", note))
	return clip, nil
}

func (w *Workflow) Pending(ctx context.Context, limit int) ([]data.Clip, error) {
	return w.store.ClipsByStatus(ctx, data.ClipPending, limit)
}

// Public pages through approved clips for the public gallery.
func (w *Workflow) Public(ctx context.Context, search string, limit, offset int) ([]data.Clip, int64, error) {
	return w.store.ApprovedClips(ctx, strings.TrimSpace(search), limit, offset)
}

func (w *Workflow) Get(ctx context.Context, id int64) (data.Clip, error) {
	return w.store.Clip(ctx, id)
}
