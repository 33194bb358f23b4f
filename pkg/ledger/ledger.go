// Package ledger is the only place where point balances change.
package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/keylock"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"go.uber.org/zap"
)

// AuditThreshold is the largest award that is not logged as a warning.
const AuditThreshold = 50

const (
	ReasonChat       = "chat-message"
	ReasonViewtime   = "viewtime"
	ReasonClip       = "clip-approved"
	ReasonAdmin      = "admin-grant"
	ReasonDropAll    = "drop-all"
	ReasonDropRandom = "drop-random"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidMonth  = errors.New("month must have the form YYYY-MM")
)

type Store interface {
	AddPoints(ctx context.Context, username string, delta int64) (int64, error)
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string, now int64) error
	TopScorers(ctx context.Context, limit int) ([]data.User, error)
	CloseMonth(ctx context.Context, month string, winners []data.Winner, now int64) (int64, error)
	ResetPoints(ctx context.Context) (int64, error)
	InTx(ctx context.Context, fn func(tx *data.Database) error) error
}

type pointsStore interface {
	AddPoints(ctx context.Context, username string, delta int64) (int64, error)
	Setting(ctx context.Context, key string) (string, bool, error)
}

// Ledger serializes balance changes per username. Awards share the read side
// of reset, so a month end never runs while an award is in flight.
type Ledger struct {
	store   Store
	locks   *keylock.Map
	reset   sync.RWMutex
	logger  *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, logger *zap.Logger, rec metrics.Recorder, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		locks:   keylock.New(),
		logger:  logger.Named("ledger"),
		metrics: rec,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Award credits basePoints to username, doubled while double points are
// enabled, and returns the new balance. The user must already exist.
func (l *Ledger) Award(ctx context.Context, username string, basePoints int64, reason string) (int64, error) {
	if basePoints <= 0 {
		return 0, ErrInvalidAmount
	}
	name := normalize(username)

	l.reset.RLock()
	defer l.reset.RUnlock()
	unlock := l.locks.Lock(name)
	defer unlock()

	final, err := l.finalPoints(ctx, l.store, basePoints)
	if nil != err {
		return 0, err
	}
	return l.apply(ctx, l.store, name, final, reason)
}

// AwardWith runs fn and the award in one transaction, fn first. When either
// fails both are rolled back, so fn can record what the award was for.
func (l *Ledger) AwardWith(ctx context.Context, username string, basePoints int64, reason string, fn func(tx *data.Database) error) (int64, error) {
	if basePoints <= 0 {
		return 0, ErrInvalidAmount
	}
	name := normalize(username)

	l.reset.RLock()
	defer l.reset.RUnlock()
	unlock := l.locks.Lock(name)
	defer unlock()

	var total int64
	err := l.store.InTx(ctx, func(tx *data.Database) error {
		if err := fn(tx); nil != err {
			return err
		}
		final, err := l.finalPoints(ctx, tx, basePoints)
		if nil != err {
			return err
		}
		total, err = l.apply(ctx, tx, name, final, reason)
		return err
	})
	if nil != err {
		return 0, err
	}
	return total, nil
}

func (l *Ledger) finalPoints(ctx context.Context, store pointsStore, basePoints int64) (int64, error) {
	double, err := doublePoints(ctx, store)
	if nil != err {
		return 0, err
	}
	if double && basePoints > 0 {
		return basePoints * 2, nil
	}
	return basePoints, nil
}

func (l *Ledger) apply(ctx context.Context, store pointsStore, username string, final int64, reason string) (int64, error) {
	total, err := store.AddPoints(ctx, username, final)
	if errors.Is(err, data.ErrNotFound) {
		return 0, errors.Wrap(ErrUserNotFound, username)
	}
	if nil != err {
		return 0, err
	}

	l.metrics.IncAward(reason, final)
	if final > AuditThreshold {
		l.metrics.IncAudit()
		l.logger.Warn("large award",
			zap.String("username", username),
			zap.Int64("points", final),
			zap.String("reason", reason),
			zap.Int64("total", total),
		)
	} else {
		l.logger.Debug("points awarded",
			zap.String("username", username),
			zap.Int64("points", final),
			zap.String("reason", reason),
			zap.Int64("total", total),
		)
	}
	return total, nil
}

// Conversion is the outcome of one viewtime credit.
type Conversion struct {
	Points    int64
	Remainder int64
	Total     int64
}

// ConvertViewtime adds seconds to the viewtime of username and turns every
// whole secondsPerPoint into one point. The remainder stays stored, so it is
// always below secondsPerPoint afterwards.
func (l *Ledger) ConvertViewtime(ctx context.Context, username string, seconds, secondsPerPoint int64) (Conversion, error) {
	if seconds <= 0 || secondsPerPoint <= 0 {
		return Conversion{}, ErrInvalidAmount
	}
	name := normalize(username)

	l.reset.RLock()
	defer l.reset.RUnlock()
	unlock := l.locks.Lock(name)
	defer unlock()

	double, err := l.DoublePoints(ctx)
	if nil != err {
		return Conversion{}, err
	}

	var c Conversion
	err = l.store.InTx(ctx, func(tx *data.Database) error {
		current, err := tx.ViewSeconds(ctx, name)
		if errors.Is(err, data.ErrNotFound) {
			return errors.Wrap(ErrUserNotFound, name)
		}
		if nil != err {
			return err
		}

		accumulated := current + seconds
		c.Points = accumulated / secondsPerPoint
		c.Remainder = accumulated % secondsPerPoint

		if c.Points > 0 {
			final := c.Points
			if double {
				final *= 2
			}
			total, err := l.apply(ctx, tx, name, final, ReasonViewtime)
			if nil != err {
				return err
			}
			c.Points = final
			c.Total = total
		}
		return tx.SetViewSeconds(ctx, name, c.Remainder)
	})
	if nil != err {
		return Conversion{}, err
	}
	return c, nil
}

// DoublePoints reads the toggle on every call; nothing is cached.
func (l *Ledger) DoublePoints(ctx context.Context) (bool, error) {
	return doublePoints(ctx, l.store)
}

func doublePoints(ctx context.Context, store pointsStore) (bool, error) {
	value, ok, err := store.Setting(ctx, data.SettingDoublePoints)
	if nil != err {
		return false, err
	}
	return ok && value == "true", nil
}

func (l *Ledger) SetDoublePoints(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	if err := l.store.SetSetting(ctx, data.SettingDoublePoints, value, l.now().UnixMilli()); nil != err {
		return err
	}
	l.logger.Info("double points changed", zap.Bool("enabled", enabled))
	return nil
}

// ToggleDoublePoints flips the toggle and returns the new state.
func (l *Ledger) ToggleDoublePoints(ctx context.Context) (bool, error) {
	enabled, err := l.DoublePoints(ctx)
	if nil != err {
		return false, err
	}
	if err := l.SetDoublePoints(ctx, !enabled); nil != err {
		return false, err
	}
	return !enabled, nil
}

// EndMonth stores winners for month, ranked in the given order, and resets
// every balance and viewtime. It waits for in-flight awards to finish.
func (l *Ledger) EndMonth(ctx context.Context, month string, winners []data.Winner) (int64, error) {
	if _, err := time.Parse("2006-01", month); nil != err {
		return 0, ErrInvalidMonth
	}

	l.reset.Lock()
	defer l.reset.Unlock()
	return l.closeMonth(ctx, month, winners)
}

// EndMonthTop is EndMonth with the count highest balances above zero as the
// winners. They are read after in-flight awards finished and before any new
// award starts, so the recorded points are the balances that get reset.
func (l *Ledger) EndMonthTop(ctx context.Context, month string, count int) ([]data.Winner, error) {
	if _, err := time.Parse("2006-01", month); nil != err {
		return nil, ErrInvalidMonth
	}

	l.reset.Lock()
	defer l.reset.Unlock()

	users, err := l.store.TopScorers(ctx, count)
	if nil != err {
		return nil, err
	}
	winners := make([]data.Winner, len(users))
	for i, u := range users {
		winners[i] = data.Winner{Username: u.Username, DisplayName: u.DisplayName, Points: u.Points}
	}
	if _, err := l.closeMonth(ctx, month, winners); nil != err {
		return nil, err
	}
	return winners, nil
}

func (l *Ledger) closeMonth(ctx context.Context, month string, winners []data.Winner) (int64, error) {
	n, err := l.store.CloseMonth(ctx, month, winners, l.now().UnixMilli())
	if nil != err {
		return 0, err
	}
	l.logger.Info("month closed", zap.String("month", month), zap.Int("winners", len(winners)), zap.Int64("users", n))
	return n, nil
}

// Reset zeroes every balance without recording winners.
func (l *Ledger) Reset(ctx context.Context) (int64, error) {
	l.reset.Lock()
	defer l.reset.Unlock()

	n, err := l.store.ResetPoints(ctx)
	if nil != err {
		return 0, err
	}
	l.logger.Info("points reset", zap.Int64("users", n))
	return n, nil
}
