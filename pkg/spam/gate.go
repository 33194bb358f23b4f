// Package spam decides whether a chat message may earn points.
package spam

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"go.uber.org/zap"
)

// TrackingRetention is how long spam tracking rows are kept.
const TrackingRetention = time.Hour

const hourlyWindow = time.Hour

type Config struct {
	MinMessageLength     int
	Cooldown             time.Duration
	MaxPointsPerHour     int64
	MaxMessagesPerWindow int64
	DetectionWindow      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinMessageLength:     3,
		Cooldown:             10 * time.Second,
		MaxPointsPerHour:     60,
		MaxMessagesPerWindow: 6,
		DetectionWindow:      60 * time.Second,
	}
}

// Reason names the check that refused an award.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTooShort  Reason = "too-short"
	ReasonCooldown  Reason = "cooldown"
	ReasonHourlyCap Reason = "hourly-cap"
	ReasonRateLimit Reason = "rate-limit"
)

type Store interface {
	User(ctx context.Context, username string) (data.User, error)
	CountSpamEntries(ctx context.Context, username string, since int64) (int64, error)
	AddSpamEntry(ctx context.Context, username string, timestamp int64, length int) error
	PruneSpamEntries(ctx context.Context, before int64) (int64, error)
	RecordChatPoint(ctx context.Context, username string, now, windowStart int64) error
	ResetChatTracking(ctx context.Context, username string, now int64) (bool, error)
}

type Gate struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func New(store Store, config Config, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		config: config,
		logger: logger.Named("spam"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) Config() Config {
	return g.config
}

// LongEnough is the length check callers run before CanAward.
func (g *Gate) LongEnough(text string) bool {
	return utf8.RuneCountInString(text) >= g.config.MinMessageLength
}

// CanAward runs the cooldown, hourly cap and rate checks in that order and
// stops at the first failure. Users without a record always pass.
func (g *Gate) CanAward(ctx context.Context, username string) (bool, Reason, error) {
	now := g.now()
	u, err := g.store.User(ctx, username)
	if errors.Is(err, data.ErrNotFound) {
		return true, ReasonNone, nil
	}
	if nil != err {
		return false, ReasonNone, err
	}

	if now.Sub(time.UnixMilli(u.LastMessageTs)) < g.config.Cooldown {
		return false, ReasonCooldown, nil
	}

	if hourlyPoints(u, now) >= g.config.MaxPointsPerHour {
		return false, ReasonHourlyCap, nil
	}

	recent, err := g.store.CountSpamEntries(ctx, username, now.Add(-g.config.DetectionWindow).UnixMilli())
	if nil != err {
		return false, ReasonNone, err
	}
	if recent >= g.config.MaxMessagesPerWindow {
		return false, ReasonRateLimit, nil
	}
	return true, ReasonNone, nil
}

func hourlyPoints(u data.User, now time.Time) int64 {
	if now.Sub(time.UnixMilli(u.ChatPointsHourResetTs)) >= hourlyWindow {
		return 0
	}
	return u.ChatPointsLastHour
}

// Record books an accepted message: one tracking row, pruning of rows past
// the retention, and the cooldown and hourly counters of the user. It must
// run once per granted award and never for a refused message.
func (g *Gate) Record(ctx context.Context, username string, length int) error {
	now := g.now()
	nowMs := now.UnixMilli()

	if err := g.store.AddSpamEntry(ctx, username, nowMs, length); nil != err {
		return err
	}
	if _, err := g.store.PruneSpamEntries(ctx, now.Add(-TrackingRetention).UnixMilli()); nil != err {
		g.logger.Warn("unable to prune spam tracking", zap.Error(err))
	}
	return g.store.RecordChatPoint(ctx, username, nowMs, now.Add(-hourlyWindow).UnixMilli())
}

// State is the moderator view of a user's anti-spam counters.
type State struct {
	Username          string
	CanAward          bool
	Reason            Reason
	CooldownRemaining time.Duration
	PointsThisHour    int64
	MessagesInWindow  int64
}

// Inspect returns data.ErrNotFound for unknown users.
func (g *Gate) Inspect(ctx context.Context, username string) (State, error) {
	name := strings.ToLower(username)
	u, err := g.store.User(ctx, name)
	if nil != err {
		return State{}, err
	}

	ok, reason, err := g.CanAward(ctx, name)
	if nil != err {
		return State{}, err
	}
	now := g.now()
	recent, err := g.store.CountSpamEntries(ctx, name, now.Add(-g.config.DetectionWindow).UnixMilli())
	if nil != err {
		return State{}, err
	}

	remaining := g.config.Cooldown - now.Sub(time.UnixMilli(u.LastMessageTs))
	if remaining < 0 {
		remaining = 0
	}
	return State{
		Username:          u.Username,
		CanAward:          ok,
		Reason:            reason,
		CooldownRemaining: remaining,
		PointsThisHour:    hourlyPoints(u, now),
		MessagesInWindow:  recent,
	}, nil
}

// Reset clears the cooldown and hourly counter of username and reports
// whether the user exists.
func (g *Gate) Reset(ctx context.Context, username string) (bool, error) {
	ok, err := g.store.ResetChatTracking(ctx, strings.ToLower(username), g.now().UnixMilli())
	if nil != err {
		return false, err
	}
	if ok {
		g.logger.Info("spam tracking reset", zap.String("username", username))
	}
	return ok, nil
}
