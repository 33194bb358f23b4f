// Package activity handles incoming chat messages: presence bookkeeping and
// the chat point pipeline.
package activity

import (
	"context"
	"time"

	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/keylock"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"gitlab.com/meutraa/activitybot/pkg/spam"
	"go.uber.org/zap"
)

// Message is one chat message of the channel.
type Message struct {
	Username    string
	DisplayName string
	Text        string
	Moderator   bool
	Broadcaster bool
}

// Privileged reports whether the sender may run moderator commands.
func (m Message) Privileged() bool {
	return m.Moderator || m.Broadcaster
}

type Store interface {
	TouchUser(ctx context.Context, username, displayName string, now int64) (data.User, error)
}

type Gate interface {
	LongEnough(text string) bool
	CanAward(ctx context.Context, username string) (bool, spam.Reason, error)
	Record(ctx context.Context, username string, length int) error
}

type BotChecker interface {
	IsBot(ctx context.Context, username string) (bool, error)
}

type LiveChecker interface {
	IsLive(ctx context.Context) (bool, error)
}

type Awarder interface {
	Award(ctx context.Context, username string, basePoints int64, reason string) (int64, error)
}

type Config struct {
	ChatPoints       bool
	PointsPerMessage int64
	OfflineCheck     bool
}

// Skip reasons reported in Outcome.
const (
	SkipDisabled = "disabled"
	SkipBot      = "bot"
	SkipOffline  = "offline"
	SkipFailed   = "failed"
)

// Outcome describes what happened to a message. A refused message is not an
// error; Skip names the check that refused it.
type Outcome struct {
	User    data.User
	Awarded bool
	Total   int64
	Skip    string
}

type Tracker struct {
	store   Store
	gate    Gate
	bots    BotChecker
	live    LiveChecker
	awarder Awarder
	config  Config
	locks   *keylock.Map
	logger  *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker. live may be nil, the stream then counts as live.
func New(store Store, gate Gate, bots BotChecker, live LiveChecker, awarder Awarder, config Config, logger *zap.Logger, rec metrics.Recorder, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		gate:    gate,
		bots:    bots,
		live:    live,
		awarder: awarder,
		config:  config,
		locks:   keylock.New(),
		logger:  logger.Named("activity"),
		metrics: rec,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// HandleMessage updates the presence of the sender and, when every check
// passes, awards the chat points. Errors are only returned for storage
// failures while updating the user record.
func (t *Tracker) HandleMessage(ctx context.Context, m Message) (Outcome, error) {
	u, err := t.store.TouchUser(ctx, m.Username, m.DisplayName, t.now().UnixMilli())
	if nil != err {
		return Outcome{}, err
	}

	o := t.chatPoints(ctx, u, m.Text)
	o.User = u
	if o.Awarded {
		t.metrics.IncChatOutcome("awarded")
	} else {
		t.metrics.IncChatOutcome(o.Skip)
	}
	return o, nil
}

func (t *Tracker) chatPoints(ctx context.Context, u data.User, text string) Outcome {
	if !t.config.ChatPoints {
		return Outcome{Skip: SkipDisabled}
	}
	if !t.gate.LongEnough(text) {
		return Outcome{Skip: string(spam.ReasonTooShort)}
	}

	unlock := t.locks.Lock(u.Username)
	defer unlock()

	bot, err := t.bots.IsBot(ctx, u.Username)
	if nil != err {
		t.logger.Warn("unable to check bot list, treating as human", zap.String("username", u.Username), zap.Error(err))
	}
	if bot {
		return Outcome{Skip: SkipBot}
	}

	if !t.streamLive(ctx) {
		return Outcome{Skip: SkipOffline}
	}

	ok, reason, err := t.gate.CanAward(ctx, u.Username)
	if nil != err {
		t.logger.Error("unable to check spam gate", zap.String("username", u.Username), zap.Error(err))
		return Outcome{Skip: SkipFailed}
	}
	if !ok {
		t.logger.Debug("chat points refused", zap.String("username", u.Username), zap.String("reason", string(reason)))
		return Outcome{Skip: string(reason)}
	}

	total, err := t.awarder.Award(ctx, u.Username, t.config.PointsPerMessage, ledger.ReasonChat)
	if nil != err {
		t.logger.Error("unable to award chat points", zap.String("username", u.Username), zap.Error(err))
		return Outcome{Skip: SkipFailed}
	}

	// The award is booked; a failed record only weakens the next check.
	if err := t.gate.Record(ctx, u.Username, len([]rune(text))); nil != err {
		t.logger.Error("unable to record chat message", zap.String("username", u.Username), zap.Error(err))
	}
	return Outcome{Awarded: true, Total: total}
}

func (t *Tracker) streamLive(ctx context.Context) bool {
	if !t.config.OfflineCheck || nil == t.live {
		return true
	}
	live, err := t.live.IsLive(ctx)
	if nil != err {
		t.logger.Warn("unable to check stream status, assuming live", zap.Error(err))
		return true
	}
	return live
}
