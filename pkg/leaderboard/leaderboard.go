// Package leaderboard is the read side of the points: rankings, active users,
// winner history and the monthly close.
package leaderboard

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MonthlySchedule runs the close at midnight on the first of every month.
const MonthlySchedule = "0 0 1 * *"

// WinnerCount is how many users the monthly close records.
const WinnerCount = 2

const monthLayout = "2006-01"

type Store interface {
	TopUsers(ctx context.Context, limit int) ([]data.User, error)
	ActiveUsers(ctx context.Context, since int64) ([]data.User, error)
	Winners(ctx context.Context, limit int) ([]data.Winner, error)
	User(ctx context.Context, username string) (data.User, error)
	UserRank(ctx context.Context, points int64) (int64, error)
	CountUsers(ctx context.Context) (int64, error)
}

// Closer snapshots winners and resets every balance.
type Closer interface {
	EndMonth(ctx context.Context, month string, winners []data.Winner) (int64, error)
	EndMonthTop(ctx context.Context, month string, count int) ([]data.Winner, error)
}

type Announcer interface {
	Announce(ctx context.Context, message string)
}

type Config struct {
	PresenceTimeout time.Duration
	Location        *time.Location
}

// Entry is one row of a ranking.
type Entry struct {
	Rank        int    `json:"rank"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Points      int64  `json:"points"`
}

type Board struct {
	store     Store
	closer    Closer
	announcer Announcer
	config    Config
	printer   *message.Printer
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Board)

func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

func New(store Store, closer Closer, announcer Announcer, config Config, logger *zap.Logger, opts ...Option) *Board {
	if nil == config.Location {
		config.Location = time.UTC
	}
	b := &Board{
		store:     store,
		closer:    closer,
		announcer: announcer,
		config:    config,
		printer:   message.NewPrinter(language.English),
		logger:    logger.Named("leaderboard"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func rank(users []data.User) []Entry {
	entries := make([]Entry, len(users))
	for i, u := range users {
		entries[i] = Entry{Rank: i + 1, Username: u.Username, DisplayName: u.Name(), Points: u.Points}
	}
	return entries
}

// Top ranks the n users with the highest balance.
func (b *Board) Top(ctx context.Context, n int) ([]Entry, error) {
	users, err := b.store.TopUsers(ctx, n)
	if nil != err {
		return nil, err
	}
	return rank(users), nil
}

// Active returns the users seen within the presence timeout.
func (b *Board) Active(ctx context.Context) ([]data.User, error) {
	return b.store.ActiveUsers(ctx, b.now().Add(-b.config.PresenceTimeout).UnixMilli())
}

func (b *Board) Winners(ctx context.Context, limit int) ([]data.Winner, error) {
	return b.store.Winners(ctx, limit)
}

// Users lists full user records ordered by balance.
func (b *Board) Users(ctx context.Context, limit int) ([]data.User, error) {
	return b.store.TopUsers(ctx, limit)
}

// Stats is the public profile of one user.
type Stats struct {
	data.User
	Rank       int64 `json:"rank"`
	TotalUsers int64 `json:"total_users"`
	Active     bool  `json:"active"`
}

func (b *Board) Stats(ctx context.Context, username string) (Stats, error) {
	u, err := b.store.User(ctx, username)
	if nil != err {
		return Stats{}, err
	}
	r, err := b.store.UserRank(ctx, u.Points)
	if nil != err {
		return Stats{}, err
	}
	total, err := b.store.CountUsers(ctx)
	if nil != err {
		return Stats{}, err
	}
	seen := time.UnixMilli(u.LastSeenTs)
	return Stats{
		User:       u,
		Rank:       r,
		TotalUsers: total,
		Active:     b.now().Sub(seen) < b.config.PresenceTimeout,
	}, nil
}

// CurrentMonth is the month key of now in the configured timezone.
func (b *Board) CurrentMonth() string {
	return b.now().In(b.config.Location).Format(monthLayout)
}

// PreviousMonth is the month key of the month before now.
func (b *Board) PreviousMonth() string {
	now := b.now().In(b.config.Location)
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, b.config.Location)
	return first.AddDate(0, -1, 0).Format(monthLayout)
}

// EndMonth records the given winners for the current month, resets every
// balance and announces the result.
func (b *Board) EndMonth(ctx context.Context, winners []data.Winner) (string, error) {
	month := b.CurrentMonth()
	if _, err := b.closer.EndMonth(ctx, month, winners); nil != err {
		return month, errors.Wrap(err, "unable to close month "+month)
	}
	b.announce(ctx, month, winners)
	return month, nil
}

// CloseMonth makes the top scorers the winners of month.
func (b *Board) CloseMonth(ctx context.Context, month string) ([]data.Winner, error) {
	winners, err := b.closer.EndMonthTop(ctx, month, WinnerCount)
	if nil != err {
		return nil, errors.Wrap(err, "unable to close month "+month)
	}
	b.announce(ctx, month, winners)
	return winners, nil
}

func (b *Board) announce(ctx context.Context, month string, winners []data.Winner) {
	if len(winners) > 0 {
		b.announcer.Announce(ctx, b.announcement(month, winners))
	}
	b.announcer.Announce(ctx, "All points have been reset for the new month!")
}

func (b *Board) announcement(month string, winners []data.Winner) string {
	parts := make([]string, len(winners))
	for i, w := range winners {
		name := w.DisplayName
		if name == "" {
			name = w.Username
		}
		parts[i] = b.printer.Sprintf("%d. %s (%d points)", i+1, name, w.Points)
	}
	return "Winners of " + month + ": " + strings.Join(parts, " | ")
}

// Schedule registers the monthly close on c. The cron instance decides the
// timezone; build it with cron.WithLocation.
func (b *Board) Schedule(c *cron.Cron) (cron.EntryID, error) {
	return c.AddFunc(MonthlySchedule, func() {
		month := b.PreviousMonth()
		b.logger.Info("running monthly close", zap.String("month", month))
		winners, err := b.CloseMonth(context.Background(), month)
		if nil != err {
			b.logger.Error("monthly close failed", zap.String("month", month), zap.Error(err))
			return
		}
		b.logger.Info("monthly close done", zap.String("month", month), zap.Int("winners", len(winners)))
	})
}
