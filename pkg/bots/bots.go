// Package bots decides whether a chatter is a known bot or spam account and
// maintains the blacklist behind that decision.
package bots

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"go.uber.org/zap"
)

var ErrEmptyUsername = errors.New("username must not be empty")

type Store interface {
	Bot(ctx context.Context, username string) (data.BotEntry, error)
	UpsertBot(ctx context.Context, b data.BotEntry) error
	DeleteBot(ctx context.Context, username string) (int64, error)
	CleanupBots(ctx context.Context) (int64, error)
	Bots(ctx context.Context, limit int) ([]data.BotEntry, error)
}

type Classifier struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Classifier {
	return &Classifier{
		store:  store,
		logger: logger.Named("bots"),
		now:    time.Now,
	}
}

// Normalize lowercases and trims a login name.
func Normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(username), "@")))
}

// IsBot reports whether username is blacklisted. Rows with an empty or
// whitespace username never match anybody.
func (c *Classifier) IsBot(ctx context.Context, username string) (bool, error) {
	name := Normalize(username)
	if name == "" {
		return false, nil
	}

	b, err := c.store.Bot(ctx, name)
	if errors.Is(err, data.ErrNotFound) {
		return false, nil
	}
	if nil != err {
		return false, err
	}
	return strings.TrimSpace(b.Username) != "", nil
}

// Add blacklists username, replacing an existing entry.
func (c *Classifier) Add(ctx context.Context, username, reason, addedBy string) (data.BotEntry, error) {
	name := Normalize(username)
	if name == "" {
		return data.BotEntry{}, ErrEmptyUsername
	}
	if reason == "" {
		reason = "manual"
	}

	b := data.BotEntry{
		Username: name,
		Reason:   reason,
		AddedBy:  Normalize(addedBy),
		AddedAt:  c.now().UnixMilli(),
	}
	if err := c.store.UpsertBot(ctx, b); nil != err {
		return data.BotEntry{}, err
	}
	c.logger.Info("bot added", zap.String("username", name), zap.String("reason", reason), zap.String("by", b.AddedBy))
	return b, nil
}

// Remove reports whether an entry was deleted.
func (c *Classifier) Remove(ctx context.Context, username string) (bool, error) {
	name := Normalize(username)
	if name == "" {
		return false, ErrEmptyUsername
	}
	n, err := c.store.DeleteBot(ctx, name)
	if nil != err {
		return false, err
	}
	if n > 0 {
		c.logger.Info("bot removed", zap.String("username", name))
	}
	return n > 0, nil
}

// Cleanup deletes malformed rows and returns how many were removed.
func (c *Classifier) Cleanup(ctx context.Context) (int64, error) {
	n, err := c.store.CleanupBots(ctx)
	if nil != err {
		return 0, err
	}
	c.logger.Info("bot blacklist cleaned", zap.Int64("removed", n))
	return n, nil
}

func (c *Classifier) List(ctx context.Context, limit int) ([]data.BotEntry, error) {
	return c.store.Bots(ctx, limit)
}

// Lookup returns the entry for username or data.ErrNotFound.
func (c *Classifier) Lookup(ctx context.Context, username string) (data.BotEntry, error) {
	name := Normalize(username)
	if name == "" {
		return data.BotEntry{}, ErrEmptyUsername
	}
	return c.store.Bot(ctx, name)
}

// Import blacklists every name in names that is not empty and returns the
// number of entries written.
func (c *Classifier) Import(ctx context.Context, names []string, reason, addedBy string) (int, error) {
	added := 0
	for _, n := range names {
		if Normalize(n) == "" {
			continue
		}
		if _, err := c.Add(ctx, n, reason, addedBy); nil != err {
			return added, errors.Wrap(err, "unable to import bot "+n)
		}
		added++
	}
	return added, nil
}
