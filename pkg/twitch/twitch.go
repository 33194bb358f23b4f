// Package twitch adapts the Helix API and the chat connection to the
// collaborators the bot needs: live status, viewer list, clip owners and
// chat announcements.
package twitch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/nicklaw5/helix/v2"
	"github.com/pkg/errors"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when neither the API nor the chat connection
// can answer.
var ErrUnavailable = errors.New("twitch is unavailable")

const (
	DefaultLiveTTL = time.Minute
	userTTL        = time.Hour
	cacheSize      = 1024 * 1024
)

// Chat is the part of the IRC client the adapters use.
type Chat interface {
	Say(channel, text string)
	Userlist(channel string) ([]string, error)
}

type Config struct {
	Channel  string
	BotLogin string
	LiveTTL  time.Duration
	// Announcement retries against the API before falling back to chat.
	Retries       uint64
	RetryInterval time.Duration
}

// Client talks to Helix with an app token (api) and, when configured, with
// the user token of the bot account (bot). Either may be nil.
type Client struct {
	api     *helix.Client
	bot     *helix.Client
	chat    Chat
	config  Config
	cache   *freecache.Cache
	logger  *zap.Logger
	metrics metrics.Recorder
	wg      sync.WaitGroup
}

func New(api, bot *helix.Client, chat Chat, config Config, logger *zap.Logger, rec metrics.Recorder) *Client {
	if config.LiveTTL <= 0 {
		config.LiveTTL = DefaultLiveTTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 500 * time.Millisecond
	}
	if config.Retries == 0 {
		config.Retries = 3
	}
	return &Client{
		api:     api,
		bot:     bot,
		chat:    chat,
		config:  config,
		cache:   freecache.NewCache(cacheSize),
		logger:  logger.Named("twitch"),
		metrics: rec,
	}
}

// HasAPI reports whether live status and clip owners come from Helix.
func (c *Client) HasAPI() bool {
	return nil != c.api
}

// reader is the client used for public lookups.
func (c *Client) reader() *helix.Client {
	if nil != c.api {
		return c.api
	}
	return c.bot
}

func seconds(d time.Duration) int {
	if s := int(d / time.Second); s > 0 {
		return s
	}
	return 1
}

func unavailable(call string, err error) error {
	return errors.Wrap(ErrUnavailable, call+": "+err.Error())
}

func status(call string, resp helix.ResponseCommon) error {
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrUnavailable, "%s: %d %s", call, resp.StatusCode, resp.ErrorMessage)
	}
	return nil
}

// UserID resolves a login to its user id. Results are cached for an hour.
func (c *Client) UserID(ctx context.Context, login string) (string, error) {
	key := []byte("user:" + login)
	if id, err := c.cache.Get(key); nil == err {
		return string(id), nil
	}
	client := c.reader()
	if nil == client {
		return "", ErrUnavailable
	}
	if err := ctx.Err(); nil != err {
		return "", err
	}

	resp, err := client.GetUsers(&helix.UsersParams{Logins: []string{login}})
	if nil != err {
		return "", unavailable("get users", err)
	}
	if err := status("get users", resp.ResponseCommon); nil != err {
		return "", err
	}
	if len(resp.Data.Users) == 0 {
		return "", errors.Wrap(ErrUnavailable, "no user "+login)
	}

	id := resp.Data.Users[0].ID
	_ = c.cache.Set(key, []byte(id), seconds(userTTL))
	return id, nil
}

// login resolves a user id to its login.
func (c *Client) login(id string) (string, error) {
	resp, err := c.reader().GetUsers(&helix.UsersParams{IDs: []string{id}})
	if nil != err {
		return "", unavailable("get users", err)
	}
	if err := status("get users", resp.ResponseCommon); nil != err {
		return "", err
	}
	if len(resp.Data.Users) == 0 {
		return "", nil
	}
	return resp.Data.Users[0].Login, nil
}

// Wait blocks until every pending announcement has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}
