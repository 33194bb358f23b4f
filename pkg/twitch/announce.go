package twitch

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nicklaw5/helix/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const announceTimeout = 30 * time.Second

// Announce posts message to the channel in the background. The API is tried
// first so the message carries the bot badge; the chat connection is the
// fallback. Failures are logged and never reported to the caller.
func (c *Client) Announce(ctx context.Context, message string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
		defer cancel()

		if nil != c.bot {
			err := c.send(ctx, message)
			c.metrics.IncAnnouncement("api", nil == err)
			if nil == err {
				return
			}
			c.logger.Warn("unable to send chat message through the api", zap.Error(err))
		}

		if nil == c.chat {
			c.logger.Error("unable to announce, no chat connection", zap.String("message", message))
			return
		}
		c.chat.Say(c.config.Channel, message)
		c.metrics.IncAnnouncement("irc", true)
	}()
}

func (c *Client) send(ctx context.Context, message string) error {
	broadcaster, err := c.UserID(ctx, c.config.Channel)
	if nil != err {
		return err
	}
	sender, err := c.UserID(ctx, c.config.BotLogin)
	if nil != err {
		return err
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.config.RetryInterval),
		backoff.WithMaxElapsedTime(announceTimeout),
	), c.config.Retries)

	return backoff.Retry(func() error {
		resp, err := c.bot.SendChatMessage(&helix.SendChatMessageParams{
			BroadcasterID: broadcaster,
			SenderID:      sender,
			Message:       message,
		})
		if nil != err {
			return unavailable("send chat message", err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			return status("send chat message", resp.ResponseCommon)
		}
		return backoff.Permanent(errors.Wrapf(ErrUnavailable, "send chat message: %d %s", resp.StatusCode, resp.ErrorMessage))
	}, backoff.WithContext(b, ctx))
}
