package twitch

import (
	"context"
	"strings"

	"github.com/nicklaw5/helix/v2"
	"go.uber.org/zap"
)

const maxChatterPages = 100

// Viewers lists the logins in the channel. The chatters endpoint needs the
// bot token with moderator rights; without it, or when it fails, the member
// list of the chat connection is used.
func (c *Client) Viewers(ctx context.Context) ([]string, error) {
	if nil != c.bot {
		names, err := c.chatters(ctx)
		if nil == err {
			return names, nil
		}
		c.logger.Warn("unable to get chatters, using chat member list", zap.Error(err))
	}
	if nil == c.chat {
		return nil, ErrUnavailable
	}

	names, err := c.chat.Userlist(c.config.Channel)
	if nil != err {
		return nil, unavailable("user list", err)
	}
	for i, n := range names {
		names[i] = strings.ToLower(n)
	}
	return names, nil
}

func (c *Client) chatters(ctx context.Context) ([]string, error) {
	broadcaster, err := c.UserID(ctx, c.config.Channel)
	if nil != err {
		return nil, err
	}
	moderator, err := c.UserID(ctx, c.config.BotLogin)
	if nil != err {
		return nil, err
	}

	names := []string{}
	cursor := ""
	for page := 0; page < maxChatterPages; page++ {
		if err := ctx.Err(); nil != err {
			return nil, err
		}
		resp, err := c.bot.GetChannelChatChatters(&helix.GetChatChattersParams{
			BroadcasterID: broadcaster,
			ModeratorID:   moderator,
			After:         cursor,
		})
		if nil != err {
			return nil, unavailable("get chatters", err)
		}
		if err := status("get chatters", resp.ResponseCommon); nil != err {
			return nil, err
		}
		for _, chatter := range resp.Data.Chatters {
			names = append(names, strings.ToLower(chatter.UserLogin))
		}
		cursor = resp.Data.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return names, nil
}
