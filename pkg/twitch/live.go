package twitch

import (
	"context"

	"github.com/nicklaw5/helix/v2"
)

// IsLive reports whether the channel is streaming. Answers are cached for
// LiveTTL. Without API access it returns ErrUnavailable, which callers treat
// as live.
func (c *Client) IsLive(ctx context.Context) (bool, error) {
	if nil == c.api {
		return false, ErrUnavailable
	}
	key := []byte("live:" + c.config.Channel)
	if v, err := c.cache.Get(key); nil == err {
		return string(v) == "1", nil
	}
	if err := ctx.Err(); nil != err {
		return false, err
	}

	resp, err := c.api.GetStreams(&helix.StreamsParams{
		First:      1,
		UserLogins: []string{c.config.Channel},
	})
	if nil != err {
		return false, unavailable("get streams", err)
	}
	if err := status("get streams", resp.ResponseCommon); nil != err {
		return false, err
	}

	live := false
	for _, s := range resp.Data.Streams {
		if s.Type == "live" {
			live = true
		}
	}
	value := "0"
	if live {
		value = "1"
	}
	_ = c.cache.Set(key, []byte(value), seconds(c.config.LiveTTL))
	return live, nil
}
