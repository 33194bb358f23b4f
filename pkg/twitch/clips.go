package twitch

import (
	"context"
	"strings"

	"github.com/nicklaw5/helix/v2"
	"gitlab.com/meutraa/activitybot/pkg/clips"
)

// ClipOwner returns the login of the clip's creator. Without API access the
// channel named in the link stands in for the creator; links without a
// channel then resolve to "".
func (c *Client) ClipOwner(ctx context.Context, clip clips.ClipURL) (string, error) {
	if nil == c.reader() {
		return clip.Channel, nil
	}
	if err := ctx.Err(); nil != err {
		return "", err
	}

	resp, err := c.reader().GetClips(&helix.ClipsParams{IDs: []string{clip.ID}})
	if nil != err {
		return "", unavailable("get clips", err)
	}
	if err := status("get clips", resp.ResponseCommon); nil != err {
		return "", err
	}
	if len(resp.Data.Clips) == 0 || resp.Data.Clips[0].CreatorID == "" {
		return "", nil
	}

	login, err := c.login(resp.Data.Clips[0].CreatorID)
	if nil != err {
		return "", err
	}
	return strings.ToLower(login), nil
}
