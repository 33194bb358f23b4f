package bots

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// KnownBotsURL lists accounts that sit in many channels at once.
const KnownBotsURL = "https://api.twitchinsights.net/v1/bots/all"

type knownBotsResponse struct {
	Bots  [][]interface{} `json:"bots"`
	Total int             `json:"_total"`
}

type KnownBot struct {
	Username     string
	ChannelCount int
}

// FetchKnownBots downloads the public bot list. Malformed entries are skipped.
func FetchKnownBots(ctx context.Context, client *http.Client, url string) ([]KnownBot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if nil != err {
		return nil, errors.Wrap(err, "unable to create bot list request")
	}
	resp, err := client.Do(req)
	if nil != err {
		return nil, errors.Wrap(err, "unable to download bot list")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bot list returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, errors.Wrap(err, "unable to read bot list")
	}
	parsed := knownBotsResponse{}
	if err := json.Unmarshal(body, &parsed); nil != err {
		return nil, errors.Wrap(err, "unable to parse bot list")
	}

	list := make([]KnownBot, 0, len(parsed.Bots))
	for _, bot := range parsed.Bots {
		if len(bot) < 2 {
			continue
		}
		username, ok := bot[0].(string)
		if !ok {
			continue
		}
		channelCount, ok := bot[1].(float64)
		if !ok {
			continue
		}
		list = append(list, KnownBot{
			Username:     username,
			ChannelCount: int(channelCount),
		})
	}
	return list, nil
}

// Names filters bots seen in at least minChannels channels.
func Names(list []KnownBot, minChannels int) []string {
	names := make([]string, 0, len(list))
	for _, b := range list {
		if b.ChannelCount >= minChannels {
			names = append(names, b.Username)
		}
	}
	return names
}
