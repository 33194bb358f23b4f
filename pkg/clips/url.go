package clips

import (
	"net/url"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ClipURL is a recognised clip link.
type ClipURL struct {
	// Raw is the link as it was given.
	Raw     string
	ID      string
	// Channel is the broadcaster named in the link; clips.twitch.tv links
	// carry none.
	Channel string
}

// ParseURL accepts
//
//	https://clips.twitch.tv/<slug>
//	https://clips.twitch.tv/embed?clip=<slug>
//	https://www.twitch.tv/<channel>/clip/<slug>
//
// where the www host may also be twitch.tv or m.twitch.tv.
func ParseURL(raw string) (ClipURL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if nil != err || u.Host == "" {
		return ClipURL{}, ErrInvalidURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ClipURL{}, ErrInvalidURL
	}

	segments := []string{}
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}

	var c ClipURL
	switch strings.ToLower(u.Host) {
	case "clips.twitch.tv":
		switch {
		case len(segments) == 1 && segments[0] == "embed":
			c.ID = u.Query().Get("clip")
		case len(segments) == 1:
			c.ID = segments[0]
		}
	case "www.twitch.tv", "twitch.tv", "m.twitch.tv":
		if len(segments) == 3 && strings.EqualFold(segments[1], "clip") {
			c.Channel = strings.ToLower(segments[0])
			c.ID = segments[2]
		}
	}

	if !slugPattern.MatchString(c.ID) {
		return ClipURL{}, ErrInvalidURL
	}
	c.Raw = raw
	return c, nil
}

// URL is the canonical link of the clip. Every accepted shape of a link to
// the same clip has the same URL.
func (c ClipURL) URL() string {
	return "https://clips.twitch.tv/" + c.ID
}
