package main

import (
	"context"
	"strings"
	"testing"

	irc "github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meutraa/activitybot/pkg/commands"
	"gitlab.com/meutraa/activitybot/pkg/data/datatest"
)

func privmsg(name, text string, badges ...string) irc.PrivateMessage {
	m := irc.PrivateMessage{
		User: irc.User{
			Name:        name,
			DisplayName: strings.ToUpper(name[:1]) + name[1:],
			Badges:      map[string]int{},
		},
		Channel: "streamer",
		Message: text,
		Tags:    map[string]string{},
	}
	for _, b := range badges {
		m.User.Badges[b] = 1
	}
	return m
}

func TestProcessTracksAndReplies(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx := context.Background()

	assert.Nil(t, s.process(ctx, privmsg("alice", "hello everyone")))
	u, err := s.db.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Points)
	assert.Equal(t, "Alice", u.DisplayName)

	lines := s.process(ctx, privmsg("alice", "!points"))
	require.Len(t, lines, 1)
	assert.Equal(t, "@Alice Alice has 1 points (rank 1 of 1)", lines[0])

	u, err = s.db.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Points, "the cooldown applies to commands too")
	assert.Equal(t, int64(2), u.MessageCount)
}

func TestProcessIgnoresOwnMessages(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx := context.Background()

	assert.Nil(t, s.process(ctx, privmsg("ActivityBot", "!points")))
	_, err := s.db.User(ctx, "activitybot")
	assert.Error(t, err, "the bot never becomes a user")
}

func TestProcessRoles(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx := context.Background()
	datatest.User(t, s.db, "bob", 0)

	tests := []struct {
		name  string
		msg   irc.PrivateMessage
		reply string
	}{
		{"viewer", privmsg("viewer", "!give bob 5"), ""},
		{"moderator badge", privmsg("mod", "!give bob 5", "moderator"), "@bob +5 points! Total: 5"},
		{"broadcaster badge", privmsg("owner", "!give bob 5", "broadcaster"), "@bob +5 points! Total: 10"},
		{"channel owner", privmsg("streamer", "!give bob 5"), "@bob +5 points! Total: 15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := s.process(ctx, tt.msg)
			if tt.reply == "" {
				assert.Empty(t, lines)
				return
			}
			assert.Equal(t, []string{tt.reply}, lines)
		})
	}

	m := privmsg("mod", "!give bob 5")
	m.Tags["mod"] = "1"
	assert.Equal(t, []string{"@bob +5 points! Total: 20"}, s.process(ctx, m))
}

func TestProcessSplitsLongReplies(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		name := strings.Repeat("x", 40) + string(rune('a'+i/26)) + string(rune('a'+i%26))
		_, err := s.bots.Add(ctx, name, "test", "mod")
		require.NoError(t, err)
	}

	lines := s.process(ctx, privmsg("mod", "!botlist", "moderator"))
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "…"))
	for _, line := range lines {
		assert.LessOrEqual(t, len([]rune(line)), commands.MaxReplyLength+1)
	}
}
