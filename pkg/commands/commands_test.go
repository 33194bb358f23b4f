package commands_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meutraa/activitybot/pkg/activity"
	"gitlab.com/meutraa/activitybot/pkg/bots"
	"gitlab.com/meutraa/activitybot/pkg/clips"
	"gitlab.com/meutraa/activitybot/pkg/commands"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/data/datatest"
	"gitlab.com/meutraa/activitybot/pkg/leaderboard"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"gitlab.com/meutraa/activitybot/pkg/spam"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type ownerFromChannel struct{}

func (ownerFromChannel) ClipOwner(_ context.Context, clip clips.ClipURL) (string, error) {
	return clip.Channel, nil
}

type announcements struct {
	mu       sync.Mutex
	messages []string
}

func (a *announcements) Announce(_ context.Context, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
}

type live bool

func (l live) IsLive(context.Context) (bool, error) { return bool(l), nil }

type fixture struct {
	db          *data.Database
	interpreter *commands.Interpreter
	announcer   *announcements
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := datatest.New(t)
	logger := zaptest.NewLogger(t)
	a := &announcements{}
	l := ledger.New(db, logger, metrics.Noop{}, ledger.WithClock(clock))
	w := clips.New(db, l, ownerFromChannel{}, a, clips.Config{MaxPerDay: 3}, logger, metrics.Noop{}, clips.WithClock(clock))
	g := spam.New(db, spam.DefaultConfig(), logger, spam.WithClock(clock))
	board := leaderboard.New(db, l, a, leaderboard.Config{PresenceTimeout: 2 * time.Minute}, logger, leaderboard.WithClock(clock))
	config := commands.Config{
		ChatPoints:      true,
		ViewtimePoints:  true,
		OfflineCheck:    true,
		SecondsPerPoint: 60,
		MaxClipsPerDay:  3,
	}
	// identity shuffle keeps !droprandom deterministic
	noShuffle := commands.WithShuffle(func(int, func(i, j int)) {})
	return &fixture{
		db:          db,
		interpreter: commands.New(l, w, bots.New(db, logger), g, board, live(true), config, logger, noShuffle),
		announcer:   a,
	}
}

func viewer(name, text string) activity.Message {
	return activity.Message{Username: name, DisplayName: strings.ToUpper(name[:1]) + name[1:], Text: text}
}

func mod(name, text string) activity.Message {
	m := viewer(name, text)
	m.Moderator = true
	return m
}

func (f *fixture) handle(m activity.Message) string {
	return f.interpreter.Handle(context.Background(), m)
}

func (f *fixture) points(t *testing.T, username string) int64 {
	t.Helper()

	u, err := f.db.User(context.Background(), username)
	require.NoError(t, err)
	return u.Points
}

// seen makes username active at now.
func (f *fixture) seen(t *testing.T, username string) {
	t.Helper()

	_, err := f.db.TouchUser(context.Background(), username, username, now.UnixMilli())
	require.NoError(t, err)
}

func TestIgnoresPlainMessages(t *testing.T) {
	t.Parallel()

	f := setup(t)
	assert.Empty(t, f.handle(viewer("alice", "hello !points")))
	assert.Empty(t, f.handle(viewer("alice", "   ")))
	assert.Empty(t, f.handle(viewer("alice", "!unknown")))
}

func TestPoints(t *testing.T) {
	t.Parallel()

	f := setup(t)
	datatest.User(t, f.db, "alice", 1200)
	datatest.User(t, f.db, "bob", 3000)

	assert.Equal(t, "@Alice alice has 1,200 points (rank 2 of 2)", f.handle(viewer("alice", "!points")))
	assert.Equal(t, "@Alice bob has 3,000 points (rank 1 of 2)", f.handle(viewer("alice", "!punkte @Bob")))
	assert.Equal(t, "@Alice ghost has no points yet.", f.handle(viewer("alice", "!points ghost")))
}

func TestTop(t *testing.T) {
	t.Parallel()

	f := setup(t)
	assert.Equal(t, "Nobody has points yet.", f.handle(viewer("alice", "!top")))

	datatest.User(t, f.db, "alice", 5)
	datatest.User(t, f.db, "bob", 1500)
	assert.Equal(t, "Top 2: 1. bob: 1,500 | 2. alice: 5", f.handle(viewer("alice", "!leaderboard")))
}

func TestWatchtime(t *testing.T) {
	t.Parallel()

	f := setup(t)
	datatest.User(t, f.db, "alice", 0)
	require.NoError(t, f.db.SetViewSeconds(context.Background(), "alice", 45))

	reply := f.handle(viewer("alice", "!watchtime"))
	assert.Contains(t, reply, "45 seconds")
	assert.Contains(t, reply, "next point in 15 seconds")
}

func TestModeratorCommandsIgnoredForViewers(t *testing.T) {
	t.Parallel()

	f := setup(t)
	datatest.User(t, f.db, "alice", 0)

	for _, text := range []string{
		"!give alice 100", "!dropall 10", "!droprandom 10 1", "!clips pending",
		"!clipapprove 1 10", "!clipreject 1 bad", "!botlist", "!botadd alice",
		"!botremove alice", "!botcheck alice", "!botclean", "!spamconfig",
		"!spamcheck alice", "!spamreset alice", "!streamconfig",
	} {
		assert.Empty(t, f.handle(viewer("alice", text)), text)
	}
	assert.Zero(t, f.points(t, "alice"))
	assert.Contains(t, f.handle(viewer("alice", "!doublepoints")), "only admins")
}

func TestGive(t *testing.T) {
	t.Parallel()

	f := setup(t)
	datatest.User(t, f.db, "bob", 0)

	assert.Equal(t, "@bob +5 points! Total: 5", f.handle(mod("mod", "!give @Bob 5")))
	for _, amount := range []string{"0", "-3", "lots"} {
		assert.Contains(t, f.handle(mod("mod", "!give bob "+amount)), "invalid amount", amount)
	}
	assert.Contains(t, f.handle(mod("mod", "!give ghost 5")), "not found")
	assert.Contains(t, f.handle(mod("mod", "!give bob")), "Usage")
	assert.Equal(t, int64(5), f.points(t, "bob"))

	broadcaster := viewer("streamer", "!give bob 1")
	broadcaster.Broadcaster = true
	assert.NotEmpty(t, f.handle(broadcaster))
	assert.Equal(t, int64(6), f.points(t, "bob"))
}

func TestDoublePoints(t *testing.T) {
	t.Parallel()

	f := setup(t)
	datatest.User(t, f.db, "bob", 0)

	assert.Contains(t, f.handle(mod("mod", "!doublepoints")), "ON")
	f.handle(mod("mod", "!give bob 10"))
	assert.Equal(t, int64(20), f.points(t, "bob"))

	assert.Contains(t, f.handle(mod("mod", "!doublepoints")), "OFF")
	f.handle(mod("mod", "!give bob 10"))
	assert.Equal(t, int64(30), f.points(t, "bob"))
}

func TestDrops(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.seen(t, "alice")
	f.seen(t, "bob")
	f.seen(t, "carol")
	datatest.User(t, f.db, "idle", 0)

	assert.Equal(t, "All 3 active users received +10 points!", f.handle(mod("mod", "!dropall 10")))
	assert.Equal(t, int64(10), f.points(t, "carol"))
	assert.Zero(t, f.points(t, "idle"))

	assert.Equal(t, "2 random users received +5 points!", f.handle(mod("mod", "!droprandom 5 2")))
	assert.Equal(t, int64(15), f.points(t, "alice"))
	assert.Equal(t, int64(15), f.points(t, "bob"))
	assert.Equal(t, int64(10), f.points(t, "carol"))

	assert.Equal(t, "3 random users received +1 points!", f.handle(mod("mod", "!droprandom 1 50")))
	assert.Contains(t, f.handle(mod("mod", "!droprandom 0 2")), "invalid parameters")
	assert.Contains(t, f.handle(mod("mod", "!dropall")), "Usage")
}

func TestClipCommands(t *testing.T) {
	t.Parallel()

	f := setup(t)
	datatest.User(t, f.db, "bob", 7)

	assert.Contains(t, f.handle(viewer("bob", "!submitclip")), "Usage")
	assert.Contains(t, f.handle(viewer("bob", "!submitclip https://example.com/clip")), "not a valid")
	assert.Contains(t, f.handle(viewer("bob", "!submitclip https://www.twitch.tv/alice/clip/Other")), "your own clips")

	assert.Equal(t, "@Bob clip #1 was submitted for review!",
		f.handle(viewer("bob", "!submitclip https://www.twitch.tv/bob/clip/Funny-Slug")))
	assert.Contains(t, f.handle(viewer("bob", "!submitclip https://www.twitch.tv/bob/clip/Funny-Slug")), "already submitted")
	assert.Equal(t, "Pending clips: 1: @bob", f.handle(mod("mod", "!clips pending")))

	assert.Contains(t, f.handle(mod("mod", "!clipapprove x 5")), "invalid")
	assert.Contains(t, f.handle(mod("mod", "!clipapprove 1 -5")), "invalid")
	assert.Empty(t, f.handle(mod("mod", "!clipapprove 1 15 great clip")))
	assert.Equal(t, int64(22), f.points(t, "bob"))
	assert.Contains(t, f.handle(mod("mod", "!clipapprove 1 15")), "not found or already processed")
	assert.Equal(t, int64(22), f.points(t, "bob"))
	assert.Equal(t, "No pending clips!", f.handle(mod("mod", "!clips pending")))

	// carol never chatted, so there is no balance to credit
	assert.Equal(t, "@Carol clip #2 was submitted for review!",
		f.handle(viewer("carol", "!submitclip https://www.twitch.tv/carol/clip/Quiet")))
	assert.Contains(t, f.handle(mod("mod", "!clipapprove 2 5")), "still pending")
	assert.Equal(t, "Pending clips: 2: @carol", f.handle(mod("mod", "!clips pending")))

	f.announcer.mu.Lock()
	assert.Equal(t, []string{"@Bob your clip #1 was approved! +15 points (total: 22)"}, f.announcer.messages)
	f.announcer.mu.Unlock()
}

func TestClipReject(t *testing.T) {
	t.Parallel()

	f := setup(t)
	datatest.User(t, f.db, "bob", 0)
	f.handle(viewer("bob", "!submitclip https://clips.twitch.tv/embed?clip=Slug"))
	// clips.twitch.tv links carry no channel, so the owner is unknown
	assert.Equal(t, "No pending clips!", f.handle(mod("mod", "!clips pending")))

	f.handle(viewer("bob", "!submitclip https://twitch.tv/bob/clip/Slug"))
	assert.Contains(t, f.handle(mod("mod", "!clipreject 1")), "Usage", "a note is required")
	assert.Equal(t, "Clip 1 rejected.", f.handle(mod("mod", "!clipreject 1 too blurry")))
	assert.Contains(t, f.handle(mod("mod", "!clipreject 1 again")), "not found or already processed")
}

func TestBotCommands(t *testing.T) {
	t.Parallel()

	f := setup(t)

	assert.Equal(t, "@Mod the bot list is empty.", f.handle(mod("mod", "!botlist")))
	assert.Equal(t, "@Mod nightbot was added to the bot list.", f.handle(mod("mod", "!botadd @NightBot chat helper")))
	assert.Equal(t, "@Mod nightbot is on the bot list (reason: chat helper)", f.handle(mod("mod", "!botcheck nightbot")))
	assert.Equal(t, "@Mod Bot list: nightbot (chat helper)", f.handle(mod("mod", "!botlist")))
	assert.Equal(t, "@Mod nightbot was removed from the bot list.", f.handle(mod("mod", "!botremove nightbot")))
	assert.Equal(t, "@Mod nightbot was not on the bot list.", f.handle(mod("mod", "!botremove nightbot")))
	assert.Equal(t, "@Mod nightbot is NOT on the bot list.", f.handle(mod("mod", "!botcheck nightbot")))
	assert.Equal(t, "@Mod bot list cleaned, 0 empty entries removed.", f.handle(mod("mod", "!botclean")))
}

func TestSpamCommands(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	datatest.User(t, f.db, "alice", 0)
	require.NoError(t, f.db.RecordChatPoint(ctx, "alice", now.Add(-4*time.Second).UnixMilli(), now.Add(-time.Hour).UnixMilli()))

	assert.Equal(t, "@Mod Anti-spam config: min 3 chars, 10s cooldown, max 6 msgs per 1m0s, max 60 points/hour",
		f.handle(mod("mod", "!spamconfig")))
	assert.Equal(t, "@Mod alice: can receive points: false, cooldown: 6s, hourly points: 1/60, messages in window: 0/6",
		f.handle(mod("mod", "!spamcheck alice")))
	assert.Equal(t, "@Mod user ghost not found!", f.handle(mod("mod", "!spamcheck ghost")))
	assert.Equal(t, "@Mod spam data for alice was reset.", f.handle(mod("mod", "!spamreset alice")))
	assert.Contains(t, f.handle(mod("mod", "!spamcheck alice")), "can receive points: true")
	assert.Equal(t, "@Mod user ghost not found!", f.handle(mod("mod", "!spamreset ghost")))
}

func TestStreamConfig(t *testing.T) {
	t.Parallel()

	f := setup(t)
	assert.Equal(t, "@Mod Stream config: offline check ENABLED, current status: LIVE, chat points ON, viewtime points ON",
		f.handle(mod("mod", "!streamconfig")))
}

func TestSplit(t *testing.T) {
	t.Parallel()

	assert.Empty(t, commands.Split("  "))
	assert.Equal(t, []string{"hello"}, commands.Split(" hello "))

	long := strings.Repeat("ä", 1000)
	parts := commands.Split(long)
	require.Len(t, parts, 3)
	assert.Equal(t, strings.Repeat("ä", commands.MaxReplyLength)+"…", parts[0])
	assert.Equal(t, strings.Repeat("ä", 40), parts[2])
}
