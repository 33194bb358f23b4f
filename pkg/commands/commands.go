// Package commands interprets chat commands.
package commands

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/hako/durafmt"
	"github.com/pkg/errors"
	"gitlab.com/meutraa/activitybot/pkg/activity"
	"gitlab.com/meutraa/activitybot/pkg/bots"
	"gitlab.com/meutraa/activitybot/pkg/clips"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/leaderboard"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/spam"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MaxReplyLength is the longest chat line the transport accepts.
const MaxReplyLength = 480

const (
	topCount     = 5
	listCount    = 10
	pendingCount = 5
)

type Ledger interface {
	Award(ctx context.Context, username string, basePoints int64, reason string) (int64, error)
	ToggleDoublePoints(ctx context.Context) (bool, error)
}

type Clips interface {
	Submit(ctx context.Context, s clips.Submission) (data.Clip, error)
	Approve(ctx context.Context, id int64, reviewer string, points int64, note string) (clips.Approval, error)
	Reject(ctx context.Context, id int64, reviewer, note string) (data.Clip, error)
	Pending(ctx context.Context, limit int) ([]data.Clip, error)
}

type Bots interface {
	Add(ctx context.Context, username, reason, addedBy string) (data.BotEntry, error)
	Remove(ctx context.Context, username string) (bool, error)
	Lookup(ctx context.Context, username string) (data.BotEntry, error)
	Cleanup(ctx context.Context) (int64, error)
	List(ctx context.Context, limit int) ([]data.BotEntry, error)
}

type Gate interface {
	Config() spam.Config
	Inspect(ctx context.Context, username string) (spam.State, error)
	Reset(ctx context.Context, username string) (bool, error)
}

type Board interface {
	Top(ctx context.Context, n int) ([]leaderboard.Entry, error)
	Active(ctx context.Context) ([]data.User, error)
	Stats(ctx context.Context, username string) (leaderboard.Stats, error)
}

type LiveChecker interface {
	IsLive(ctx context.Context) (bool, error)
}

type Config struct {
	ChatPoints      bool
	ViewtimePoints  bool
	OfflineCheck    bool
	SecondsPerPoint int64
	MaxClipsPerDay  int64
}

type Interpreter struct {
	ledger  Ledger
	clips   Clips
	bots    Bots
	gate    Gate
	board   Board
	live    LiveChecker
	config  Config
	printer *message.Printer
	logger  *zap.Logger
	shuffle func(n int, swap func(i, j int))
}

type Option func(*Interpreter)

// WithShuffle replaces the random permutation used by !droprandom.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(i *Interpreter) { i.shuffle = shuffle }
}

func New(l Ledger, c Clips, b Bots, g Gate, board Board, live LiveChecker, config Config, logger *zap.Logger, opts ...Option) *Interpreter {
	i := &Interpreter{
		ledger:  l,
		clips:   c,
		bots:    b,
		gate:    g,
		board:   board,
		live:    live,
		config:  config,
		printer: message.NewPrinter(language.English),
		logger:  logger.Named("commands"),
		shuffle: rand.Shuffle,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func target(args []string, fallback string) string {
	if len(args) > 0 {
		if name := bots.Normalize(args[0]); name != "" {
			return name
		}
	}
	return fallback
}

func positive(arg string) (int64, bool) {
	n, err := strconv.ParseInt(arg, 10, 64)
	return n, nil == err && n > 0
}

// Handle runs the command in m and returns the reply, "" for none. Commands
// for moderators are ignored when sent by anybody else.
func (i *Interpreter) Handle(ctx context.Context, m activity.Message) string {
	split := strings.Fields(m.Text)
	if len(split) == 0 || !strings.HasPrefix(split[0], "!") {
		return ""
	}
	command := strings.ToLower(split[0])
	args := split[1:]
	argCount := len(args)
	isMod := m.Privileged()
	user := m.Username
	at := "@" + m.DisplayName
	if m.DisplayName == "" {
		at = "@" + user
	}

	switch {
	case command == "!points" || command == "!punkte":
		name := target(args, user)
		stats, err := i.board.Stats(ctx, name)
		if errors.Is(err, data.ErrNotFound) {
			return at + " " + name + " has no points yet."
		}
		if nil != err {
			i.logger.Error("unable to get stats", zap.String("username", name), zap.Error(err))
			return ""
		}
		return i.printer.Sprintf("%s %s has %d points (rank %d of %d)", at, stats.Name(), stats.Points, stats.Rank, stats.TotalUsers)
	case command == "!top" || command == "!leaderboard":
		top, err := i.board.Top(ctx, topCount)
		if nil != err {
			i.logger.Error("unable to get leaderboard", zap.Error(err))
			return ""
		}
		if len(top) == 0 {
			return "Nobody has points yet."
		}
		entries := make([]string, len(top))
		for n, e := range top {
			entries[n] = i.printer.Sprintf("%d. %s: %d", e.Rank, e.DisplayName, e.Points)
		}
		return "Top " + strconv.Itoa(len(top)) + ": " + strings.Join(entries, " | ")
	case command == "!watchtime":
		return i.watchtime(ctx, at, target(args, user))
	case command == "!submitclip":
		if argCount < 1 {
			return at + " Usage: !submitclip <clip_url>"
		}
		return i.submitClip(ctx, m, at, args[0])
	case command == "!doublepoints":
		if !isMod {
			return at + " only admins can do that!"
		}
		enabled, err := i.ledger.ToggleDoublePoints(ctx)
		if nil != err {
			i.logger.Error("unable to toggle double points", zap.Error(err))
			return at + " unable to change double points"
		}
		if enabled {
			return "Double points are now ON! Every award is doubled!"
		}
		return "Double points are now OFF."
	case !isMod:
		return ""
	case command == "!clips" && argCount > 0 && strings.ToLower(args[0]) == "pending":
		return i.pendingClips(ctx)
	case command == "!clipapprove":
		return i.approveClip(ctx, user, at, args)
	case command == "!clipreject":
		return i.rejectClip(ctx, user, at, args)
	case command == "!give":
		return i.give(ctx, at, args)
	case command == "!dropall":
		return i.dropAll(ctx, at, args)
	case command == "!droprandom":
		return i.dropRandom(ctx, at, args)
	case command == "!botlist":
		return i.botList(ctx, at)
	case command == "!botadd":
		if argCount < 1 {
			return at + " Usage: !botadd <username> [reason]"
		}
		b, err := i.bots.Add(ctx, args[0], strings.Join(args[1:], " "), user)
		if nil != err {
			i.logger.Error("unable to add bot", zap.String("username", args[0]), zap.Error(err))
			return at + " unable to add " + args[0] + " to the bot list!"
		}
		return at + " " + b.Username + " was added to the bot list."
	case command == "!botremove":
		if argCount < 1 {
			return at + " Usage: !botremove <username>"
		}
		name := bots.Normalize(args[0])
		removed, err := i.bots.Remove(ctx, name)
		if nil != err {
			i.logger.Error("unable to remove bot", zap.String("username", name), zap.Error(err))
			return at + " unable to remove " + name + "!"
		}
		if removed {
			return at + " " + name + " was removed from the bot list."
		}
		return at + " " + name + " was not on the bot list."
	case command == "!botcheck":
		if argCount < 1 {
			return at + " Usage: !botcheck <username>"
		}
		name := bots.Normalize(args[0])
		b, err := i.bots.Lookup(ctx, name)
		if errors.Is(err, data.ErrNotFound) {
			return at + " " + name + " is NOT on the bot list."
		}
		if nil != err {
			i.logger.Error("unable to check bot", zap.String("username", name), zap.Error(err))
			return at + " unable to check " + name + "!"
		}
		return at + " " + name + " is on the bot list (reason: " + b.Reason + ")"
	case command == "!botclean":
		n, err := i.bots.Cleanup(ctx)
		if nil != err {
			i.logger.Error("unable to clean bot list", zap.Error(err))
			return at + " unable to clean the bot list!"
		}
		return i.printer.Sprintf("%s bot list cleaned, %d empty entries removed.", at, n)
	case command == "!spamconfig":
		c := i.gate.Config()
		return i.printer.Sprintf("%s Anti-spam config: min %d chars, %s cooldown, max %d msgs per %s, max %d points/hour",
			at, c.MinMessageLength, c.Cooldown, c.MaxMessagesPerWindow, c.DetectionWindow, c.MaxPointsPerHour)
	case command == "!spamcheck":
		if argCount < 1 {
			return at + " Usage: !spamcheck <username>"
		}
		return i.spamCheck(ctx, at, bots.Normalize(args[0]))
	case command == "!spamreset":
		if argCount < 1 {
			return at + " Usage: !spamreset <username>"
		}
		name := bots.Normalize(args[0])
		ok, err := i.gate.Reset(ctx, name)
		if nil != err {
			i.logger.Error("unable to reset spam tracking", zap.String("username", name), zap.Error(err))
			return at + " unable to reset spam data for " + name + "!"
		}
		if !ok {
			return at + " user " + name + " not found!"
		}
		return at + " spam data for " + name + " was reset."
	case command == "!streamconfig":
		return i.streamConfig(ctx, at)
	}
	return ""
}

func (i *Interpreter) watchtime(ctx context.Context, at, name string) string {
	stats, err := i.board.Stats(ctx, name)
	if errors.Is(err, data.ErrNotFound) {
		return at + " " + name + " has no watch time yet."
	}
	if nil != err {
		i.logger.Error("unable to get stats", zap.String("username", name), zap.Error(err))
		return ""
	}
	banked := time.Duration(stats.ViewSeconds) * time.Second
	next := time.Duration(i.config.SecondsPerPoint-stats.ViewSeconds) * time.Second
	return at + " " + stats.Name() + " has " + formatDuration(banked) +
		" of watch time banked, next point in " + formatDuration(next) + "."
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0 seconds"
	}
	return durafmt.Parse(d).LimitFirstN(2).String()
}

func (i *Interpreter) submitClip(ctx context.Context, m activity.Message, at, url string) string {
	clip, err := i.clips.Submit(ctx, clips.Submission{Username: m.Username, DisplayName: m.DisplayName, URL: url})
	switch {
	case nil == err:
		return at + " clip #" + strconv.FormatInt(clip.ID, 10) + " was submitted for review!"
	case errors.Is(err, clips.ErrInvalidURL):
		return at + " that is not a valid Twitch clip link."
	case errors.Is(err, clips.ErrNotOwner):
		return at + " you can only submit your own clips."
	case errors.Is(err, clips.ErrDailyLimit):
		return i.printer.Sprintf("%s you reached the daily limit of %d clips.", at, i.config.MaxClipsPerDay)
	case errors.Is(err, clips.ErrAlreadySubmitted):
		return at + " you already submitted this clip."
	case errors.Is(err, clips.ErrSubmittedByOther):
		return at + " this clip was already submitted by someone else."
	}
	i.logger.Error("unable to submit clip", zap.String("username", m.Username), zap.Error(err))
	return at + " unable to submit the clip, try again later."
}

func (i *Interpreter) pendingClips(ctx context.Context) string {
	pending, err := i.clips.Pending(ctx, pendingCount)
	if nil != err {
		i.logger.Error("unable to list pending clips", zap.Error(err))
		return ""
	}
	if len(pending) == 0 {
		return "No pending clips!"
	}
	entries := make([]string, len(pending))
	for n, c := range pending {
		entries[n] = strconv.FormatInt(c.ID, 10) + ": @" + c.Submitter
	}
	return "Pending clips: " + strings.Join(entries, ", ")
}

func (i *Interpreter) approveClip(ctx context.Context, reviewer, at string, args []string) string {
	if len(args) < 2 {
		return at + " Usage: !clipapprove <id> <points> [note]"
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if nil != err {
		return at + " invalid clip id or points!"
	}
	points, err := strconv.ParseInt(args[1], 10, 64)
	if nil != err || points < 0 {
		return at + " invalid clip id or points!"
	}

	// A successful approval is announced by the workflow.
	_, err = i.clips.Approve(ctx, id, reviewer, points, strings.Join(args[2:], " "))
	switch {
	case nil == err:
		return ""
	case errors.Is(err, clips.ErrNotFoundOrProcessed):
		return at + " clip " + strconv.FormatInt(id, 10) + " not found or already processed!"
	case errors.Is(err, clips.ErrAwardFailed):
		return at + " clip " + strconv.FormatInt(id, 10) + " is still pending, the points could not be awarded!"
	}
	i.logger.Error("unable to approve clip", zap.Int64("id", id), zap.Error(err))
	return at + " unable to approve the clip!"
}

func (i *Interpreter) rejectClip(ctx context.Context, reviewer, at string, args []string) string {
	if len(args) < 2 {
		return at + " Usage: !clipreject <id> <note>"
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if nil != err {
		return at + " invalid clip id!"
	}

	_, err = i.clips.Reject(ctx, id, reviewer, strings.Join(args[1:], " "))
	switch {
	case nil == err:
		return "Clip " + strconv.FormatInt(id, 10) + " rejected."
	case errors.Is(err, clips.ErrNotFoundOrProcessed):
		return at + " clip " + strconv.FormatInt(id, 10) + " not found or already processed!"
	}
	i.logger.Error("unable to reject clip", zap.Int64("id", id), zap.Error(err))
	return at + " unable to reject the clip!"
}

func (i *Interpreter) give(ctx context.Context, at string, args []string) string {
	if len(args) < 2 {
		return at + " Usage: !give <user> <amount>"
	}
	name := bots.Normalize(args[0])
	amount, ok := positive(args[1])
	if !ok {
		return at + " invalid amount of points!"
	}
	total, err := i.ledger.Award(ctx, name, amount, ledger.ReasonAdmin)
	if errors.Is(err, ledger.ErrUserNotFound) {
		return at + " user " + name + " not found!"
	}
	if nil != err {
		i.logger.Error("unable to give points", zap.String("username", name), zap.Error(err))
		return at + " unable to give points!"
	}
	return i.printer.Sprintf("@%s +%d points! Total: %d", name, amount, total)
}

// drop awards amount to each user and returns how many were credited.
func (i *Interpreter) drop(ctx context.Context, users []data.User, amount int64, reason string) int {
	credited := 0
	for _, u := range users {
		if _, err := i.ledger.Award(ctx, u.Username, amount, reason); nil != err {
			i.logger.Warn("unable to drop points", zap.String("username", u.Username), zap.Error(err))
			continue
		}
		credited++
	}
	return credited
}

func (i *Interpreter) dropAll(ctx context.Context, at string, args []string) string {
	if len(args) < 1 {
		return at + " Usage: !dropall <amount>"
	}
	amount, ok := positive(args[0])
	if !ok {
		return at + " invalid amount of points!"
	}
	active, err := i.board.Active(ctx)
	if nil != err {
		i.logger.Error("unable to get active users", zap.Error(err))
		return at + " unable to drop points!"
	}
	if len(active) == 0 {
		return at + " no active users found!"
	}
	n := i.drop(ctx, active, amount, ledger.ReasonDropAll)
	return i.printer.Sprintf("All %d active users received +%d points!", n, amount)
}

func (i *Interpreter) dropRandom(ctx context.Context, at string, args []string) string {
	if len(args) < 2 {
		return at + " Usage: !droprandom <amount> <count>"
	}
	amount, ok := positive(args[0])
	count, okCount := positive(args[1])
	if !ok || !okCount {
		return at + " invalid parameters!"
	}
	active, err := i.board.Active(ctx)
	if nil != err {
		i.logger.Error("unable to get active users", zap.Error(err))
		return at + " unable to drop points!"
	}
	if len(active) == 0 {
		return at + " no active users found!"
	}

	i.shuffle(len(active), func(a, b int) { active[a], active[b] = active[b], active[a] })
	if int64(len(active)) > count {
		active = active[:count]
	}
	n := i.drop(ctx, active, amount, ledger.ReasonDropRandom)
	return i.printer.Sprintf("%d random users received +%d points!", n, amount)
}

func (i *Interpreter) botList(ctx context.Context, at string) string {
	list, err := i.bots.List(ctx, listCount)
	if nil != err {
		i.logger.Error("unable to list bots", zap.Error(err))
		return ""
	}
	if len(list) == 0 {
		return at + " the bot list is empty."
	}
	entries := make([]string, len(list))
	for n, b := range list {
		reason := b.Reason
		if reason == "" {
			reason = "bot"
		}
		entries[n] = b.Username + " (" + reason + ")"
	}
	return at + " Bot list: " + strings.Join(entries, ", ")
}

func (i *Interpreter) spamCheck(ctx context.Context, at, name string) string {
	state, err := i.gate.Inspect(ctx, name)
	if errors.Is(err, data.ErrNotFound) {
		return at + " user " + name + " not found!"
	}
	if nil != err {
		i.logger.Error("unable to inspect spam state", zap.String("username", name), zap.Error(err))
		return ""
	}
	c := i.gate.Config()
	return i.printer.Sprintf("%s %s: can receive points: %t, cooldown: %ds, hourly points: %d/%d, messages in window: %d/%d",
		at, name, state.CanAward, int64(state.CooldownRemaining.Round(time.Second)/time.Second),
		state.PointsThisHour, c.MaxPointsPerHour, state.MessagesInWindow, c.MaxMessagesPerWindow)
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func (i *Interpreter) streamConfig(ctx context.Context, at string) string {
	status := "UNKNOWN"
	if nil != i.live {
		live, err := i.live.IsLive(ctx)
		if nil != err {
			i.logger.Warn("unable to check stream status", zap.Error(err))
		} else {
			status = onOff(live, "LIVE", "OFFLINE")
		}
	}
	return at + " Stream config: offline check " + onOff(i.config.OfflineCheck, "ENABLED", "DISABLED") +
		", current status: " + status +
		", chat points " + onOff(i.config.ChatPoints, "ON", "OFF") +
		", viewtime points " + onOff(i.config.ViewtimePoints, "ON", "OFF")
}

// Split breaks reply into chat sized lines, marking every cut with an
// ellipsis.
func Split(reply string) []string {
	reply = strings.TrimSpace(reply)
	if len(reply) == 0 {
		return []string{}
	}
	runes := []rune(reply)
	if len(runes) <= MaxReplyLength {
		return []string{reply}
	}
	return append([]string{string(runes[:MaxReplyLength]) + "…"}, Split(string(runes[MaxReplyLength:]))...)
}
