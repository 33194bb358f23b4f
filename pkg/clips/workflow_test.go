package clips_test

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meutraa/activitybot/pkg/clips"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/data/datatest"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"go.uber.org/zap/zaptest"
)

// ownerFromChannel treats the channel in the url as the creator.
type ownerFromChannel struct {
	err error
}

func (o ownerFromChannel) ClipOwner(_ context.Context, clip clips.ClipURL) (string, error) {
	return clip.Channel, o.err
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

func (a *announcements) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.messages...)
}

type fixture struct {
	workflow  *clips.Workflow
	db        *data.Database
	announcer *announcements
	now       time.Time
}

func setup(t *testing.T, ownership string, owners clips.OwnerResolver) *fixture {
	t.Helper()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	f := &fixture{
		db:        datatest.New(t),
		announcer: &announcements{},
		now:       time.Date(2026, 5, 20, 12, 0, 0, 0, berlin),
	}
	logger := zaptest.NewLogger(t)
	rec := metrics.New(prometheus.NewRegistry())
	l := ledger.New(f.db, logger, rec)
	f.workflow = clips.New(f.db, l, owners, f.announcer, clips.Config{
		MaxPerDay: 3,
		Location:  berlin,
		Ownership: ownership,
	}, logger, rec, clips.WithClock(func() time.Time { return f.now }))
	return f
}

func TestSubmitChecks(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipStrict, ownerFromChannel{})
	ctx := context.Background()

	_, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://example.com/clip"})
	assert.True(t, errors.Is(err, clips.ErrInvalidURL))

	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://www.twitch.tv/alice/clip/Slug"})
	assert.True(t, errors.Is(err, clips.ErrNotOwner))

	// clips.twitch.tv links name no channel, so the owner is unknown.
	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/Slug"})
	assert.True(t, errors.Is(err, clips.ErrNotOwner))

	c, err := f.workflow.Submit(ctx, clips.Submission{Username: "Bob", DisplayName: "Bob", URL: "https://www.twitch.tv/bob/clip/Slug"})
	require.NoError(t, err)
	assert.Equal(t, data.ClipPending, c.Status)
	assert.Equal(t, "Slug", c.ClipID)
	assert.Equal(t, "bob", c.Submitter)

	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://www.twitch.tv/bob/clip/Slug"})
	assert.True(t, errors.Is(err, clips.ErrAlreadySubmitted))
}

func TestOwnerResolverFailureRefuses(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipStrict, ownerFromChannel{err: errors.New("api down")})
	_, err := f.workflow.Submit(context.Background(), clips.Submission{Username: "bob", URL: "https://www.twitch.tv/bob/clip/Slug"})
	assert.True(t, errors.Is(err, clips.ErrNotOwner))
}

func TestDuplicateAcrossUsers(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipPermissive, ownerFromChannel{})
	ctx := context.Background()
	url := "https://clips.twitch.tv/Shared"

	_, err := f.workflow.Submit(ctx, clips.Submission{Username: "alice", URL: url})
	require.NoError(t, err)

	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: url})
	assert.True(t, errors.Is(err, clips.ErrSubmittedByOther))

	c, err := f.db.ClipByURL(ctx, url)
	require.NoError(t, err)
	_, err = f.workflow.Reject(ctx, c.ID, "mod", "meh")
	require.NoError(t, err)

	// Rejected clips still block resubmission.
	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "alice", URL: url})
	assert.True(t, errors.Is(err, clips.ErrAlreadySubmitted))
}

func TestDuplicateAcrossLinkShapes(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipStrict, ownerFromChannel{})
	ctx := context.Background()

	c, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://www.twitch.tv/bob/clip/Same?filter=clips"})
	require.NoError(t, err)
	assert.Equal(t, "https://clips.twitch.tv/Same", c.ClipURL)

	for _, url := range []string{
		"https://www.twitch.tv/bob/clip/Same",
		"https://m.twitch.tv/bob/clip/Same",
		"http://twitch.tv/bob/clip/Same/",
	} {
		_, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: url})
		assert.True(t, errors.Is(err, clips.ErrAlreadySubmitted), url)
	}

	// No owner check in permissive mode, so links without a channel reach
	// the duplicate check.
	p := setup(t, clips.OwnershipPermissive, ownerFromChannel{})
	_, err = p.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/Same"})
	require.NoError(t, err)
	for _, url := range []string{
		"https://clips.twitch.tv/Same?tt_medium=share",
		"http://clips.twitch.tv/Same",
		"https://clips.twitch.tv/embed?clip=Same&parent=example.org",
		"https://www.twitch.tv/bob/clip/Same",
	} {
		_, err := p.workflow.Submit(ctx, clips.Submission{Username: "alice", URL: url})
		assert.True(t, errors.Is(err, clips.ErrSubmittedByOther), url)
	}

	// Refused duplicates do not use up the daily quota.
	_, err = p.workflow.Submit(ctx, clips.Submission{Username: "alice", URL: "https://clips.twitch.tv/Other"})
	require.NoError(t, err)
}

func TestDailyLimit(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipPermissive, ownerFromChannel{})
	ctx := context.Background()

	// Yesterday's submission does not count.
	f.now = f.now.Add(-24 * time.Hour)
	_, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/Old"})
	require.NoError(t, err)
	f.now = f.now.Add(24 * time.Hour)

	for _, slug := range []string{"A", "B", "C"} {
		_, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/" + slug})
		require.NoError(t, err)
	}

	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/D"})
	assert.True(t, errors.Is(err, clips.ErrDailyLimit))

	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "carol", URL: "https://clips.twitch.tv/D"})
	require.NoError(t, err)

	// Midnight in the configured zone starts a new day.
	f.now = time.Date(2026, 5, 21, 0, 0, 1, 0, f.now.Location())
	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/E"})
	require.NoError(t, err)
}

func TestApproveAwardsOnce(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipStrict, ownerFromChannel{})
	ctx := context.Background()
	datatest.User(t, f.db, "bob", 7)

	c, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", DisplayName: "Bob", URL: "https://www.twitch.tv/bob/clip/X"})
	require.NoError(t, err)

	a, err := f.workflow.Approve(ctx, c.ID, "Mod", 15, "great")
	require.NoError(t, err)
	assert.Equal(t, data.ClipApproved, a.Clip.Status)
	assert.Equal(t, int64(22), a.Total)
	assert.Equal(t, "mod", a.Clip.Reviewer)

	_, err = f.workflow.Approve(ctx, c.ID, "mod", 15, "again")
	assert.True(t, errors.Is(err, clips.ErrNotFoundOrProcessed))

	u, err := f.db.User(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(22), u.Points)

	require.Len(t, f.announcer.all(), 1)
	assert.Contains(t, f.announcer.all()[0], "+15 points")
}

func TestConcurrentApprovals(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipPermissive, ownerFromChannel{})
	ctx := context.Background()
	datatest.User(t, f.db, "bob", 0)

	c, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/Race"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.workflow.Approve(ctx, c.ID, "mod", 15, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, clips.ErrNotFoundOrProcessed):
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 7, refused)

	u, err := f.db.User(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(15), u.Points)
}

func TestApproveValidation(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipPermissive, ownerFromChannel{})
	ctx := context.Background()

	_, err := f.workflow.Approve(ctx, 1, "mod", -1, "")
	assert.True(t, errors.Is(err, clips.ErrInvalidPoints))

	_, err = f.workflow.Approve(ctx, 404, "mod", 5, "")
	assert.True(t, errors.Is(err, clips.ErrNotFoundOrProcessed))

	_, err = f.workflow.Reject(ctx, 404, "mod", "no")
	assert.True(t, errors.Is(err, clips.ErrNotFoundOrProcessed))
}

func TestFailedAwardLeavesClipPending(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipPermissive, ownerFromChannel{})
	ctx := context.Background()

	c, err := f.workflow.Submit(ctx, clips.Submission{Username: "lurker", URL: "https://clips.twitch.tv/NoUser"})
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, c.ID, "mod", 10, "")
	assert.True(t, errors.Is(err, clips.ErrAwardFailed))
	assert.Contains(t, err.Error(), "user not found")

	stored, err := f.workflow.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, data.ClipPending, stored.Status)
	assert.Zero(t, stored.PointsAwarded)
	assert.Empty(t, f.announcer.all())

	// Once the submitter exists the same clip can still be approved.
	datatest.User(t, f.db, "lurker", 0)
	a, err := f.workflow.Approve(ctx, c.ID, "mod", 10, "")
	require.NoError(t, err)
	assert.Equal(t, data.ClipApproved, a.Clip.Status)
	assert.Equal(t, int64(10), a.Clip.PointsAwarded)
	assert.Equal(t, int64(10), a.Total)

	u, err := f.db.User(ctx, "lurker")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Points)
}

func TestPendingAndPublic(t *testing.T) {
	t.Parallel()

	f := setup(t, clips.OwnershipPermissive, ownerFromChannel{})
	ctx := context.Background()
	datatest.User(t, f.db, "bob", 0)

	first, err := f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/One"})
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, clips.Submission{Username: "bob", URL: "https://clips.twitch.tv/Two"})
	require.NoError(t, err)

	pending, err := f.workflow.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = f.workflow.Approve(ctx, first.ID, "mod", 0, "funny moment")
	require.NoError(t, err)

	public, total, err := f.workflow.Public(ctx, " funny ", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, public, 1)
	assert.Equal(t, first.ID, public[0].ID)
}
