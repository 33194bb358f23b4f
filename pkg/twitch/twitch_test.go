package twitch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nicklaw5/helix/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meutraa/activitybot/pkg/clips"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"gitlab.com/meutraa/activitybot/pkg/twitch"
	"go.uber.org/zap/zaptest"
)

type chat struct {
	mu    sync.Mutex
	said  []string
	users []string
	err   error
}

func (c *chat) Say(_, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.said = append(c.said, text)
}

func (c *chat) Userlist(string) ([]string, error) { return c.users, c.err }

func (c *chat) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.said...)
}

// helixServer answers the endpoints the client uses. Handlers for a path can
// be replaced per test.
type helixServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]*atomic.Int64
}

func reply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func fail(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":"` + http.StatusText(code) + `","status":` + strconv.Itoa(code) + `,"message":"nope"}`))
	}
}

func newHelixServer(t *testing.T) *helixServer {
	t.Helper()

	s := &helixServer{
		handlers: map[string]http.HandlerFunc{
			"/users": func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.URL.Query().Get("login") == "streamer":
					reply(`{"data":[{"id":"100","login":"streamer","display_name":"Streamer"}]}`)(w, r)
				case r.URL.Query().Get("login") == "botaccount":
					reply(`{"data":[{"id":"200","login":"botaccount","display_name":"BotAccount"}]}`)(w, r)
				case r.URL.Query().Get("id") == "300":
					reply(`{"data":[{"id":"300","login":"bob","display_name":"Bob"}]}`)(w, r)
				default:
					reply(`{"data":[]}`)(w, r)
				}
			},
			"/streams": reply(`{"data":[{"id":"1","user_login":"streamer","type":"live"}],"pagination":{}}`),
			"/clips":   reply(`{"data":[{"id":"FunnySlug","broadcaster_id":"100","creator_id":"300","creator_name":"Bob"}],"pagination":{}}`),
			"/chat/chatters": func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("after") == "" {
					reply(`{"data":[{"user_id":"1","user_login":"Alice","user_name":"Alice"}],"pagination":{"cursor":"next"},"total":2}`)(w, r)
					return
				}
				reply(`{"data":[{"user_id":"2","user_login":"bob","user_name":"bob"}],"pagination":{},"total":2}`)(w, r)
			},
			"/chat/messages": reply(`{"data":[{"message_id":"m1","is_sent":true}]}`),
		},
		calls: map[string]*atomic.Int64{},
	}
	for path := range s.handlers {
		s.calls[path] = &atomic.Int64{}
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		h, ok := s.handlers[r.URL.Path]
		counter := s.calls[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		counter.Add(1)
		h(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *helixServer) handle(path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = h
}

func (s *helixServer) count(path string) int64 {
	return s.calls[path].Load()
}

func (s *helixServer) client(t *testing.T, token string) *helix.Client {
	t.Helper()

	c, err := helix.NewClient(&helix.Options{
		ClientID:        "client",
		AppAccessToken:  token,
		UserAccessToken: token,
		APIBaseURL:      s.URL,
	})
	require.NoError(t, err)
	return c
}

func newClient(t *testing.T, api, bot *helix.Client, c twitch.Chat) *twitch.Client {
	return twitch.New(api, bot, c, twitch.Config{
		Channel:       "streamer",
		BotLogin:      "botaccount",
		LiveTTL:       time.Minute,
		Retries:       2,
		RetryInterval: time.Millisecond,
	}, zaptest.NewLogger(t), metrics.Noop{})
}

func TestIsLiveIsCached(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	c := newClient(t, s.client(t, "app"), nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		live, err := c.IsLive(ctx)
		require.NoError(t, err)
		assert.True(t, live)
	}
	assert.Equal(t, int64(1), s.count("/streams"))
}

func TestIsLiveOffline(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	s.handle("/streams", reply(`{"data":[],"pagination":{}}`))
	live, err := newClient(t, s.client(t, "app"), nil, nil).IsLive(context.Background())
	require.NoError(t, err)
	assert.False(t, live)
}

func TestIsLiveUnavailable(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	s.handle("/streams", fail(http.StatusServiceUnavailable))
	_, err := newClient(t, s.client(t, "app"), nil, nil).IsLive(context.Background())
	assert.ErrorIs(t, err, twitch.ErrUnavailable)

	_, err = newClient(t, nil, nil, &chat{}).IsLive(context.Background())
	assert.ErrorIs(t, err, twitch.ErrUnavailable)
}

func TestViewersFromChatters(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	c := newClient(t, s.client(t, "app"), s.client(t, "user"), &chat{users: []string{"ignored"}})

	viewers, err := c.Viewers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, viewers)
	assert.Equal(t, int64(2), s.count("/chat/chatters"))
}

func TestViewersFallBackToChat(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	s.handle("/chat/chatters", fail(http.StatusForbidden))
	c := newClient(t, s.client(t, "app"), s.client(t, "user"), &chat{users: []string{"Alice", "carol"}})

	viewers, err := c.Viewers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, viewers)

	viewers, err = newClient(t, nil, nil, &chat{users: []string{"dave"}}).Viewers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, viewers)

	_, err = newClient(t, nil, nil, &chat{err: errors.New("not joined")}).Viewers(context.Background())
	assert.ErrorIs(t, err, twitch.ErrUnavailable)
}

func TestClipOwner(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	ctx := context.Background()
	clip, err := clips.ParseURL("https://clips.twitch.tv/FunnySlug")
	require.NoError(t, err)

	owner, err := newClient(t, s.client(t, "app"), nil, nil).ClipOwner(ctx, clip)
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	s.handle("/clips", reply(`{"data":[],"pagination":{}}`))
	owner, err = newClient(t, s.client(t, "app"), nil, nil).ClipOwner(ctx, clip)
	require.NoError(t, err)
	assert.Empty(t, owner, "unknown clip")
}

func TestClipOwnerWithoutAPI(t *testing.T) {
	t.Parallel()

	c := newClient(t, nil, nil, nil)
	ctx := context.Background()

	clip, err := clips.ParseURL("https://www.twitch.tv/Bob/clip/FunnySlug")
	require.NoError(t, err)
	owner, err := c.ClipOwner(ctx, clip)
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	clip, err = clips.ParseURL("https://clips.twitch.tv/FunnySlug")
	require.NoError(t, err)
	owner, err = c.ClipOwner(ctx, clip)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestAnnounceThroughAPI(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	ch := &chat{}
	c := newClient(t, s.client(t, "app"), s.client(t, "user"), ch)

	c.Announce(context.Background(), "hello chat")
	c.Wait()
	assert.Equal(t, int64(1), s.count("/chat/messages"))
	assert.Empty(t, ch.messages())
}

func TestAnnounceRetriesThenFallsBack(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	s.handle("/chat/messages", fail(http.StatusInternalServerError))
	ch := &chat{}
	c := newClient(t, s.client(t, "app"), s.client(t, "user"), ch)

	c.Announce(context.Background(), "hello chat")
	c.Wait()
	assert.Equal(t, int64(3), s.count("/chat/messages"), "first try and two retries")
	assert.Equal(t, []string{"hello chat"}, ch.messages())
}

func TestAnnouncePermanentFailure(t *testing.T) {
	t.Parallel()

	s := newHelixServer(t)
	s.handle("/chat/messages", fail(http.StatusForbidden))
	ch := &chat{}
	c := newClient(t, s.client(t, "app"), s.client(t, "user"), ch)

	c.Announce(context.Background(), "hello chat")
	c.Wait()
	assert.Equal(t, int64(1), s.count("/chat/messages"))
	assert.Equal(t, []string{"hello chat"}, ch.messages())
}

func TestAnnounceSurvivesCancellation(t *testing.T) {
	t.Parallel()

	ch := &chat{}
	c := newClient(t, nil, nil, ch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Announce(ctx, "still sent")
	c.Wait()
	assert.Equal(t, []string{"still sent"}, ch.messages())
}
