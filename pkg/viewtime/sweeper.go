// Package viewtime turns attested watch time into points.
package viewtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"go.uber.org/zap"
)

// LiveChecker reports whether the channel is streaming.
type LiveChecker interface {
	IsLive(ctx context.Context) (bool, error)
}

// ViewerLister returns the logins currently in the channel.
type ViewerLister interface {
	Viewers(ctx context.Context) ([]string, error)
}

type BotChecker interface {
	IsBot(ctx context.Context, username string) (bool, error)
}

type Converter interface {
	ConvertViewtime(ctx context.Context, username string, seconds, secondsPerPoint int64) (ledger.Conversion, error)
}

type Store interface {
	ChatActiveUsers(ctx context.Context, since int64) ([]data.User, error)
}

type Config struct {
	Heartbeat       time.Duration
	PresenceTimeout time.Duration
	SecondsPerPoint int64
	// OfflineCheck skips sweeps while the stream is offline.
	OfflineCheck bool
	Workers      int
}

// Result summarizes one sweep.
type Result struct {
	Skipped  string
	Viewers  int
	Eligible int
	Awarded  int
	Points   int64
	Bots     int
	Failed   int
}

const (
	SkipOffline   = "stream offline"
	SkipNoViewers = "viewer list unavailable"
)

type Sweeper struct {
	store     Store
	converter Converter
	bots      BotChecker
	live      LiveChecker
	viewers   ViewerLister
	config    Config
	logger    *zap.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper. live may be nil when no credential for the live
// status is configured; the stream is then treated as live.
func New(store Store, converter Converter, bots BotChecker, live LiveChecker, viewers ViewerLister, config Config, logger *zap.Logger, rec metrics.Recorder, opts ...Option) *Sweeper {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	s := &Sweeper{
		store:     store,
		converter: converter,
		bots:      bots,
		live:      live,
		viewers:   viewers,
		config:    config,
		logger:    logger.Named("viewtime"),
		metrics:   rec,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps on every heartbeat until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); nil != err {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep credits one heartbeat of viewtime to every eligible user. Per user
// failures are counted, never returned; the error is only set when the
// candidate list cannot be read.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	r := Result{}

	if !s.streamLive(ctx) {
		r.Skipped = SkipOffline
		s.logger.Debug("stream offline, skipping viewtime")
		return r, nil
	}

	viewers, err := s.viewers.Viewers(ctx)
	if nil != err || len(viewers) == 0 {
		r.Skipped = SkipNoViewers
		s.logger.Info("no viewers found, skipping viewtime", zap.Error(err))
		return r, nil
	}
	r.Viewers = len(viewers)

	present := make(map[string]struct{}, len(viewers))
	for _, v := range viewers {
		present[strings.ToLower(v)] = struct{}{}
	}

	candidates, err := s.store.ChatActiveUsers(ctx, s.now().Add(-s.config.PresenceTimeout).UnixMilli())
	if nil != err {
		return r, err
	}

	eligible := make([]data.User, 0, len(candidates))
	for _, u := range candidates {
		if _, ok := present[u.Username]; ok {
			eligible = append(eligible, u)
		}
	}
	r.Eligible = len(eligible)

	// A credit that has started is finished even when shutdown begins.
	awardCtx := context.WithoutCancel(ctx)
	seconds := int64(s.config.Heartbeat / time.Second)

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(s.config.Workers)
	for _, u := range eligible {
		u := u
		p.Go(func() {
			points, bot, err := s.credit(awardCtx, u.Username, seconds)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case nil != err:
				r.Failed++
				s.logger.Warn("unable to credit viewtime", zap.String("username", u.Username), zap.Error(err))
			case bot:
				r.Bots++
			case points > 0:
				r.Awarded++
				r.Points += points
			}
		})
	}
	p.Wait()

	s.metrics.ObserveSweep(r.Eligible, r.Awarded, r.Failed, time.Since(start))
	s.logger.Info("viewtime sweep",
		zap.Int("viewers", r.Viewers),
		zap.Int("eligible", r.Eligible),
		zap.Int("awarded", r.Awarded),
		zap.Int64("points", r.Points),
		zap.Int("failed", r.Failed),
	)
	return r, nil
}

func (s *Sweeper) credit(ctx context.Context, username string, seconds int64) (int64, bool, error) {
	bot, err := s.bots.IsBot(ctx, username)
	if nil != err {
		return 0, false, err
	}
	if bot {
		return 0, true, nil
	}
	c, err := s.converter.ConvertViewtime(ctx, username, seconds, s.config.SecondsPerPoint)
	if nil != err {
		return 0, false, err
	}
	return c.Points, false, nil
}

// streamLive fails open: a disabled check, a missing checker or an API
// error all count as live.
func (s *Sweeper) streamLive(ctx context.Context) bool {
	if !s.config.OfflineCheck || nil == s.live {
		return true
	}
	live, err := s.live.IsLive(ctx)
	if nil != err {
		s.logger.Warn("unable to check stream status, assuming live", zap.Error(err))
		return true
	}
	return live
}
