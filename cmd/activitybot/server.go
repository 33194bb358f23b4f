package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"
	"github.com/nicklaw5/helix/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"gitlab.com/meutraa/activitybot/pkg/activity"
	"gitlab.com/meutraa/activitybot/pkg/bots"
	"gitlab.com/meutraa/activitybot/pkg/clips"
	"gitlab.com/meutraa/activitybot/pkg/commands"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/env"
	"gitlab.com/meutraa/activitybot/pkg/leaderboard"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/logging"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"gitlab.com/meutraa/activitybot/pkg/spam"
	"gitlab.com/meutraa/activitybot/pkg/twitch"
	"gitlab.com/meutraa/activitybot/pkg/viewtime"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	messageTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	env      *env.Config
	logger   *zap.Logger
	db       *data.Database
	registry *prometheus.Registry
	metrics  metrics.Recorder
	api      *helix.Client
	bot      *helix.Client
	irc      *irc.Client
	twitch   *twitch.Client

	ledger   *ledger.Ledger
	bots     *bots.Classifier
	gate     *spam.Gate
	clips    *clips.Workflow
	board    *leaderboard.Board
	tracker  *activity.Tracker
	sweeper  *viewtime.Sweeper
	commands *commands.Interpreter
}

func (s *Server) Close() {
	if nil != s.twitch {
		s.twitch.Wait()
	}
	if nil != s.db {
		if err := s.db.Close(); nil != err {
			s.logger.Warn("unable to close database", zap.Error(err))
		}
	}
	if nil != s.logger {
		_ = s.logger.Sync()
	}
}

// Prepare builds every component. Without chat only the api announcer is
// available, which is enough for one-off jobs.
func (s *Server) Prepare(ctx context.Context, chat bool) error {
	if err := s.PrepareStore(ctx); nil != err {
		return err
	}
	if err := s.PrepareTwitchClient(); nil != err {
		return err
	}
	if chat {
		s.PrepareIRC()
	}
	s.PrepareComponents()
	return nil
}

// PrepareStore reads the configuration and opens the migrated database.
func (s *Server) PrepareStore(ctx context.Context) error {
	if err := s.ReadEnvironmentVariables(); nil != err {
		return err
	}
	if err := s.PrepareDatabase(ctx); nil != err {
		return err
	}
	s.PrepareMetrics()
	s.bots = bots.New(s.db, s.logger)
	return nil
}

func (s *Server) ReadEnvironmentVariables() error {
	config, err := env.Load(envFile)
	if nil != err {
		return err
	}
	s.env = config

	logger, err := logging.New(config.LogLevel, config.LogFormat)
	if nil != err {
		return err
	}
	s.logger = logger
	return nil
}

func (s *Server) PrepareDatabase(ctx context.Context) error {
	conn, err := data.Connection(s.env.DatabaseDriver, s.env.DatabaseURL)
	if nil != err {
		return err
	}
	s.db = conn

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); nil != err {
		return err
	}
	return s.db.Migrate(ctx)
}

func (s *Server) PrepareMetrics() {
	if !s.env.MetricsEnabled {
		s.metrics = metrics.Noop{}
		return
	}
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)
}

// PrepareTwitchClient creates the app client when client credentials are
// configured and the bot client when the bot user token is.
func (s *Server) PrepareTwitchClient() error {
	if s.env.HasAPICredentials() {
		client, err := helix.NewClient(&helix.Options{
			ClientID:     s.env.ClientID,
			ClientSecret: s.env.ClientSecret,
		})
		if nil != err {
			return errors.Wrap(err, "unable to create twitch api client")
		}

		resp, err := client.RequestAppAccessToken([]string{})
		if nil != err {
			return errors.Wrap(err, "unable to get app access token")
		}
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("unable to get app access token: %d %s", resp.StatusCode, resp.ErrorMessage)
		}
		client.SetAppAccessToken(resp.Data.AccessToken)
		s.api = client
	} else {
		s.logger.Warn("no twitch client credentials, live status and clip owners are unavailable")
	}

	if s.env.BotAccessToken != "" && s.env.ClientID != "" {
		client, err := helix.NewClient(&helix.Options{
			ClientID:        s.env.ClientID,
			UserAccessToken: strings.TrimPrefix(s.env.BotAccessToken, "oauth:"),
		})
		if nil != err {
			return errors.Wrap(err, "unable to create twitch bot client")
		}
		s.bot = client
	}
	return nil
}

func (s *Server) PrepareIRC() {
	s.irc = irc.NewClient(s.env.Username, "oauth:"+s.env.OauthToken)
	s.irc.Capabilities = append(s.irc.Capabilities, irc.MembershipCapability)

	s.irc.OnConnect(func() {
		s.logger.Info("connected to chat", zap.String("channel", s.env.Channel))
	})
	s.irc.OnPrivateMessage(s.handleMessage)
	s.irc.Join(s.env.Channel)
}

func (s *Server) PrepareComponents() {
	// A nil *irc.Client must not become a non-nil interface.
	var chat twitch.Chat
	if nil != s.irc {
		chat = s.irc
	}
	s.twitch = twitch.New(s.api, s.bot, chat, twitch.Config{
		Channel:  s.env.Channel,
		BotLogin: s.env.Username,
	}, s.logger, s.metrics)

	s.ledger = ledger.New(s.db, s.logger, s.metrics)
	s.gate = spam.New(s.db, spam.Config{
		MinMessageLength:     s.env.MinMessageLength,
		Cooldown:             s.env.ChatCooldown,
		MaxPointsPerHour:     s.env.MaxChatPointsPerHour,
		MaxMessagesPerWindow: s.env.MaxMessagesPerWindow,
		DetectionWindow:      s.env.SpamWindow,
	}, s.logger)
	s.clips = clips.New(s.db, s.ledger, s.twitch, s.twitch, clips.Config{
		MaxPerDay: s.env.MaxClipsPerDay,
		Location:  s.env.Location,
		Ownership: s.env.ClipOwnershipMode,
	}, s.logger, s.metrics)
	s.board = leaderboard.New(s.db, s.ledger, s.twitch, leaderboard.Config{
		PresenceTimeout: s.env.PresenceTimeout,
		Location:        s.env.Location,
	}, s.logger)
	s.tracker = activity.New(s.db, s.gate, s.bots, s.twitch, s.ledger, activity.Config{
		ChatPoints:       s.env.EnableChatPoints,
		PointsPerMessage: s.env.PointsPerMessage,
		OfflineCheck:     s.env.StreamOfflineCheck,
	}, s.logger, s.metrics)
	s.sweeper = viewtime.New(s.db, s.ledger, s.bots, s.twitch, s.twitch, viewtime.Config{
		Heartbeat:       s.env.Heartbeat,
		PresenceTimeout: s.env.PresenceTimeout,
		SecondsPerPoint: s.env.SecondsPerPoint,
		OfflineCheck:    s.env.StreamOfflineCheck,
	}, s.logger, s.metrics)
	s.commands = commands.New(s.ledger, s.clips, s.bots, s.gate, s.board, s.twitch, commands.Config{
		ChatPoints:      s.env.EnableChatPoints,
		ViewtimePoints:  s.env.EnableViewtimePoints,
		OfflineCheck:    s.env.StreamOfflineCheck,
		SecondsPerPoint: s.env.SecondsPerPoint,
		MaxClipsPerDay:  s.env.MaxClipsPerDay,
	}, s.logger)
}

// Run serves chat, the sweeper, the http api and the monthly job until ctx is
// cancelled or the process receives an interrupt.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs := cron.New(cron.WithLocation(s.env.Location))
	if _, err := s.board.Schedule(jobs); nil != err {
		return err
	}
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	server := &http.Server{
		Addr:              s.env.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("connecting to chat", zap.String("user", s.env.Username))
		err := s.irc.Connect()
		if nil == err || errors.Is(err, irc.ErrClientDisconnected) {
			return nil
		}
		return errors.Wrap(err, "chat connection failed")
	})
	g.Go(func() error {
		s.logger.Info("serving http", zap.String("address", s.env.ListenAddress))
		if err := server.ListenAndServe(); nil != err && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	if s.env.EnableViewtimePoints {
		g.Go(func() error { return s.sweeper.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.irc.Disconnect(); nil != err {
			s.logger.Debug("chat already disconnected", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleMessage runs the point pipeline for every message and answers
// commands.
func (s *Server) handleMessage(m irc.PrivateMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	for _, line := range s.process(ctx, m) {
		s.irc.Say(m.Channel, line)
	}
}

// process returns the chat lines to send in reply to m.
func (s *Server) process(ctx context.Context, m irc.PrivateMessage) []string {
	if strings.EqualFold(s.env.Username, m.User.Name) {
		return nil
	}

	msg := activity.Message{
		Username:    m.User.Name,
		DisplayName: m.User.DisplayName,
		Text:        m.Message,
		Moderator:   m.Tags["mod"] == "1" || m.User.Badges["moderator"] > 0,
		Broadcaster: m.User.Badges["broadcaster"] > 0 || strings.EqualFold(m.User.Name, m.Channel),
	}

	if _, err := s.tracker.HandleMessage(ctx, msg); nil != err {
		s.logger.Warn("unable to track message", zap.String("user", m.User.Name), zap.Error(err))
	}

	res := s.commands.Handle(ctx, msg)
	if res == "" {
		return nil
	}
	s.logger.Debug("command", zap.String("user", m.User.Name), zap.String("message", m.Message), zap.String("reply", res))
	return commands.Split(strings.TrimSpace(res))
}
