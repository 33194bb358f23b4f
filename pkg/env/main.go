package env

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	twitchUsername       = "TWITCH_USERNAME"
	twitchOauth          = "TWITCH_OAUTH_TOKEN"
	twitchChannel        = "TWITCH_CHANNEL"
	twitchClientID       = "TWITCH_CLIENT_ID"
	twitchClientSecret   = "TWITCH_CLIENT_SECRET"
	twitchBotAccessToken = "TWITCH_BOT_ACCESS_TOKEN"
	adminKey             = "ADMIN_KEY"
	databaseDriver       = "DATABASE_DRIVER"
	databaseURL          = "DATABASE_URL"
	listenAddress        = "LISTEN_ADDRESS"
	timezone             = "TIMEZONE"
	heartbeatSeconds     = "HEARTBEAT_SECONDS"
	presenceTimeout      = "PRESENCE_TIMEOUT_SECONDS"
	secondsPerPoint      = "VIEWTIME_SECONDS_PER_POINT"
	pointsPerMessage     = "POINTS_PER_MESSAGE"
	chatCooldown         = "CHAT_POINTS_COOLDOWN_SECONDS"
	maxChatPointsPerHour = "MAX_CHAT_POINTS_PER_HOUR"
	maxMessagesPerWindow = "MAX_MESSAGES_PER_WINDOW"
	spamWindow           = "SPAM_DETECTION_WINDOW_SECONDS"
	minMessageLength     = "MIN_MESSAGE_LENGTH"
	maxClipsPerDay       = "MAX_CLIPS_PER_DAY"
	enableChatPoints     = "ENABLE_CHAT_POINTS"
	enableViewtime       = "ENABLE_VIEWTIME_POINTS"
	streamOfflineCheck   = "STREAM_OFFLINE_CHECK"
	clipOwnershipMode    = "CLIP_OWNERSHIP_MODE"
	metricsEnabled       = "METRICS_ENABLED"
	corsOrigins          = "CORS_ORIGINS"
	logLevel             = "LOG_LEVEL"
	logFormat            = "LOG_FORMAT"
)

const (
	OwnershipStrict     = "strict"
	OwnershipPermissive = "permissive"
)

type EmptyValueError struct {
	key string
}

func (e *EmptyValueError) Error() string {
	return "No environmental variable set for key " + e.key
}

type InvalidValueError struct {
	key   string
	value string
}

func (e *InvalidValueError) Error() string {
	return "invalid value " + strconv.Quote(e.value) + " for key " + e.key
}

// Config is the complete runtime configuration of the bot.
type Config struct {
	Username       string `validate:"required"`
	OauthToken     string `validate:"required"`
	Channel        string `validate:"required"`
	AdminKey       string `validate:"required"`
	ClientID       string
	ClientSecret   string
	BotAccessToken string

	DatabaseDriver string `validate:"oneof=sqlite postgres"`
	DatabaseURL    string `validate:"required"`
	ListenAddress  string `validate:"required"`
	Timezone       string `validate:"required"`
	Location       *time.Location

	Heartbeat            time.Duration `validate:"gt=0"`
	PresenceTimeout      time.Duration `validate:"gt=0"`
	SecondsPerPoint      int64         `validate:"gt=0"`
	PointsPerMessage     int64         `validate:"gt=0"`
	ChatCooldown         time.Duration `validate:"gte=0"`
	MaxChatPointsPerHour int64         `validate:"gt=0"`
	MaxMessagesPerWindow int64         `validate:"gt=0"`
	SpamWindow           time.Duration `validate:"gt=0"`
	MinMessageLength     int           `validate:"gte=0"`
	MaxClipsPerDay       int64         `validate:"gt=0"`

	EnableChatPoints     bool
	EnableViewtimePoints bool
	StreamOfflineCheck   bool
	ClipOwnershipMode    string `validate:"oneof=strict permissive"`
	MetricsEnabled       bool
	CORSOrigins          []string

	LogLevel  string
	LogFormat string
}

// HasAPICredentials reports whether the helix client can be created.
func (c *Config) HasAPICredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load reads the optional .env files (only values not already set in the
// environment are taken from them), then the environment itself.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); nil != err && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrap(err, "unable to read "+f)
		}
	}

	c := &Config{
		DatabaseDriver:    stringOr(databaseDriver, "sqlite"),
		DatabaseURL:       stringOr(databaseURL, "activity.db"),
		ListenAddress:     stringOr(listenAddress, ":3000"),
		Timezone:          stringOr(timezone, "Europe/Berlin"),
		ClipOwnershipMode: strings.ToLower(stringOr(clipOwnershipMode, OwnershipStrict)),
		LogLevel:          stringOr(logLevel, "info"),
		LogFormat:         stringOr(logFormat, "console"),
	}
	Username(&c.Username)
	OauthToken(&c.OauthToken)
	Channel(&c.Channel)
	AdminKey(&c.AdminKey)
	optional(twitchClientID, &c.ClientID)
	optional(twitchClientSecret, &c.ClientSecret)
	optional(twitchBotAccessToken, &c.BotAccessToken)
	c.Username = strings.ToLower(c.Username)
	c.Channel = strings.ToLower(strings.TrimPrefix(c.Channel, "#"))
	c.OauthToken = strings.TrimPrefix(c.OauthToken, "oauth:")
	if origins, ok := os.LookupEnv(corsOrigins); ok && origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	var err error
	p := parser{}
	c.Heartbeat = p.seconds(heartbeatSeconds, 60)
	c.PresenceTimeout = p.seconds(presenceTimeout, 120)
	c.SecondsPerPoint = p.int(secondsPerPoint, 60)
	c.PointsPerMessage = p.int(pointsPerMessage, 1)
	c.ChatCooldown = p.seconds(chatCooldown, 10)
	c.MaxChatPointsPerHour = p.int(maxChatPointsPerHour, 60)
	c.MaxMessagesPerWindow = p.int(maxMessagesPerWindow, 6)
	c.SpamWindow = p.seconds(spamWindow, 60)
	c.MinMessageLength = int(p.int(minMessageLength, 3))
	c.MaxClipsPerDay = p.int(maxClipsPerDay, 3)
	c.EnableChatPoints = p.bool(enableChatPoints, true)
	c.EnableViewtimePoints = p.bool(enableViewtime, true)
	c.StreamOfflineCheck = p.bool(streamOfflineCheck, true)
	c.MetricsEnabled = p.bool(metricsEnabled, true)
	if nil != p.err {
		return nil, p.err
	}

	c.Location, err = time.LoadLocation(c.Timezone)
	if nil != err {
		return nil, errors.Wrap(err, "unable to load timezone "+c.Timezone)
	}

	if errs := missing(); len(errs) > 0 {
		return nil, errs[0]
	}
	if err := validator.New().Struct(c); nil != err {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}

func Username(ref *string) bool   { return env(twitchUsername, ref) }
func OauthToken(ref *string) bool { return env(twitchOauth, ref) }
func Channel(ref *string) bool    { return env(twitchChannel, ref) }
func AdminKey(ref *string) bool   { return env(adminKey, ref) }

func env(key string, ref *string) bool {
	value, valid := os.LookupEnv(key)
	if "" == value || !valid {
		return false
	}
	*ref = value
	return true
}

func optional(key string, ref *string) {
	env(key, ref)
}

func stringOr(key, fallback string) string {
	var value string
	if env(key, &value) {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int64) int64 {
	var str string
	if !env(key, &str) {
		return fallback
	}
	value, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if nil != err {
		if nil == p.err {
			p.err = &InvalidValueError{key: key, value: str}
		}
		return fallback
	}
	return value
}

func (p *parser) seconds(key string, fallback int64) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Second
}

func (p *parser) bool(key string, fallback bool) bool {
	var str string
	if !env(key, &str) {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(str))
	if nil != err {
		if nil == p.err {
			p.err = &InvalidValueError{key: key, value: str}
		}
		return fallback
	}
	return value
}

func missing() []error {
	errs := []error{}
	for _, key := range []string{twitchUsername, twitchOauth, twitchChannel, adminKey} {
		var value string
		if !env(key, &value) {
			errs = append(errs, &EmptyValueError{key})
		}
	}
	return errs
}
