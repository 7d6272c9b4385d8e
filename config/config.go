// Package config loads environment variables and provides a typed Config used across the bot.
// A .env file in the working directory is loaded first for local convenience; real environment
// variables always win. Defaults are chosen so `sub-tender run` works with only the Twitch app
// credentials and the two account names set.
package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	// Twitch application
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`

	// Identities
	BroadcasterUsername string `env:"BROADCASTER_USERNAME"`
	BotUsername         string `env:"BOT_USERNAME"`
	BroadcasterScopes   string `env:"BROADCASTER_SCOPES" default:"channel:manage:broadcast bits:read user:read:chat"`
	BotScopes           string `env:"BOT_SCOPES" default:"user:read:chat user:write:chat chat:read chat:edit"`
	// IdentityToken selects the bearer used for user lookups: "app" (client credentials) or "user".
	IdentityToken string `env:"IDENTITY_TOKEN" default:"app"`

	// Authorization flow
	AuthMethod     string `env:"AUTH_METHOD" default:"device"`
	RedirectHost   string `env:"REDIRECT_HOST" default:"localhost"`
	RedirectPort   int    `env:"REDIRECT_PORT" default:"8090"`
	ValidateTokens bool   `env:"VALIDATE_TOKENS" default:"false"`

	// Token persistence
	TokenStore    string `env:"TOKEN_STORE" default:"file"`
	TokenDir      string `env:"TOKEN_DIR" default:"."`
	DBDsn         string `env:"DB_DSN"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" default:"5m"`
	RefreshWindow   time.Duration `env:"REFRESH_WINDOW" default:"15m"`

	// EventSub
	EventSubURL    string        `env:"EVENTSUB_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" default:"2s"`
	KeepaliveGrace time.Duration `env:"KEEPALIVE_GRACE" default:"10s"`

	// Delivery
	ConsumerRate    string `env:"CONSUMER_RATE" default:"1"`
	QueueCapacity   int    `env:"QUEUE_CAPACITY" default:"1024"`
	ChatThankCheers bool   `env:"CHAT_THANK_CHEERS" default:"false"`

	// Title updater
	BaseSubs       int           `env:"BASE_SUBS" default:"1"`
	MaxSubs        int           `env:"MAX_SUBS" default:"100"`
	BaseMult       float64       `env:"BASE_MULT" default:"2"`
	Growth         string        `env:"GROWTH" default:"linear"`
	TitlePrefix    string        `env:"TITLE_PREFIX"`
	TitleSuffix    string        `env:"TITLE_SUFFIX"`
	UpdateInterval time.Duration `env:"UPDATE_INTERVAL" default:"15m"`

	// Ops
	HTTPAddr  string `env:"HTTP_ADDR"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" default:"1"`
}

// Error reports configuration that prevents the process from starting.
type Error struct {
	Missing []string
	Reason  string
}

func (e *Error) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("config: missing required env: %s", strings.Join(e.Missing, ", "))
	}
	return "config: " + e.Reason
}

// Load reads .env (if present) and the environment. It only validates what every command needs
// (the Twitch application credentials); use ValidateRun for the listener requirements.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path.
func LoadFile(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Debug("no dotenv file loaded", slog.String("path", path))
		}
	}
	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, &Error{Reason: err.Error()}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := requireSet(map[string]string{
		"TWITCH_CLIENT_ID":     c.TwitchClientID,
		"TWITCH_CLIENT_SECRET": c.TwitchClientSecret,
	}); err != nil {
		return err
	}
	if _, err := c.Rate(); err != nil {
		return &Error{Reason: err.Error()}
	}
	if c.QueueCapacity <= 0 {
		return &Error{Reason: "QUEUE_CAPACITY must be positive"}
	}
	switch c.TokenStore {
	case "file":
	case "postgres":
		if c.DBDsn == "" {
			return &Error{Missing: []string{"DB_DSN"}}
		}
	default:
		return &Error{Reason: fmt.Sprintf("unknown TOKEN_STORE %q (want file or postgres)", c.TokenStore)}
	}
	switch c.IdentityToken {
	case "app", "user":
	default:
		return &Error{Reason: fmt.Sprintf("unknown IDENTITY_TOKEN %q (want app or user)", c.IdentityToken)}
	}
	return nil
}

// ValidateRun checks the fields the EventSub listener requires.
func (c *Config) ValidateRun() error {
	return requireSet(map[string]string{
		"BROADCASTER_USERNAME": c.BroadcasterUsername,
		"BOT_USERNAME":         c.BotUsername,
	})
}

// ValidateTitle checks the fields the title updater requires.
func (c *Config) ValidateTitle() error {
	if err := requireSet(map[string]string{"BROADCASTER_USERNAME": c.BroadcasterUsername}); err != nil {
		return err
	}
	if c.MaxSubs < c.BaseSubs {
		return &Error{Reason: "MAX_SUBS must be >= BASE_SUBS"}
	}
	if c.UpdateInterval <= 0 {
		return &Error{Reason: "UPDATE_INTERVAL must be positive"}
	}
	return nil
}

func requireSet(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &Error{Missing: missing}
}

// Rate parses CONSUMER_RATE. Zero means unbounded.
func (c *Config) Rate() (float64, error) {
	v := strings.ToLower(strings.TrimSpace(c.ConsumerRate))
	if v == "unbounded" || v == "inf" {
		return 0, nil
	}
	r, err := strconv.ParseFloat(v, 64)
	if err != nil || r <= 0 {
		return 0, fmt.Errorf("invalid CONSUMER_RATE %q (want a positive number or \"unbounded\")", c.ConsumerRate)
	}
	return r, nil
}

// Scopes splits a space or comma separated scope list.
func Scopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}

// RedirectURI is the local callback the Twitch application must list.
func (c *Config) RedirectURI() string {
	return fmt.Sprintf("http://%s:%d", c.RedirectHost, c.RedirectPort)
}
