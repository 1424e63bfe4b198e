package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "CONFIG_PATH"

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

var (
	ErrParse   = errors.New("failed to parse command line arguments")
	ErrRead    = errors.New("failed to read config file")
	ErrInvalid = errors.New("invalid configuration")
)

type API struct {
	ListenAddr     string   `yaml:"listenAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type WebSocket struct {
	ListenAddr        string        `yaml:"listenAddr"`
	OutboxSize        int           `yaml:"outboxSize"`
	MaxMessageSize    int64         `yaml:"maxMessageSize"`
	MessagesPerSecond float64       `yaml:"messagesPerSecond"`
	Burst             int           `yaml:"burst"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	PongWait          time.Duration `yaml:"pongWait"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
}

type Rooms struct {
	MeetingIDLength int           `yaml:"meetingIdLength"`
	PendingTTL      time.Duration `yaml:"pendingTtl"`
}

type Logging struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type Config struct {
	API       API       `yaml:"api"`
	WebSocket WebSocket `yaml:"websocket"`
	Rooms     Rooms     `yaml:"rooms"`
	Logging   Logging   `yaml:"logging"`
}

func Default() Config {
	return Config{
		API: API{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
		},
		WebSocket: WebSocket{
			ListenAddr:        ":8888",
			OutboxSize:        64,
			MaxMessageSize:    64 * 1024,
			MessagesPerSecond: 50,
			Burst:             100,
			PingInterval:      5 * time.Second,
			PongWait:          7 * time.Second,
			WriteTimeout:      5 * time.Second,
		},
		Rooms: Rooms{
			MeetingIDLength: 6,
			PendingTTL:      24 * time.Hour,
		},
		Logging: Logging{
			Level:  "debug",
			Format: LogFormatJSON,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// command line arguments, in that order of precedence (last wins).
// The file is taken from --config or CONFIG_PATH.
func Load(args []string) (*Config, error) {
	cfg := Default()
	path := os.Getenv(envConfigPath)

	// first pass only discovers --config
	fs := newFlagSet(&cfg, &path)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrParse, err)
	}

	if path != "" {
		cfg = Default()
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Join(ErrRead, err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Join(ErrRead, err)
		}
		fs = newFlagSet(&cfg, &path)
		if err = fs.Parse(args); err != nil {
			return nil, errors.Join(ErrParse, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	return &cfg, nil
}

func newFlagSet(cfg *Config, path *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	fs.StringVarP(path, "config", "c", *path, "path to YAML config file")
	fs.StringVarP(&cfg.API.ListenAddr, "api-listen-addr", "a", cfg.API.ListenAddr, "api listen address")
	fs.StringSliceVar(&cfg.API.AllowedOrigins, "allowed-origins", cfg.API.AllowedOrigins, "CORS allowed origins")
	fs.StringVarP(&cfg.WebSocket.ListenAddr, "ws-listen-addr", "w", cfg.WebSocket.ListenAddr, "websocket signaling listen address")
	fs.IntVar(&cfg.WebSocket.OutboxSize, "outbox-size", cfg.WebSocket.OutboxSize, "per connection outgoing queue length")
	fs.Int64Var(&cfg.WebSocket.MaxMessageSize, "max-message-size", cfg.WebSocket.MaxMessageSize, "max inbound websocket message size in bytes")
	fs.Float64Var(&cfg.WebSocket.MessagesPerSecond, "messages-per-second", cfg.WebSocket.MessagesPerSecond, "per connection inbound message rate, 0 disables limiting")
	fs.IntVar(&cfg.WebSocket.Burst, "burst", cfg.WebSocket.Burst, "per connection inbound message burst")
	fs.DurationVar(&cfg.WebSocket.PingInterval, "ping-interval", cfg.WebSocket.PingInterval, "websocket ping interval")
	fs.DurationVar(&cfg.WebSocket.PongWait, "pong-wait", cfg.WebSocket.PongWait, "how long to wait for pong, must exceed ping interval")
	fs.DurationVar(&cfg.WebSocket.WriteTimeout, "write-timeout", cfg.WebSocket.WriteTimeout, "websocket write deadline")
	fs.IntVar(&cfg.Rooms.MeetingIDLength, "meeting-id-length", cfg.Rooms.MeetingIDLength, "generated meeting id length")
	fs.DurationVar(&cfg.Rooms.PendingTTL, "pending-room-ttl", cfg.Rooms.PendingTTL, "lifetime of created but never joined rooms, 0 keeps them forever")
	fs.StringVarP(&cfg.Logging.Level, "log-level", "l", cfg.Logging.Level, "log level")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "log format: json|console")
	return fs
}

func (c *Config) validate() error {
	if c.API.ListenAddr == "" {
		return errors.New("api listen address is required")
	}
	if c.WebSocket.ListenAddr == "" {
		return errors.New("websocket listen address is required")
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != LogFormatJSON && c.Logging.Format != LogFormatConsole {
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Rooms.MeetingIDLength <= 0 {
		return errors.New("meeting id length must be positive")
	}
	if c.WebSocket.OutboxSize <= 0 || c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("outbox size and max message size must be positive")
	}
	if c.WebSocket.MessagesPerSecond < 0 || c.WebSocket.Burst < 0 {
		return errors.New("rate limit settings must not be negative")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return errors.New("pong wait must exceed a positive ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	return nil
}
