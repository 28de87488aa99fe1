package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "GREENSCREEN"

	HeartbeatScopeRoom       = "room"
	HeartbeatScopeConnection = "connection"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr string `mapstructure:"api-listen-addr"`
	WSListenAddr  string `mapstructure:"ws-listen-addr"`
	PublicWSURL   string `mapstructure:"public-ws-url"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	QueueSize         int           `mapstructure:"queue-size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	HeartbeatScope    string        `mapstructure:"heartbeat-scope"`
	PingInterval      time.Duration `mapstructure:"ping-interval"`
	PongWait          time.Duration `mapstructure:"pong-wait"`
	WriteTimeout      time.Duration `mapstructure:"write-timeout"`

	PrintConfig bool `mapstructure:"print-config"`
}

func flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("greenscreen", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a yaml config file")
	fs.StringP("api-listen-addr", "a", ":8080", "control api listen address")
	fs.StringP("ws-listen-addr", "w", ":47336", "websocket relay listen address")
	fs.String("public-ws-url", "ws://localhost:47336", "websocket base url announced on join")
	fs.StringP("log-level", "l", "info", "log level")
	fs.String("log-format", "console", "log format: console or json")
	fs.Int("queue-size", 96, "pending events per subscriber before it is evicted")
	fs.Duration("heartbeat-interval", 10*time.Second, "heartbeat event interval")
	fs.String("heartbeat-scope", HeartbeatScopeRoom, "heartbeat source: room or connection")
	fs.Duration("ping-interval", 5*time.Second, "websocket ping interval")
	fs.Duration("pong-wait", 7*time.Second, "how long to wait for a pong or any client frame")
	fs.Duration("write-timeout", 5*time.Second, "websocket write deadline")
	fs.Bool("print-config", false, "print resolved configuration and exit")
	return fs
}

// Load resolves configuration from args, GREENSCREEN_* environment
// variables and an optional config file, in that order of precedence.
func Load(args []string) (*Config, error) {
	fs := flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse command line arguments: %w", err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log-level: %w", err))
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log-format: unknown format %q", cfg.LogFormat))
	}
	if cfg.QueueSize <= 0 {
		errs = append(errs, errors.New("queue-size must be positive"))
	}
	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat-interval must be positive"))
	}
	if cfg.HeartbeatScope != HeartbeatScopeRoom && cfg.HeartbeatScope != HeartbeatScopeConnection {
		errs = append(errs, fmt.Errorf("heartbeat-scope: unknown scope %q", cfg.HeartbeatScope))
	}
	if cfg.PingInterval <= 0 || cfg.WriteTimeout <= 0 {
		errs = append(errs, errors.New("ping-interval and write-timeout must be positive"))
	}
	if cfg.PongWait <= cfg.PingInterval {
		errs = append(errs, errors.New("pong-wait must be longer than ping-interval"))
	}
	if strings.TrimSpace(cfg.PublicWSURL) == "" {
		errs = append(errs, errors.New("public-ws-url is required"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}

// Logger builds the root logger. Validate must have passed.
func (cfg *Config) Logger(out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	lvl, _ := zerolog.ParseLevel(cfg.LogLevel)
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
