// Package config loads process settings from EXACTLYONCE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings shared by the coordinator and node commands.
type Config struct {
	NodeID int    `env:"EXACTLYONCE_NODE_ID" envDefault:"1"`
	DBPath string `env:"EXACTLYONCE_DB_PATH" envDefault:"exactlyonce.db"`

	// DBBusyTimeout bounds how long a transaction waits for the store lock.
	// It must fit within ResponseTimeout.
	DBBusyTimeout time.Duration `env:"EXACTLYONCE_DB_BUSY_TIMEOUT" envDefault:"5s"`

	NATSURL       string        `env:"EXACTLYONCE_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Stream        string        `env:"EXACTLYONCE_STREAM" envDefault:"CONTROL_COMPONENTS"`
	SubjectPrefix string        `env:"EXACTLYONCE_SUBJECT_PREFIX" envDefault:"exactlyonce"`
	MaxDeliver    int           `env:"EXACTLYONCE_MAX_DELIVER" envDefault:"5"`
	AckWait       time.Duration `env:"EXACTLYONCE_ACK_WAIT" envDefault:"30s"`

	// EmbeddedNATS starts an in-process server instead of connecting to
	// NATSURL.
	EmbeddedNATS    bool   `env:"EXACTLYONCE_EMBEDDED_NATS" envDefault:"false"`
	EmbeddedNATSDir string `env:"EXACTLYONCE_EMBEDDED_NATS_DIR"`

	ResponseTimeout time.Duration `env:"EXACTLYONCE_RESPONSE_TIMEOUT" envDefault:"30s"`
	SemanticReplay  bool          `env:"EXACTLYONCE_SEMANTIC_REPLAY" envDefault:"false"`

	LogLevel  string `env:"EXACTLYONCE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"EXACTLYONCE_LOG_FORMAT" envDefault:"text"`

	// Broker credentials. TokenEnv names the variable holding a token;
	// SecretKeeperURL and SecretFile locate sealed credentials.
	TokenEnv        string `env:"EXACTLYONCE_TOKEN_ENV"`
	SecretKeeperURL string `env:"EXACTLYONCE_SECRET_KEEPER_URL"`
	SecretFile      string `env:"EXACTLYONCE_SECRET_FILE"`

	// TraceDBPath stores finished spans in a SQLite file when set.
	TraceDBPath string `env:"EXACTLYONCE_TRACE_DB_PATH"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	var errs []error
	if c.NodeID < 0 {
		errs = append(errs, fmt.Errorf("node id must not be negative, got %d", c.NodeID))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if c.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("response timeout must be positive, got %s", c.ResponseTimeout))
	}
	switch {
	case c.DBBusyTimeout <= 0:
		errs = append(errs, fmt.Errorf("db busy timeout must be positive, got %s", c.DBBusyTimeout))
	case c.ResponseTimeout > 0 && c.DBBusyTimeout > c.ResponseTimeout:
		errs = append(errs, fmt.Errorf("db busy timeout %s exceeds response timeout %s", c.DBBusyTimeout, c.ResponseTimeout))
	}
	if c.MaxDeliver < 1 {
		errs = append(errs, fmt.Errorf("max deliver must be at least 1, got %d", c.MaxDeliver))
	}
	if c.AckWait <= 0 {
		errs = append(errs, fmt.Errorf("ack wait must be positive, got %s", c.AckWait))
	}
	if !c.EmbeddedNATS && strings.TrimSpace(c.NATSURL) == "" {
		errs = append(errs, errors.New("nats url is required without embedded nats"))
	}
	if (c.SecretKeeperURL == "") != (c.SecretFile == "") {
		errs = append(errs, errors.New("secret keeper url and secret file must be set together"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
