package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type embeddedConfig struct {
	host      string
	port      int
	storeDir  string
	authToken string
	logger    *slog.Logger
}

// Option configures an embedded server.
type Option func(*embeddedConfig)

// WithHost sets the listen host. Default 127.0.0.1.
func WithHost(host string) Option {
	return func(c *embeddedConfig) {
		c.host = host
	}
}

// WithPort sets the listen port. Default is a random free port.
func WithPort(port int) Option {
	return func(c *embeddedConfig) {
		c.port = port
	}
}

// WithStoreDir sets the JetStream storage directory. Default is a
// temporary directory.
func WithStoreDir(dir string) Option {
	return func(c *embeddedConfig) {
		c.storeDir = dir
	}
}

// WithAuthToken requires clients to authenticate with token.
func WithAuthToken(token string) Option {
	return func(c *embeddedConfig) {
		c.authToken = token
	}
}

// WithServerLogger sets the logger used for lifecycle messages.
func WithServerLogger(logger *slog.Logger) Option {
	return func(c *embeddedConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// EmbeddedServer is an in-process NATS server with JetStream enabled, for
// tests and single-host deployments.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	authToken    string
	logger       *slog.Logger
	shutdownOnce sync.Once
}

// StartEmbeddedServer starts an embedded NATS server with JetStream.
func StartEmbeddedServer(opts ...Option) (*EmbeddedServer, error) {
	cfg := embeddedConfig{
		host:   "127.0.0.1",
		port:   -1,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := server.NewServer(&server.Options{
		Host:          cfg.host,
		Port:          cfg.port,
		JetStream:     true,
		StoreDir:      cfg.storeDir,
		Authorization: cfg.authToken,
		NoSigs:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{
		server:    s,
		url:       s.ClientURL(),
		authToken: cfg.authToken,
		logger:    cfg.logger,
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server. Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("embedded NATS shutdown timed out", "url", e.url)
		}
	})
}

// ConnectToEmbedded opens a plain client connection to srv.
func ConnectToEmbedded(srv *EmbeddedServer) (*nats.Conn, error) {
	var opts []nats.Option
	if srv.authToken != "" {
		opts = append(opts, nats.Token(srv.authToken))
	}
	return nats.Connect(srv.URL(), opts...)
}
