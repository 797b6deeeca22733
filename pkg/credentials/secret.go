package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets"
)

// secretData is the plaintext sealed by the keeper. storedCredentials has no
// redacting MarshalJSON, so the secrets survive the round trip.
type secretData struct {
	Credentials *storedCredentials `json:"credentials"`
	Version     int                `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
}

type storedCredentials Credentials

type secretConfig struct {
	cacheTTL        time.Duration
	refreshInterval time.Duration
	logger          *slog.Logger
}

// SecretOption configures a SecretProvider.
type SecretOption func(*secretConfig)

// WithCacheTTL sets how long decrypted credentials are served before the
// file is read again.
func WithCacheTTL(d time.Duration) SecretOption {
	return func(c *secretConfig) {
		c.cacheTTL = d
	}
}

// WithAutoRefresh reloads the credentials every interval in the background.
func WithAutoRefresh(interval time.Duration) SecretOption {
	return func(c *secretConfig) {
		c.refreshInterval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SecretOption {
	return func(c *secretConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// SecretProvider decrypts credentials from a ciphertext file with a
// gocloud.dev secrets keeper.
type SecretProvider struct {
	keeper *secrets.Keeper
	path   string
	config secretConfig

	mu          sync.RWMutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool

	closeOnce   sync.Once
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// NewSecretProvider opens the keeper at keeperURL and loads the credentials
// sealed in path.
func NewSecretProvider(ctx context.Context, keeperURL, path string, opts ...SecretOption) (*SecretProvider, error) {
	if keeperURL == "" {
		return nil, fmt.Errorf("keeper URL is required")
	}
	if path == "" {
		return nil, fmt.Errorf("secret path is required")
	}

	cfg := secretConfig{
		cacheTTL: 5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	p := &SecretProvider{
		keeper:      keeper,
		path:        path,
		config:      cfg,
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}
	if _, err := p.load(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("load initial credentials: %w", err)
	}

	if cfg.refreshInterval > 0 {
		go p.autoRefresh()
	} else {
		close(p.refreshDone)
	}
	return p, nil
}

// GetCredentials returns cached credentials, reloading them once the cache
// expired.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	creds := p.cached
	fresh := creds != nil && time.Now().Before(p.cacheExpiry)
	p.mu.RUnlock()

	if !fresh {
		var err error
		if creds, err = p.load(ctx); err != nil {
			return nil, err
		}
	}
	if creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return creds, nil
}

func (p *SecretProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}

	var data secretData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("unmarshal secret: %w", err)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: secret holds no credentials", ErrInvalidCredentials)
	}
	creds := (*Credentials)(data.Credentials)
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	p.cached = creds
	p.cacheExpiry = time.Now().Add(p.config.cacheTTL)
	return creds, nil
}

// Rotate drops the cache and reloads the file.
func (p *SecretProvider) Rotate(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProviderClosed
	}
	p.cached = nil
	p.cacheExpiry = time.Time{}
	p.mu.Unlock()

	_, err := p.load(ctx)
	return err
}

func (p *SecretProvider) Type() CredentialType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return ""
	}
	return p.cached.Type
}

// Close stops the refresh loop and closes the keeper.
func (p *SecretProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.refreshStop)
		<-p.refreshDone
		err = p.keeper.Close()
	})
	return err
}

func (p *SecretProvider) autoRefresh() {
	defer close(p.refreshDone)

	ticker := time.NewTicker(p.config.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := p.load(ctx); err != nil {
				p.config.logger.Warn("credential refresh failed", "path", p.path, "error", err)
			}
			cancel()
		case <-p.refreshStop:
			return
		}
	}
}

// StoreCredentials seals creds with the keeper at keeperURL and writes the
// ciphertext to path.
func StoreCredentials(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("%w: nil credentials", ErrInvalidCredentials)
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(secretData{
		Credentials: (*storedCredentials)(creds),
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create secret directory: %w", err)
		}
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}
