package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider serves fixed credentials. Use it for tests and local
// development only.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider serves token until ttl elapses. A ttl of zero never
// expires.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	return &StaticProvider{creds: &Credentials{
		Type:      CredentialTypeToken,
		Token:     token,
		ExpiresAt: expiry(ttl),
		Metadata:  map[string]string{"provider": "static"},
	}}
}

// NewStaticUserPasswordProvider serves a fixed user and password.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     user,
		Password: password,
		Metadata: map[string]string{"provider": "static"},
	}}
}

// NewStaticProvider serves creds as given.
func NewStaticProvider(creds *Credentials) (*StaticProvider, error) {
	if creds == nil {
		return nil, fmt.Errorf("%w: nil credentials", ErrInvalidCredentials)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &StaticProvider{creds: creds}, nil
}

func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

func (p *StaticProvider) Rotate(ctx context.Context) error {
	return fmt.Errorf("rotation not supported for static provider")
}

func (p *StaticProvider) Type() CredentialType {
	return p.creds.Type
}

func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads credentials from environment variables on every call, so
// values injected at runtime are picked up.
type EnvProvider struct {
	credType    CredentialType
	tokenVar    string
	userVar     string
	passwordVar string
	ttl         time.Duration
}

// NewEnvTokenProvider reads the token from tokenVar.
func NewEnvTokenProvider(tokenVar string, ttl time.Duration) *EnvProvider {
	return &EnvProvider{credType: CredentialTypeToken, tokenVar: tokenVar, ttl: ttl}
}

// NewEnvUserPasswordProvider reads the user and password from userVar and
// passwordVar.
func NewEnvUserPasswordProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{credType: CredentialTypeUserPassword, userVar: userVar, passwordVar: passwordVar}
}

func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	switch p.credType {
	case CredentialTypeToken:
		token := os.Getenv(p.tokenVar)
		if token == "" {
			return nil, fmt.Errorf("environment variable %s not set", p.tokenVar)
		}
		return &Credentials{
			Type:      CredentialTypeToken,
			Token:     token,
			ExpiresAt: expiry(p.ttl),
			Metadata:  map[string]string{"provider": "environment", "env_var": p.tokenVar},
		}, nil

	case CredentialTypeUserPassword:
		user, password := os.Getenv(p.userVar), os.Getenv(p.passwordVar)
		if user == "" || password == "" {
			return nil, fmt.Errorf("environment variables %s and %s must be set", p.userVar, p.passwordVar)
		}
		return &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{"provider": "environment", "user_var": p.userVar},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported credential type: %s", p.credType)
	}
}

// Rotate is a no-op; the next GetCredentials re-reads the environment.
func (p *EnvProvider) Rotate(ctx context.Context) error {
	return nil
}

func (p *EnvProvider) Type() CredentialType {
	return p.credType
}

func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider tries providers in order until one succeeds, for example a
// secret keeper first and the environment as fallback.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider chains providers.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	var errs []error
	for i, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Rotate rotates the first provider that supports it.
func (p *ChainProvider) Rotate(ctx context.Context) error {
	if len(p.providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	var errs []error
	for i, provider := range p.providers {
		err := provider.Rotate(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
	}
	return errors.Join(errs...)
}

func (p *ChainProvider) Type() CredentialType {
	if len(p.providers) > 0 {
		return p.providers[0].Type()
	}
	return ""
}

func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	exp := time.Now().Add(ttl)
	return &exp
}
