// Package credentials supplies the secrets a node or coordinator uses to
// authenticate against the message broker.
//
// Secrets are kept encrypted by a gocloud.dev/secrets keeper. The keeper URL
// selects the backend:
//
//	base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=  (local development)
//	awskms://alias/exactlyonce?region=eu-west-1
//	gcpkms://projects/p/locations/global/keyRings/r/cryptoKeys/k
//	hashivault://exactlyonce
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when a closed provider is used.
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential.
type CredentialType string

const (
	CredentialTypeToken        CredentialType = "token"
	CredentialTypeUserPassword CredentialType = "user_password"
	CredentialTypeNKey         CredentialType = "nkey"
	CredentialTypeJWT          CredentialType = "jwt"
)

// Credentials are broker authentication secrets with metadata.
type Credentials struct {
	Type CredentialType `json:"type"`

	Token string `json:"token,omitempty"`

	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// Seed signs the server nonce for nkey and jwt authentication.
	PublicKey string `json:"public_key,omitempty"`
	Seed      string `json:"seed,omitempty"`
	JWTToken  string `json:"jwt_token,omitempty"`

	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the credentials have expired.
func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Validate ensures credentials are well-formed for their type.
func (c *Credentials) Validate() error {
	switch c.Type {
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case CredentialTypeNKey:
		if c.PublicKey == "" || c.Seed == "" {
			return fmt.Errorf("%w: public_key and seed are required", ErrInvalidCredentials)
		}
	case CredentialTypeJWT:
		if c.JWTToken == "" || c.Seed == "" {
			return fmt.Errorf("%w: jwt_token and seed are required", ErrInvalidCredentials)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// MarshalJSON redacts secrets so credentials can be logged safely.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	type alias Credentials
	redacted := &struct {
		Token    string `json:"token,omitempty"`
		Password string `json:"password,omitempty"`
		Seed     string `json:"seed,omitempty"`
		*alias
	}{
		Token:    redact(c.Token),
		Password: redact(c.Password),
		Seed:     redact(c.Seed),
		alias:    (*alias)(c),
	}
	return json.Marshal(redacted)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Provider supplies credentials.
type Provider interface {
	// GetCredentials retrieves the current credentials.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Rotate reloads the credentials from their source, if supported.
	Rotate(ctx context.Context) error

	// Type returns the credential type this provider manages.
	Type() CredentialType

	// Close releases any resources held by the provider.
	Close() error
}
