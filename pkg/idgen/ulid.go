// Package idgen generates identifiers for messages and correlations.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a lexically sortable ULID. Safe for concurrent use.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewCorrelationID returns a random UUID.
func NewCorrelationID() string {
	return uuid.NewString()
}
