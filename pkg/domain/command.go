package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// CommandIdentity uniquely identifies one attempt of one logical command
// directed at one node within one business scope. It is the primary key of
// the command store.
type CommandIdentity struct {
	// ScopeID is the business transaction scope (e.g. an election event id).
	ScopeID string

	// Operation is the logical command name.
	Operation Operation

	// CorrelationID identifies the message exchange this attempt belongs to.
	CorrelationID string

	// NodeID is the addressed node. Zero means the guard is not node specific.
	NodeID int
}

// Validate checks that every component of the identity is well formed.
// Scope and correlation ids travel in message headers, so they must be
// printable ASCII without whitespace.
func (id CommandIdentity) Validate() error {
	if err := validateToken("scope_id", id.ScopeID); err != nil {
		return err
	}
	if !id.Operation.Valid() {
		return NewInvalidCommandError("operation", "unknown operation %q", id.Operation)
	}
	if err := validateToken("correlation_id", id.CorrelationID); err != nil {
		return err
	}
	if id.NodeID < 0 {
		return NewInvalidCommandError("node_id", "node id must not be negative, got %d", id.NodeID)
	}
	return nil
}

// Semantic returns the partial key shared by every attempt of the same
// logical command.
func (id CommandIdentity) Semantic() SemanticKey {
	return SemanticKey{
		ScopeID:   id.ScopeID,
		Operation: id.Operation,
		NodeID:    id.NodeID,
	}
}

func (id CommandIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s/node-%d", id.ScopeID, id.Operation, id.CorrelationID, id.NodeID)
}

// SemanticKey groups the attempts of one logical command issued under
// different correlation ids.
type SemanticKey struct {
	ScopeID   string
	Operation Operation
	NodeID    int
}

func (k SemanticKey) String() string {
	return fmt.Sprintf("%s/%s/node-%d", k.ScopeID, k.Operation, k.NodeID)
}

// CommandRecord is the durable evidence that a command attempt was seen,
// and once computed, what it answered.
type CommandRecord struct {
	Identity CommandIdentity

	// RequestDigest is the digest of the request payload as first received.
	RequestDigest []byte
	RequestedAt   time.Time

	// Response fields stay empty until the computation succeeds.
	ResponseDigest []byte
	Response       []byte
	RespondedAt    time.Time

	// Version is the optimistic concurrency counter, incremented on every mutation.
	Version int64
}

// Completed reports whether a response has been attached.
func (r *CommandRecord) Completed() bool {
	return r != nil && r.ResponseDigest != nil
}

func validateToken(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewInvalidCommandError(field, "%s is required", field)
	}
	if !govalidator.IsPrintableASCII(value) || govalidator.HasWhitespace(value) {
		return NewInvalidCommandError(field, "%s must be printable ASCII without whitespace", field)
	}
	return nil
}
