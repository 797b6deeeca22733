// Package dispatch sends guarded commands to control-component nodes and
// routes their replies back to the waiting callers.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
)

// Kind tells commands, replies and error replies apart on the wire.
type Kind string

const (
	KindCommand Kind = "command"
	KindReply   Kind = "reply"
	KindError   Kind = "error"
)

// ParseKind converts a header value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCommand, KindReply, KindError:
		return k, nil
	default:
		return "", domain.NewInvalidCommandError("kind", "unknown message kind %q", s)
	}
}

// Failure is the structured content of an error reply.
type Failure struct {
	Code    string
	Message string
}

// Message is one command or reply crossing the node boundary. Replies carry
// the identity of the command they answer.
type Message struct {
	Kind     Kind
	Identity domain.CommandIdentity
	Payload  []byte

	// Failure is set on KindError only.
	Failure *Failure

	MessageID string
	SentAt    time.Time
}

// Validate checks the message is routable.
func (m Message) Validate() error {
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return err
	}
	if err := m.Identity.Validate(); err != nil {
		return err
	}
	if m.Kind == KindError && m.Failure == nil {
		return domain.NewInvalidCommandError("failure", "error message without failure")
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s", m.Kind, m.Identity)
}

// DeadLetter is a message that could not or must not be processed normally.
type DeadLetter struct {
	Message Message
	Reason  string
	Code    string
}

// Transport moves messages between the coordinator and the nodes.
type Transport interface {
	// Send publishes a command, reply or error reply.
	Send(ctx context.Context, msg Message) error

	// DeadLetter publishes to the dead-letter channel.
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// Command is what a caller asks a node to do.
type Command struct {
	ScopeID   string
	Operation domain.Operation
	NodeID    int
	Payload   []byte

	// CorrelationID identifies the attempt. Reuse it to retry the same
	// attempt; leave it empty to start a new one.
	CorrelationID string

	// Timeout overrides the dispatcher's reply timeout when positive.
	Timeout time.Duration
}

// BroadcastCommand sends the same request to several nodes under one
// correlation id.
type BroadcastCommand struct {
	ScopeID       string
	Operation     domain.Operation
	NodeIDs       []int
	Payload       []byte
	CorrelationID string
	Timeout       time.Duration
}
