package nats

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
)

// Message headers. The payload travels as the message body; an error reply
// carries its failure message as the body instead.
const (
	HeaderKind             = "Message-Kind"
	HeaderScopeID          = "Scope-ID"
	HeaderTenantID         = "Tenant-ID"
	HeaderOperation        = "Operation"
	HeaderCorrelationID    = "Correlation-ID"
	HeaderNodeID           = "Node-ID"
	HeaderSentAt           = "Sent-At"
	HeaderFailureCode      = "Failure-Code"
	HeaderDeadLetterReason = "Dead-Letter-Reason"
	HeaderDeadLetterCode   = "Dead-Letter-Code"
)

// subjects builds the subject layout under one prefix:
//
//	<prefix>.command.<node>.<operation>
//	<prefix>.reply.<operation>
//	<prefix>.dlq.<operation>
type subjects struct {
	prefix string
}

func (s subjects) all() string {
	return s.prefix + ".>"
}

func (s subjects) command(nodeID int, op domain.Operation) string {
	return fmt.Sprintf("%s.command.%d.%s", s.prefix, nodeID, op)
}

func (s subjects) commandsFor(nodeID int) string {
	return fmt.Sprintf("%s.command.%d.>", s.prefix, nodeID)
}

func (s subjects) reply(op domain.Operation) string {
	return fmt.Sprintf("%s.reply.%s", s.prefix, op)
}

func (s subjects) replies() string {
	return s.prefix + ".reply.>"
}

func (s subjects) deadLetter(op domain.Operation) string {
	return fmt.Sprintf("%s.dlq.%s", s.prefix, op)
}

func (s subjects) deadLetters() string {
	return s.prefix + ".dlq.>"
}

func (s subjects) forMessage(msg dispatch.Message) string {
	if msg.Kind == dispatch.KindCommand {
		return s.command(msg.Identity.NodeID, msg.Identity.Operation)
	}
	return s.reply(msg.Identity.Operation)
}

func encode(subject string, msg dispatch.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Header.Set(HeaderKind, string(msg.Kind))
	out.Header.Set(HeaderScopeID, msg.Identity.ScopeID)
	// the scope doubles as the tenant
	out.Header.Set(HeaderTenantID, msg.Identity.ScopeID)
	out.Header.Set(HeaderOperation, string(msg.Identity.Operation))
	out.Header.Set(HeaderCorrelationID, msg.Identity.CorrelationID)
	out.Header.Set(HeaderNodeID, strconv.Itoa(msg.Identity.NodeID))
	if !msg.SentAt.IsZero() {
		out.Header.Set(HeaderSentAt, msg.SentAt.UTC().Format(time.RFC3339Nano))
	}
	if msg.MessageID != "" {
		out.Header.Set(nats.MsgIdHdr, msg.MessageID)
	}

	out.Data = msg.Payload
	if msg.Failure != nil {
		out.Header.Set(HeaderFailureCode, msg.Failure.Code)
		out.Data = []byte(msg.Failure.Message)
	}
	return out
}

func encodeDeadLetter(subject string, dl dispatch.DeadLetter) *nats.Msg {
	out := encode(subject, dl.Message)
	out.Header.Set(HeaderDeadLetterReason, dl.Reason)
	out.Header.Set(HeaderDeadLetterCode, dl.Code)
	return out
}

func decode(in *nats.Msg) (dispatch.Message, error) {
	kind, err := dispatch.ParseKind(in.Header.Get(HeaderKind))
	if err != nil {
		return dispatch.Message{}, err
	}
	op, err := domain.ParseOperation(in.Header.Get(HeaderOperation))
	if err != nil {
		return dispatch.Message{}, err
	}
	nodeID, err := strconv.Atoi(in.Header.Get(HeaderNodeID))
	if err != nil {
		return dispatch.Message{}, domain.NewInvalidCommandError("node_id", "malformed node id header: %v", err)
	}

	msg := dispatch.Message{
		Kind: kind,
		Identity: domain.CommandIdentity{
			ScopeID:       in.Header.Get(HeaderScopeID),
			Operation:     op,
			CorrelationID: in.Header.Get(HeaderCorrelationID),
			NodeID:        nodeID,
		},
		MessageID: in.Header.Get(nats.MsgIdHdr),
	}
	if raw := in.Header.Get(HeaderSentAt); raw != "" {
		sentAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return dispatch.Message{}, domain.NewInvalidCommandError("sent_at", "malformed timestamp: %v", err)
		}
		msg.SentAt = sentAt
	}

	if kind == dispatch.KindError {
		msg.Failure = &dispatch.Failure{
			Code:    in.Header.Get(HeaderFailureCode),
			Message: string(in.Data),
		}
	} else {
		msg.Payload = in.Data
	}

	if err := msg.Validate(); err != nil {
		return dispatch.Message{}, err
	}
	return msg, nil
}

// decodeDeadLetter never fails: a dead letter is often a message that did
// not decode in the first place, so its fields are kept as found.
func decodeDeadLetter(in *nats.Msg) dispatch.DeadLetter {
	msg, err := decode(in)
	if err != nil {
		nodeID, _ := strconv.Atoi(in.Header.Get(HeaderNodeID))
		msg = dispatch.Message{
			Kind: dispatch.Kind(in.Header.Get(HeaderKind)),
			Identity: domain.CommandIdentity{
				ScopeID:       in.Header.Get(HeaderScopeID),
				Operation:     domain.Operation(in.Header.Get(HeaderOperation)),
				CorrelationID: in.Header.Get(HeaderCorrelationID),
				NodeID:        nodeID,
			},
			Payload:   in.Data,
			MessageID: in.Header.Get(nats.MsgIdHdr),
		}
	}
	return dispatch.DeadLetter{
		Message: msg,
		Reason:  in.Header.Get(HeaderDeadLetterReason),
		Code:    in.Header.Get(HeaderDeadLetterCode),
	}
}

// headerCarrier adapts NATS headers to propagation.TextMapCarrier.
type headerCarrier struct {
	header nats.Header
}

func (c headerCarrier) Get(key string) string {
	return c.header.Get(key)
}

func (c headerCarrier) Set(key, value string) {
	c.header.Set(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}
