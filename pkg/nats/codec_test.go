package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	s := subjects{prefix: "eo"}
	id := domain.CommandIdentity{ScopeID: "E1", Operation: domain.OperationGenerateKeys, CorrelationID: "c1", NodeID: 3}

	assert.Equal(t, "eo.command.3.GENERATE_KEYS", s.forMessage(dispatch.Message{Kind: dispatch.KindCommand, Identity: id}))
	assert.Equal(t, "eo.reply.GENERATE_KEYS", s.forMessage(dispatch.Message{Kind: dispatch.KindReply, Identity: id}))
	assert.Equal(t, "eo.reply.GENERATE_KEYS", s.forMessage(dispatch.Message{Kind: dispatch.KindError, Identity: id}))
	assert.Equal(t, "eo.command.3.>", s.commandsFor(3))
	assert.Equal(t, "eo.dlq.GENERATE_KEYS", s.deadLetter(id.Operation))
}

func TestErrorReplyCarriesFailureInBody(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC)
	msg := dispatch.Message{
		Kind:      dispatch.KindError,
		Identity:  domain.CommandIdentity{ScopeID: "E1", Operation: domain.OperationGenerateProof, CorrelationID: "c1", NodeID: 2},
		Failure:   &dispatch.Failure{Code: domain.FailureComputationFailed, Message: "boom"},
		MessageID: "01J",
		SentAt:    sentAt,
	}

	out := encode("eo.reply.GENERATE_PROOF", msg)
	assert.Equal(t, []byte("boom"), out.Data)
	assert.Equal(t, "01J", out.Header.Get(nats.MsgIdHdr))

	decoded, err := decode(out)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeRejectsMalformedHeaders(t *testing.T) {
	base := func() *nats.Msg {
		return encode("eo.command.1.GENERATE_KEYS", dispatch.Message{
			Kind:     dispatch.KindCommand,
			Identity: domain.CommandIdentity{ScopeID: "E1", Operation: domain.OperationGenerateKeys, CorrelationID: "c1", NodeID: 1},
		})
	}

	tests := map[string]func(*nats.Msg){
		"kind":      func(m *nats.Msg) { m.Header.Set(HeaderKind, "event") },
		"operation": func(m *nats.Msg) { m.Header.Set(HeaderOperation, "DROP_TABLES") },
		"node":      func(m *nats.Msg) { m.Header.Set(HeaderNodeID, "one") },
		"sent at":   func(m *nats.Msg) { m.Header.Set(HeaderSentAt, "yesterday") },
		"scope":     func(m *nats.Msg) { m.Header.Del(HeaderScopeID) },
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			m := base()
			corrupt(m)
			_, err := decode(m)
			assert.ErrorIs(t, err, domain.ErrInvalidCommand)

			dl := decodeDeadLetter(m)
			assert.Equal(t, "c1", dl.Message.Identity.CorrelationID)
		})
	}
}
