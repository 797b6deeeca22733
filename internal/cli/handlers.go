package cli

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/hashing"
)

// ReferenceHandlers registers deterministic stand-ins for the protocol
// computations: each operation answers with a digest bound to the scope,
// node and request. PERSIST_KEY_SHARES is a guard-only side effect.
func ReferenceHandlers(logger *slog.Logger) func(*dispatch.Responder) {
	return func(r *dispatch.Responder) {
		for _, op := range domain.Operations() {
			if op == domain.OperationPersistKeyShares {
				continue
			}
			h := hashing.NewSHA3("control-component/" + string(op))
			r.Handle(op, func(ctx context.Context, id domain.CommandIdentity, payload []byte) ([]byte, error) {
				return h.Digest(bind(id, payload)), nil
			})
		}

		r.HandleOnce(domain.OperationPersistKeyShares,
			func(ctx context.Context, id domain.CommandIdentity, payload []byte) ([]byte, error) {
				logger.InfoContext(ctx, "key shares persisted",
					"scope_id", id.ScopeID, "correlation_id", id.CorrelationID, "bytes", len(payload))
				return nil, nil
			},
			nil,
		)
	}
}

func bind(id domain.CommandIdentity, payload []byte) []byte {
	out := make([]byte, 0, len(id.ScopeID)+len(payload)+9)
	out = append(out, id.ScopeID...)
	out = append(out, 0)
	out = binary.BigEndian.AppendUint64(out, uint64(id.NodeID))
	return append(out, payload...)
}
