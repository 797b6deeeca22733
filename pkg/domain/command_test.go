package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandIdentity_Validate(t *testing.T) {
	valid := CommandIdentity{
		ScopeID:       "E1",
		Operation:     OperationGenerateKeys,
		CorrelationID: "c1",
		NodeID:        1,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		id    CommandIdentity
		field string
	}{
		{"missing scope", CommandIdentity{Operation: OperationGenerateKeys, CorrelationID: "c1"}, "scope_id"},
		{"scope with whitespace", CommandIdentity{ScopeID: "E 1", Operation: OperationGenerateKeys, CorrelationID: "c1"}, "scope_id"},
		{"unknown operation", CommandIdentity{ScopeID: "E1", Operation: "MINT_COINS", CorrelationID: "c1"}, "operation"},
		{"missing correlation", CommandIdentity{ScopeID: "E1", Operation: OperationGenerateKeys}, "correlation_id"},
		{"negative node", CommandIdentity{ScopeID: "E1", Operation: OperationGenerateKeys, CorrelationID: "c1", NodeID: -2}, "node_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			require.ErrorIs(t, err, ErrInvalidCommand)

			var invalid *InvalidCommandError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestCommandIdentity_Semantic(t *testing.T) {
	a := CommandIdentity{ScopeID: "E1", Operation: OperationGenerateKeys, CorrelationID: "c1", NodeID: 3}
	b := a
	b.CorrelationID = "c2"

	assert.Equal(t, a.Semantic(), b.Semantic())
	assert.Equal(t, "E1/GENERATE_KEYS/node-3", a.Semantic().String())
	assert.Equal(t, "E1/GENERATE_KEYS/c1/node-3", a.String())
}

func TestParseOperation(t *testing.T) {
	for _, op := range Operations() {
		parsed, err := ParseOperation(string(op))
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}

	_, err := ParseOperation("generate_keys")
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestCommandRecord_Completed(t *testing.T) {
	var missing *CommandRecord
	assert.False(t, missing.Completed())
	assert.False(t, (&CommandRecord{RequestDigest: []byte{1}}).Completed())
	assert.True(t, (&CommandRecord{ResponseDigest: []byte{2}}).Completed())
}

func TestExecutionID_Validate(t *testing.T) {
	require.NoError(t, ExecutionID{Context: "PERSIST_KEY_SHARES", Key: "E1/c1"}.Validate())
	assert.ErrorIs(t, ExecutionID{Context: "PERSIST_KEY_SHARES"}.Validate(), ErrInvalidCommand)
}

func TestErrors(t *testing.T) {
	t.Run("conflicting duplicate", func(t *testing.T) {
		err := fmt.Errorf("guard: %w", &ConflictingDuplicateError{
			Identity:      CommandIdentity{ScopeID: "E1", Operation: OperationGenerateKeys, CorrelationID: "c1", NodeID: 1},
			StoredDigest:  []byte{0xaa},
			RequestDigest: []byte{0xbb},
		})
		assert.ErrorIs(t, err, ErrConflictingDuplicate)
		assert.Contains(t, err.Error(), "E1/GENERATE_KEYS/c1/node-1")
		assert.Equal(t, FailureConflictingDuplicate, FailureCode(err))
		assert.False(t, IsRetryable(err))
	})

	t.Run("computation failed unwraps", func(t *testing.T) {
		cause := errors.New("proof rejected")
		err := &ComputationFailedError{Err: cause}
		assert.ErrorIs(t, err, ErrComputationFailed)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, FailureComputationFailed, FailureCode(err))
	})

	t.Run("remote conflict counts as conflict", func(t *testing.T) {
		err := &RemoteError{Code: FailureConflictingDuplicate, Message: "digest mismatch"}
		assert.ErrorIs(t, err, ErrRemoteFailure)
		assert.ErrorIs(t, err, ErrConflictingDuplicate)
		assert.Equal(t, FailureConflictingDuplicate, FailureCode(err))
	})

	t.Run("timeouts are retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(fmt.Errorf("dispatch: %w", ErrResponseTimeout)))
		assert.True(t, IsRetryable(ErrConcurrentUpdate))
	})
}
