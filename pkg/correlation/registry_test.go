package correlation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/exactlyonce/pkg/correlation"
	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(id string) correlation.Key {
	return correlation.Key{CorrelationID: id, NodeID: 1}
}

func TestRegistry_CompleteDeliversPayload(t *testing.T) {
	r := correlation.NewRegistry()

	w, err := r.Register(key("c1"))
	require.NoError(t, err)
	assert.Equal(t, correlation.StateRegistered, w.State())
	assert.Equal(t, 1, r.Pending())

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Complete(key("c1"), []byte("PK1"))
	}()

	payload, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK1"), payload)
	assert.Equal(t, correlation.StateCompleted, w.State())
	assert.Zero(t, r.Pending())
}

func TestRegistry_CompletionBeforeWait(t *testing.T) {
	r := correlation.NewRegistry()
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	require.True(t, r.Complete(key("c1"), []byte("early")))

	payload, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("early"), payload)
}

func TestRegistry_Exclusivity(t *testing.T) {
	r := correlation.NewRegistry()

	_, err := r.Register(key("c1"))
	require.NoError(t, err)

	_, err = r.Register(key("c1"))
	require.ErrorIs(t, err, domain.ErrAlreadyRegistered)

	// same correlation id on another node is a different key
	_, err = r.Register(correlation.Key{CorrelationID: "c1", NodeID: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Pending())
}

func TestRegistry_FirstResolutionWins(t *testing.T) {
	r := correlation.NewRegistry()
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	assert.True(t, r.Complete(key("c1"), []byte("first")))
	assert.False(t, r.Complete(key("c1"), []byte("second")))
	assert.False(t, r.Fail(key("c1"), errors.New("late failure")))

	payload, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), payload)
}

func TestRegistry_UnknownKeyIsDiscarded(t *testing.T) {
	r := correlation.NewRegistry()
	assert.False(t, r.Complete(key("nobody"), []byte("x")))
	assert.Zero(t, r.Pending())
}

func TestRegistry_Fail(t *testing.T) {
	r := correlation.NewRegistry()
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	remote := &domain.RemoteError{Code: domain.FailureComputationFailed, Message: "boom"}
	require.True(t, r.Fail(key("c1"), remote))

	_, err = w.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, domain.ErrRemoteFailure)
	assert.Equal(t, remote, err)
}

func TestRegistry_TimeoutCleanup(t *testing.T) {
	r := correlation.NewRegistry()
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	start := time.Now()
	_, err = w.Wait(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrResponseTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.Equal(t, correlation.StateTimedOut, w.State())
	assert.Zero(t, r.Pending(), "timed out entry removed")
	assert.False(t, r.Complete(key("c1"), []byte("late")), "late reply discarded")

	// the key can be reused after cleanup
	_, err = r.Register(key("c1"))
	require.NoError(t, err)
}

func TestRegistry_DefaultTimeout(t *testing.T) {
	r := correlation.NewRegistry(correlation.WithDefaultTimeout(15 * time.Millisecond))
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	_, err = w.Wait(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrResponseTimeout)
}

func TestRegistry_ContextCancellation(t *testing.T) {
	r := correlation.NewRegistry()
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = w.Wait(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "c1@node-1")
	assert.Zero(t, r.Pending())
}

func TestRegistry_Cancel(t *testing.T) {
	r := correlation.NewRegistry()
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	w.Cancel()
	assert.Zero(t, r.Pending())
	assert.False(t, r.Complete(key("c1"), []byte("x")))

	// cancelling a resolved waiter keeps its result
	w2, err := r.Register(key("c2"))
	require.NoError(t, err)
	require.True(t, r.Complete(key("c2"), []byte("kept")))
	w2.Cancel()
	payload, err := w2.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), payload)
}

func TestRegistry_Close(t *testing.T) {
	r := correlation.NewRegistry()
	w, err := r.Register(key("c1"))
	require.NoError(t, err)

	r.Close()

	_, err = w.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, correlation.ErrRegistryClosed)

	_, err = r.Register(key("c2"))
	require.ErrorIs(t, err, correlation.ErrRegistryClosed)

	r.Close()
}

func TestRegistry_RejectsEmptyCorrelationID(t *testing.T) {
	_, err := correlation.NewRegistry().Register(correlation.Key{NodeID: 1})
	require.ErrorIs(t, err, domain.ErrInvalidCommand)
}

func TestRegistry_ConcurrentCompleteAndTimeout(t *testing.T) {
	r := correlation.NewRegistry()

	const n = 200
	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
		timedOut  atomic.Int32
		accepted  atomic.Int32
	)
	for i := 0; i < n; i++ {
		k := key(fmt.Sprintf("c%d", i))
		w, err := r.Register(k)
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := w.Wait(context.Background(), time.Millisecond)
			switch {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, domain.ErrResponseTimeout):
				timedOut.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if r.Complete(k, []byte("x")) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), delivered.Load()+timedOut.Load())
	assert.Equal(t, accepted.Load(), delivered.Load(), "every accepted reply reaches its waiter")
	assert.Zero(t, r.Pending())
}

func TestKeyOf(t *testing.T) {
	id := domain.CommandIdentity{ScopeID: "E1", Operation: domain.OperationGenerateKeys, CorrelationID: "c1", NodeID: 3}
	assert.Equal(t, correlation.Key{CorrelationID: "c1", NodeID: 3}, correlation.KeyOf(id))
	assert.Equal(t, "c1@node-3", correlation.KeyOf(id).String())
}
