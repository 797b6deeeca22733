package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/store"
	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	opts = append([]sqlite.Option{sqlite.WithMemoryDatabase()}, opts...)
	st, err := sqlite.Open(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func identity(correlation string) domain.CommandIdentity {
	return domain.CommandIdentity{
		ScopeID:       "E1",
		Operation:     domain.OperationGenerateKeys,
		CorrelationID: correlation,
		NodeID:        1,
	}
}

func TestCommandStore(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	requestedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("FindExactMissing", func(t *testing.T) {
		rec, err := st.FindExact(ctx, identity("missing"))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("SaveAndFind", func(t *testing.T) {
		id := identity("c1")
		saved, err := st.Save(ctx, id, []byte{0x01, 0x02}, requestedAt)
		require.NoError(t, err)
		assert.Equal(t, int64(1), saved.Version)
		assert.False(t, saved.Completed())

		found, err := st.FindExact(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, id, found.Identity)
		assert.Equal(t, []byte{0x01, 0x02}, found.RequestDigest)
		assert.True(t, requestedAt.Equal(found.RequestedAt))
		assert.Nil(t, found.ResponseDigest)
		assert.False(t, found.Completed())
	})

	t.Run("DuplicateSave", func(t *testing.T) {
		_, err := st.Save(ctx, identity("c1"), []byte{0x09}, requestedAt)
		require.ErrorIs(t, err, domain.ErrDuplicateKey)

		found, err := st.FindExact(ctx, identity("c1"))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02}, found.RequestDigest, "existing record untouched")
	})

	t.Run("AttachResponse", func(t *testing.T) {
		id := identity("c1")
		respondedAt := requestedAt.Add(time.Second)
		require.NoError(t, st.AttachResponse(ctx, id, []byte{0xaa}, []byte("PK"), respondedAt, 1))

		found, err := st.FindExact(ctx, id)
		require.NoError(t, err)
		assert.True(t, found.Completed())
		assert.Equal(t, []byte("PK"), found.Response)
		assert.Equal(t, []byte{0xaa}, found.ResponseDigest)
		assert.True(t, respondedAt.Equal(found.RespondedAt))
		assert.Equal(t, int64(2), found.Version)
	})

	t.Run("AttachResponseTwice", func(t *testing.T) {
		err := st.AttachResponse(ctx, identity("c1"), []byte{0xbb}, []byte("other"), requestedAt, 2)
		require.ErrorIs(t, err, domain.ErrConcurrentUpdate)

		found, err := st.FindExact(ctx, identity("c1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("PK"), found.Response)
	})

	t.Run("AttachResponseStaleVersion", func(t *testing.T) {
		id := identity("c2")
		_, err := st.Save(ctx, id, []byte{0x01}, requestedAt)
		require.NoError(t, err)

		err = st.AttachResponse(ctx, id, []byte{0xaa}, []byte("x"), requestedAt, 7)
		require.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	})

	t.Run("AttachResponseUnknown", func(t *testing.T) {
		err := st.AttachResponse(ctx, identity("nope"), []byte{0xaa}, []byte("x"), requestedAt, 1)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("EmptyResponseIsCompleted", func(t *testing.T) {
		id := identity("c3")
		_, err := st.Save(ctx, id, []byte{0x01}, requestedAt)
		require.NoError(t, err)
		require.NoError(t, st.AttachResponse(ctx, id, []byte{0xcc}, nil, requestedAt, 1))

		found, err := st.FindExact(ctx, id)
		require.NoError(t, err)
		assert.True(t, found.Completed())
		assert.Empty(t, found.Response)
	})
}

func TestFindSemantic(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := st.Save(ctx, identity("late"), []byte{0x02}, base.Add(time.Minute))
	require.NoError(t, err)
	_, err = st.Save(ctx, identity("early"), []byte{0x01}, base)
	require.NoError(t, err)

	other := identity("other-node")
	other.NodeID = 2
	_, err = st.Save(ctx, other, []byte{0x03}, base)
	require.NoError(t, err)

	records, err := st.FindSemantic(ctx, identity("").Semantic())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "early", records[0].Identity.CorrelationID)
	assert.Equal(t, "late", records[1].Identity.CorrelationID)

	none, err := st.FindSemantic(ctx, domain.SemanticKey{ScopeID: "E2", Operation: domain.OperationGenerateKeys, NodeID: 1})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExecutionStore(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	id := domain.ExecutionID{Context: "PERSIST_KEY_SHARES", Key: "E1/c1"}
	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	found, err := st.FindExecution(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, found)

	saved, err := st.SaveExecution(ctx, id, []byte{0x10}, createdAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	found, err = st.FindExecution(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id, found.ID)
	assert.Equal(t, []byte{0x10}, found.Digest)
	assert.True(t, createdAt.Equal(found.CreatedAt))

	_, err = st.SaveExecution(ctx, id, []byte{0x11}, createdAt)
	require.ErrorIs(t, err, domain.ErrDuplicateKey)
}

func TestWithinTx(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	requestedAt := time.Now()

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := st.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
			_, err := repo.Save(ctx, identity("tx-rollback"), []byte{0x01}, requestedAt)
			require.NoError(t, err)
			return boom
		})
		require.ErrorIs(t, err, boom)

		rec, err := st.FindExact(ctx, identity("tx-rollback"))
		require.NoError(t, err)
		assert.Nil(t, rec, "insert must not survive rollback")
	})

	t.Run("RollbackOnPanic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = st.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
				_, _ = repo.Save(ctx, identity("tx-panic"), []byte{0x01}, requestedAt)
				panic("boom")
			})
		})

		rec, err := st.FindExact(ctx, identity("tx-panic"))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("Commit", func(t *testing.T) {
		err := st.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
			rec, err := repo.Save(ctx, identity("tx-commit"), []byte{0x01}, requestedAt)
			if err != nil {
				return err
			}
			return repo.AttachResponse(ctx, rec.Identity, []byte{0x02}, []byte("ok"), requestedAt, rec.Version)
		})
		require.NoError(t, err)

		rec, err := st.FindExact(ctx, identity("tx-commit"))
		require.NoError(t, err)
		assert.True(t, rec.Completed())
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := time.Now()

	_, err := st.Save(ctx, identity("a"), []byte{0x01}, now)
	require.NoError(t, err)
	_, err = st.Save(ctx, identity("b"), []byte{0x01}, now)
	require.NoError(t, err)
	require.NoError(t, st.AttachResponse(ctx, identity("a"), []byte{0x02}, []byte("r"), now, 1))
	_, err = st.SaveExecution(ctx, domain.ExecutionID{Context: "x", Key: "y"}, []byte{0x01}, now)
	require.NoError(t, err)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Commands: 2, Completed: 1, Pending: 1, Executions: 1}, stats)
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	version, err := st.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	require.NoError(t, st.RollbackMigration(ctx))
	version, err = st.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, st.RunMigrations(ctx))
	version, err = st.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestFileDatabaseConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, sqlite.WithDSN(filepath.Join(t.TempDir(), "commands.db")))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		saved     int
		duplicate int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Save(ctx, identity("race"), []byte{0x01}, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				saved++
			case errors.Is(err, domain.ErrDuplicateKey):
				duplicate++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, saved)
	assert.Equal(t, workers-1, duplicate)
}

func TestWithinTxReportsBusyStore(t *testing.T) {
	ctx := context.Background()
	st := openStore(t,
		sqlite.WithDSN(filepath.Join(t.TempDir(), "commands.db")),
		sqlite.WithBusyTimeout(20*time.Millisecond),
	)

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- st.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := st.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
		_, err := repo.Save(ctx, identity("c1"), []byte{0x01}, time.Now())
		return err
	})
	close(release)
	require.NoError(t, <-holderDone)

	require.ErrorIs(t, err, domain.ErrStorageBusy)
	assert.True(t, domain.IsRetryable(err))

	// the lock is free again
	require.NoError(t, st.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
		_, err := repo.Save(ctx, identity("c1"), []byte{0x01}, time.Now())
		return err
	}))
}
