package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/hashing"
	"github.com/plaenen/exactlyonce/pkg/idempotency"
	natstransport "github.com/plaenen/exactlyonce/pkg/nats"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/plaenen/exactlyonce/pkg/runtime/node"
	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootRejectsInvalidFormat(t *testing.T) {
	_, err := run(t, "migrate", "version", "--format", "yaml", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.ErrorContains(t, err, "invalid format")
}

func TestRootRejectsBusyTimeoutBeyondResponseTimeout(t *testing.T) {
	_, err := run(t, "migrate", "version", "--db-busy-timeout", "1m", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.ErrorContains(t, err, "db busy timeout")
}

func TestStoreOptionsApplyBusyTimeout(t *testing.T) {
	opts := &RootOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	opts.Config.DBPath = filepath.Join(t.TempDir(), "store.db")
	opts.Config.DBBusyTimeout = 1500 * time.Millisecond

	st, err := sqlite.Open(context.Background(), opts.storeOptions()...)
	require.NoError(t, err)
	defer st.Close()

	var ms int64
	require.NoError(t, st.DB().QueryRow("PRAGMA busy_timeout").Scan(&ms))
	assert.Equal(t, int64(1500), ms)
}

func TestMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "store.db")

	out, err := run(t, "migrate", "version", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "schema version 0\n", out)

	out, err = run(t, "migrate", "up", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "schema version 2\n", out)

	out, err = run(t, "migrate", "down", "--db", db, "--format", "json")
	require.NoError(t, err)
	var v map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, 1, v["version"])
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "coordinator.db")

	st, err := sqlite.Open(ctx, sqlite.WithDSN(db))
	require.NoError(t, err)
	engine, err := idempotency.NewEngine(st)
	require.NoError(t, err)
	for _, corr := range []string{"c1", "c2"} {
		id := domain.CommandIdentity{ScopeID: "E1", Operation: domain.OperationGenerateKeys, CorrelationID: corr, NodeID: 1}
		_, err := engine.Execute(ctx, id, []byte("P"), func(ctx context.Context) ([]byte, error) {
			return []byte("PK"), nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	out, err := run(t, "history", "--db", db, "--scope", "E1", "--operation", "GENERATE_KEYS", "--node", "1", "--format", "json")
	require.NoError(t, err)

	var records []HistoryRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].CorrelationID)
	assert.True(t, records[0].Completed)
	assert.Equal(t, records[0].RequestDigest, records[1].RequestDigest)

	out, err = run(t, "history", "--db", db, "--scope", "E2", "--operation", "GENERATE_KEYS")
	require.NoError(t, err)
	assert.Equal(t, "No attempts recorded.\n", out)

	_, err = run(t, "history", "--db", db, "--scope", "E1", "--operation", "MINT_COINS")
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)
}

func TestDispatchAgainstNode(t *testing.T) {
	ctx := context.Background()
	srv, err := natstransport.StartEmbeddedServer(natstransport.WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	defer srv.Shutdown()

	transport := natstransport.DefaultConfig()
	transport.URL = srv.URL()
	n := node.New(1, transport,
		node.WithHandlers(ReferenceHandlers(discardLogger())),
		node.WithStoreOptions(sqlite.WithMemoryDatabase()),
	)
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)

	db := filepath.Join(t.TempDir(), "coordinator.db")
	args := []string{"dispatch", "--nats-url", srv.URL(), "--db", db, "--log-level", "error",
		"--scope", "E1", "--operation", "GENERATE_KEYS", "--node", "1", "--payload", "P",
		"--correlation-id", "c1", "--timeout", "5s", "--format", "json"}

	out, err := run(t, args...)
	require.NoError(t, err)
	var first []DispatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	require.Len(t, first, 1)

	id := domain.CommandIdentity{ScopeID: "E1", Operation: domain.OperationGenerateKeys, CorrelationID: "c1", NodeID: 1}
	want := hashing.NewSHA3("control-component/GENERATE_KEYS").Digest(bind(id, []byte("P")))
	assert.Equal(t, want, first[0].Response)

	out, err = run(t, args...)
	require.NoError(t, err)
	var second []DispatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.Equal(t, first, second)

	conflicting := append([]string(nil), args...)
	conflicting[14] = "Q"
	_, err = run(t, conflicting...)
	assert.ErrorIs(t, err, domain.ErrConflictingDuplicate)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrace(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traces.db")

	_, err := run(t, "trace", "0123")
	require.ErrorContains(t, err, "no trace database configured")

	st, err := sqlite.Open(ctx, sqlite.WithDSN(path), sqlite.WithAutoMigrate(false))
	require.NoError(t, err)
	spans, err := observability.NewSpanStore(ctx, st.DB())
	require.NoError(t, err)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))

	spanCtx, span := observability.StartSpan(ctx, tp.Tracer("test"), "dispatch")
	observability.EndSpan(span, nil)
	traceID := observability.TraceID(spanCtx)
	require.NoError(t, tp.Shutdown(ctx))
	require.NoError(t, st.Close())

	out, err := run(t, "trace", traceID, "--trace-db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "dispatch")
	assert.Contains(t, out, "OK")

	out, err = run(t, "trace", "00000000000000000000000000000000", "--trace-db", path)
	require.NoError(t, err)
	assert.Equal(t, "No spans found.\n", out)
}
