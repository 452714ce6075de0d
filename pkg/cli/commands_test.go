package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-offline/pkg/config"
	"github.com/conductorone/baton-offline/pkg/conflict"
	"github.com/conductorone/baton-offline/pkg/connectivity"
	"github.com/conductorone/baton-offline/pkg/lock"
	"github.com/conductorone/baton-offline/pkg/orchestrator"
	"github.com/conductorone/baton-offline/pkg/queue"
	"github.com/conductorone/baton-offline/pkg/retry"
)

type scriptedExecutor func(op queue.Operation) (json.RawMessage, error)

func (f scriptedExecutor) Execute(_ context.Context, op queue.Operation) (json.RawMessage, error) {
	return f(op)
}

func title(op queue.Operation) string {
	var doc map[string]any
	_ = json.Unmarshal(op.Payload, &doc)
	s, _ := doc["title"].(string)
	return s
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StorePath = filepath.Join(t.TempDir(), "sync.db")
	cfg.RetryMaxAttempts = 1
	return &cfg
}

// seedStore leaves one queued operation, one dead letter and one manual conflict behind.
func seedStore(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()

	exec := scriptedExecutor(func(op queue.Operation) (json.RawMessage, error) {
		switch title(op) {
		case "bad":
			return nil, retry.Permanent(errors.New("rejected by remote"))
		case "mine":
			return nil, &queue.ConflictError{Remote: json.RawMessage(`{"id":"1","title":"theirs"}`)}
		default:
			return nil, errors.New("connection reset")
		}
	})
	conn := connectivity.NewManual(false)

	e, err := openEngine(ctx, cfg, exec, conn, nil)
	require.NoError(t, err)

	_, err = e.orch.QueueOperation(ctx, queue.KindCreate, "task", map[string]any{"title": "queued"}, orchestrator.QueueOptions{})
	require.NoError(t, err)
	_, err = e.orch.QueueOperation(ctx, queue.KindCreate, "task", map[string]any{"title": "bad"}, orchestrator.QueueOptions{})
	require.NoError(t, err)

	conn.Set(true)
	res, err := e.orch.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, 1, res.Remaining)

	out, err := e.orch.QueueOperation(ctx, queue.KindUpdate, "task", map[string]any{"id": "1", "title": "mine"}, orchestrator.QueueOptions{
		ConflictStrategy: conflict.Manual,
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeManualReview, out.Outcome)

	require.NoError(t, e.Close(ctx))
}

func runCLI(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	v := viper.New()
	cmd, err := DefineCommands(context.Background(), "baton-offline", "test", v)
	require.NoError(t, err)

	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--store-path", cfg.StorePath, "--log-level", "error"))
	err = cmd.Execute()
	return out.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestInspectionCommands(t *testing.T) {
	cfg := testConfig(t)
	seedStore(t, cfg)

	out, err := runCLI(t, cfg, "queue", "list")
	require.NoError(t, err)
	items := decode[[]queue.Item](t, out)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].RetryCount)

	out, err = runCLI(t, cfg, "dead-letters", "list")
	require.NoError(t, err)
	dead := decode[[]queue.Item](t, out)
	require.Len(t, dead, 1)

	out, err = runCLI(t, cfg, "conflicts", "list")
	require.NoError(t, err)
	conflicts := decode[[]conflict.Conflict](t, out)
	require.Len(t, conflicts, 1)
	require.Equal(t, "theirs", conflicts[0].Remote["title"])

	out, err = runCLI(t, cfg, "locks", "list")
	require.NoError(t, err)
	require.Empty(t, decode[[]lock.Record](t, out))

	out, err = runCLI(t, cfg, "status")
	require.NoError(t, err)
	st := decode[orchestrator.Status](t, out)
	require.False(t, st.Online)
	require.Equal(t, 1, st.QueueDepth)
	require.Equal(t, 1, st.DeadLetters)
	require.Equal(t, 1, st.ManualConflicts)
}

func TestDeadLetterReplay(t *testing.T) {
	cfg := testConfig(t)
	seedStore(t, cfg)

	out, err := runCLI(t, cfg, "dead-letters", "list")
	require.NoError(t, err)
	dead := decode[[]queue.Item](t, out)
	require.Len(t, dead, 1)

	_, err = runCLI(t, cfg, "dead-letters", "requeue", "does-not-exist")
	require.Error(t, err)

	out, err = runCLI(t, cfg, "dead-letters", "requeue", dead[0].ID)
	require.NoError(t, err)
	require.Equal(t, dead[0].ID, decode[map[string]string](t, out)["requeued"])

	out, err = runCLI(t, cfg, "queue", "list")
	require.NoError(t, err)
	require.Len(t, decode[[]queue.Item](t, out), 2)

	out, err = runCLI(t, cfg, "dead-letters", "purge")
	require.NoError(t, err)
	require.Equal(t, 0, decode[map[string]int](t, out)["purged"])
}

func TestConflictsResolveQueuesSurvivingChange(t *testing.T) {
	cfg := testConfig(t)
	seedStore(t, cfg)

	out, err := runCLI(t, cfg, "conflicts", "list")
	require.NoError(t, err)
	conflicts := decode[[]conflict.Conflict](t, out)
	require.Len(t, conflicts, 1)

	_, err = runCLI(t, cfg, "conflicts", "resolve", conflicts[0].ID, "coin-flip")
	require.ErrorIs(t, err, conflict.ErrUnknownStrategy)
	_, err = runCLI(t, cfg, "conflicts", "resolve", conflicts[0].ID, "manual")
	require.ErrorIs(t, err, conflict.ErrUnknownStrategy)

	out, err = runCLI(t, cfg, "conflicts", "resolve", conflicts[0].ID, "client-wins")
	require.NoError(t, err)
	res := decode[map[string]any](t, out)
	require.Equal(t, "queued", res["outcome"])

	out, err = runCLI(t, cfg, "queue", "list")
	require.NoError(t, err)
	items := decode[[]queue.Item](t, out)
	require.Len(t, items, 2)
	require.Equal(t, queue.PriorityHigh, items[0].Priority)

	out, err = runCLI(t, cfg, "conflicts", "list")
	require.NoError(t, err)
	require.Empty(t, decode[[]conflict.Conflict](t, out))
}

func TestConflictsResolveWithChosenValue(t *testing.T) {
	cfg := testConfig(t)
	seedStore(t, cfg)

	out, err := runCLI(t, cfg, "conflicts", "list")
	require.NoError(t, err)
	conflicts := decode[[]conflict.Conflict](t, out)
	require.Len(t, conflicts, 1)
	id := conflicts[0].ID

	_, err = runCLI(t, cfg, "conflicts", "resolve", id)
	require.Error(t, err)
	_, err = runCLI(t, cfg, "conflicts", "resolve", id, "client-wins", "--value", `{"id":"1"}`)
	require.Error(t, err)
	_, err = runCLI(t, cfg, "conflicts", "resolve", id, "--value", `["not","an","object"]`)
	require.Error(t, err)

	out, err = runCLI(t, cfg, "conflicts", "resolve", id, "--value", `{"id":"1","title":"agreed"}`)
	require.NoError(t, err)
	require.Equal(t, "queued", decode[map[string]any](t, out)["outcome"])

	out, err = runCLI(t, cfg, "queue", "list")
	require.NoError(t, err)
	items := decode[[]queue.Item](t, out)
	require.Len(t, items, 2)
	require.JSONEq(t, `{"id":"1","title":"agreed"}`, string(items[0].Payload))

	out, err = runCLI(t, cfg, "conflicts", "list")
	require.NoError(t, err)
	require.Empty(t, decode[[]conflict.Conflict](t, out))
}

func TestExportCommand(t *testing.T) {
	cfg := testConfig(t)
	seedStore(t, cfg)

	path := filepath.Join(t.TempDir(), "dump.json.zst")
	_, err := runCLI(t, cfg, "export", "--output", path)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	snap, err := orchestrator.ReadExport(f)
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1)
	require.Len(t, snap.DeadLetters, 1)
	require.Len(t, snap.ManualConflicts, 1)
}

func TestDrainCommand(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			mu.Lock()
			paths = append(paths, r.Method+" "+r.URL.Path)
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42"}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	ctx := context.Background()
	e, err := openOfflineEngine(ctx, cfg)
	require.NoError(t, err)
	_, err = e.orch.QueueOperation(ctx, queue.KindCreate, "task", map[string]any{"title": "offline"}, orchestrator.QueueOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	out, err := runCLI(t, cfg, "drain", "--remote-url", srv.URL)
	require.NoError(t, err)
	res := decode[queue.DrainResult](t, out)
	require.Equal(t, 1, res.Processed)
	require.Zero(t, res.Remaining)

	mu.Lock()
	require.Equal(t, []string{"POST /task"}, paths)
	mu.Unlock()

	_, err = runCLI(t, cfg, "drain")
	require.ErrorContains(t, err, "remote-url is required")
	_, err = runCLI(t, cfg, "drain", "--remote-url", "http://127.0.0.1:1")
	require.ErrorContains(t, err, "unreachable")
}

func TestServeRequiresRemote(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "serve")
	require.ErrorContains(t, err, "remote-url is required")
}
