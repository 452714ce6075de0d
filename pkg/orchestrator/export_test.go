package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-offline/pkg/connectivity"
	"github.com/conductorone/baton-offline/pkg/queue"
)

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{}
	o := newTestOrchestrator(t, nil, remote, connectivity.Always(false), WithClock(func() time.Time { return now }), WithHolderID("exporter"))

	_, err := o.QueueOperation(ctx, queue.KindCreate, "task", map[string]any{"title": "a"}, QueueOptions{})
	require.NoError(t, err)
	_, err = o.QueueOperation(ctx, queue.KindUpdate, "task", map[string]any{"id": "1", "title": "b"}, QueueOptions{Priority: queue.PriorityHigh})
	require.NoError(t, err)

	_, ok, err := o.Locks().Acquire(ctx, "export", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, ok)

	buf := new(bytes.Buffer)
	require.NoError(t, o.Export(ctx, buf))
	require.True(t, bytes.HasPrefix(buf.Bytes(), ExportFileHeader))

	snap, err := ReadExport(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, exportVersion, snap.Version)
	require.Equal(t, now, snap.ExportedAt)
	require.Equal(t, "exporter", snap.HolderID)
	require.Len(t, snap.Queue, 2)
	require.Equal(t, queue.KindUpdate, snap.Queue[0].Kind, "queue is exported in drain order")
	require.Empty(t, snap.DeadLetters)
	require.Empty(t, snap.ManualConflicts)
	require.Len(t, snap.Locks, 1)
	require.Equal(t, "export", snap.Locks[0].Name)
	require.Empty(t, remote.Calls())
}

func TestReadExport_Rejects(t *testing.T) {
	_, err := ReadExport(bytes.NewReader([]byte("nope")))
	require.ErrorIs(t, err, ErrInvalidExport)

	_, err = ReadExport(bytes.NewReader([]byte("PK\x03\x04\x00 not an export")))
	require.ErrorIs(t, err, ErrInvalidExport)

	raw, err := json.Marshal(Snapshot{Version: 99})
	require.NoError(t, err)
	buf := new(bytes.Buffer)
	buf.Write(ExportFileHeader)
	buf.Write(compress(t, raw))
	_, err = ReadExport(buf)
	require.ErrorIs(t, err, ErrInvalidExport)
}

func compress(t *testing.T, raw []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(raw, nil)
}
