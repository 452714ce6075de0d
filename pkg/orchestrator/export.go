package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/conductorone/baton-offline/pkg/conflict"
	"github.com/conductorone/baton-offline/pkg/lock"
	"github.com/conductorone/baton-offline/pkg/queue"
)

// ExportFileHeader prefixes every export so readers can reject unrelated files.
var ExportFileHeader = []byte("BOFX\x00")

const (
	exportVersion          = 1
	exportDecoderMaxMemory = 128 << 20
)

var ErrInvalidExport = errors.New("orchestrator: invalid export file")

// Snapshot is the durable state of the engine at one point in time.
type Snapshot struct {
	Version         int                 `json:"version"`
	ExportedAt      time.Time           `json:"exportedAt"`
	HolderID        string              `json:"holderId"`
	Queue           []queue.Item        `json:"queue"`
	DeadLetters     []queue.Item        `json:"deadLetters"`
	ManualConflicts []conflict.Conflict `json:"manualConflicts"`
	Locks           []lock.Record       `json:"locks"`
}

// Snapshot reads the queue, dead letters, manual conflicts and lock records.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Snapshot")
	defer span.End()

	snap := Snapshot{
		Version:    exportVersion,
		ExportedAt: o.now().UTC(),
		HolderID:   o.locks.HolderID(),
	}
	var err error
	if snap.Queue, err = o.queue.Items(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("orchestrator: reading queue: %w", err)
	}
	if snap.DeadLetters, err = o.queue.DeadLetters(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("orchestrator: reading dead letters: %w", err)
	}
	if snap.ManualConflicts, err = o.resolver.ManualConflicts(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("orchestrator: reading manual conflicts: %w", err)
	}
	if snap.Locks, err = o.locks.Locks(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("orchestrator: reading locks: %w", err)
	}
	return snap, nil
}

// Export writes a zstd-compressed JSON snapshot to w.
func (o *Orchestrator) Export(ctx context.Context, w io.Writer) error {
	snap, err := o.Snapshot(ctx)
	if err != nil {
		return err
	}

	if _, err := w.Write(ExportFileHeader); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(enc).Encode(snap); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadExport decodes a snapshot written by Export.
func ReadExport(r io.Reader) (Snapshot, error) {
	header := make([]byte, len(ExportFileHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidExport, err)
	}
	if !bytes.Equal(header, ExportFileHeader) {
		return Snapshot{}, ErrInvalidExport
	}

	dec, err := zstd.NewReader(r,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(exportDecoderMaxMemory),
	)
	if err != nil {
		return Snapshot{}, err
	}
	defer dec.Close()

	var snap Snapshot
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidExport, err)
	}
	if snap.Version != exportVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidExport, snap.Version)
	}
	return snap, nil
}
