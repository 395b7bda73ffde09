package checkpoint

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/entry"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/segment"
)

// inlineTracker stores checkpoints as 22-byte records in the transaction log
// stream. Latest scans segments from the highest version downward; within a
// segment the scan runs forward and keeps the last checkpoint it could
// decode, stopping early at any unreadable record. A checkpoint buried behind
// corruption is by definition not trustworthy, so stopping early is correct.
type inlineTracker struct {
	store  *segment.Store
	cs     *checksum.Manager
	writer *entry.Writer
	logger hclog.Logger
}

func newInline(store *segment.Store, cs *checksum.Manager, opts options.Options) *inlineTracker {
	return &inlineTracker{
		store:  store,
		cs:     cs,
		writer: entry.NewWriter(cs),
		logger: opts.Logger.Named("checkpoint"),
	}
}

func (t *inlineTracker) Latest() (*Checkpoint, error) {
	lowest := t.store.LowestVersion()
	for v := t.store.HighestVersion(); ; v-- {
		cp, err := t.scanSegment(v)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			return cp, nil
		}
		if v == lowest {
			return nil, nil
		}
	}
}

func (t *inlineTracker) scanSegment(v uint64) (*Checkpoint, error) {
	reader, err := t.store.ReaderFrom(logpos.New(v, segment.HeaderSize))
	if err != nil {
		return nil, fmt.Errorf("open segment %d for checkpoint scan: %w", v, err)
	}

	var found *Checkpoint
	for {
		e, err := reader.ReadNext()
		if err != nil {
			t.logger.Debug("checkpoint scan stopped at unreadable record",
				"segment", v, "position", reader.LastGoodPosition())
			break
		}
		if e == nil {
			break
		}
		if cp, ok := e.(*entry.Checkpoint); ok {
			found = &Checkpoint{
				Position:      cp.Position,
				EntryPosition: reader.LastEntryPosition(),
			}
		}
	}

	return found, nil
}

func (t *inlineTracker) Append(pos logpos.Position, reason string) error {
	buf := make([]byte, 0, entry.CheckpointSize)
	buf = t.writer.Checkpoint(buf, pos)

	at, err := t.store.Append(buf)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	if err := t.store.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint: %w", err)
	}

	t.logger.Debug("checkpoint appended", "position", pos, "at", at, "reason", reason)
	return nil
}

func (t *inlineTracker) Close() error {
	return nil
}
