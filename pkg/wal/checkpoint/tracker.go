// Package checkpoint locates the latest checkpoint and appends new ones.
//
// Two interchangeable strategies exist behind one narrow interface: inline
// checkpoints ride in the transaction log itself as fixed-size records;
// separate checkpoints live in a parallel file set with their own richer
// format. Recovery and normal operation are agnostic to which is configured.
package checkpoint

import (
	"time"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/segment"
	"github.com/loomdb/loomdb/pkg/wal/version"
)

// Checkpoint records a log position known to be fully valid.
type Checkpoint struct {
	// Position is the transaction log address replay may start from.
	Position logpos.Position
	// EntryPosition is where the checkpoint record itself lives. It differs
	// from Position only under the separate-log strategy.
	EntryPosition logpos.Position
	// Timestamp and Reason are carried on the wire only by the separate
	// strategy; inline checkpoints leave them zero.
	Timestamp time.Time
	Reason    string
}

// Tracker is the narrow interface both strategies implement.
type Tracker interface {
	// Latest returns the most recent checkpoint, or nil when none exists.
	Latest() (*Checkpoint, error)
	// Append durably records a new checkpoint for the given position.
	Append(pos logpos.Position, reason string) error
	Close() error
}

// New builds the tracker selected by the options. The separate strategy opens
// its own files in the store's directory.
func New(store *segment.Store, opts options.Options, counters *version.Counters, cs *checksum.Manager) (Tracker, error) {
	switch opts.Strategy {
	case options.CheckpointSeparate:
		return openSeparate(store.Dir(), opts, store.StoreID(), counters, cs)
	default:
		return newInline(store, cs, opts), nil
	}
}
