// Package options carries the tunables shared by the transaction log packages.
package options

import (
	"errors"

	"github.com/hashicorp/go-hclog"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
)

// CheckpointStrategy selects where checkpoint records are stored.
type CheckpointStrategy string

const (
	// CheckpointInline appends checkpoint records to the transaction log itself.
	CheckpointInline CheckpointStrategy = "inline"
	// CheckpointSeparate keeps checkpoint records in a parallel file set.
	CheckpointSeparate CheckpointStrategy = "separate"
)

// Rotation limits.
const (
	MinRotationThreshold = 1 << 10  // 1KB, small thresholds are test territory
	MaxRotationThreshold = 2 << 30  // 2GB
	MinPreallocateChunk  = 4 * 1024 // one page
	MaxPreallocateChunk  = 128 * 1024 * 1024
)

var (
	ErrInvalidRotationThreshold = errors.New("rotation threshold out of range")
	ErrInvalidPreallocateChunk  = errors.New("preallocate chunk out of range")
	ErrInvalidStrategy          = errors.New("unknown checkpoint strategy")
)

type Options struct {
	// BaseName is the file name prefix of transaction segments; segment files
	// are named <BaseName>.<version>.
	BaseName string

	// CheckpointBaseName prefixes checkpoint files under the separate strategy.
	CheckpointBaseName string

	// RotationThreshold closes the writable segment once its size reaches it.
	RotationThreshold int64

	// Preallocate extends the active segment ahead of the write offset in
	// PreallocateChunk steps. The padding is trimmed on rotation and close.
	Preallocate      bool
	PreallocateChunk int64

	// FailOnCorruptedLogs aborts startup on unreadable log content instead of
	// truncating and archiving it.
	FailOnCorruptedLogs bool

	Strategy CheckpointStrategy

	Checksum checksum.Config

	Logger hclog.Logger
}

func DefaultOptions() Options {
	return Options{
		BaseName:            "loomdb.transaction.db",
		CheckpointBaseName:  "loomdb.checkpoint.db",
		RotationThreshold:   256 * 1024 * 1024,
		Preallocate:         false,
		PreallocateChunk:    16 * 1024 * 1024,
		FailOnCorruptedLogs: true,
		Strategy:            CheckpointInline,
		Checksum:            checksum.DefaultConfig(),
		Logger:              hclog.NewNullLogger(),
	}
}

func (o *Options) Validate() error {
	if o.RotationThreshold < MinRotationThreshold || o.RotationThreshold > MaxRotationThreshold {
		return ErrInvalidRotationThreshold
	}
	if o.Preallocate {
		if o.PreallocateChunk < MinPreallocateChunk || o.PreallocateChunk > MaxPreallocateChunk {
			return ErrInvalidPreallocateChunk
		}
	}
	switch o.Strategy {
	case CheckpointInline, CheckpointSeparate:
	default:
		return ErrInvalidStrategy
	}

	return nil
}
