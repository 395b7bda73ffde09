// Package recovery replays the transaction log at startup and repairs or
// rejects trailing corruption.
//
// The engine is a blocking, single-threaded startup phase: it completes or
// fails fatally before the database accepts any transaction. It is stateless
// between invocations; repeated rounds against progressively trimmed logs are
// driven by the caller.
package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/loomdb/loomdb/pkg/metrics"
	"github.com/loomdb/loomdb/pkg/wal/checkpoint"
	"github.com/loomdb/loomdb/pkg/wal/entry"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/segment"
)

// State of the recovery state machine. Exposed for observability; the engine
// drives itself through the full cycle within one Run call.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateReplaying
	StateCompleted
	StateCorruptionDetected
	StateFatal
	StateTruncating
	StateCheckpointing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateReplaying:
		return "replaying"
	case StateCompleted:
		return "completed"
	case StateCorruptionDetected:
		return "corruption-detected"
	case StateFatal:
		return "fatal"
	case StateTruncating:
		return "truncating"
	case StateCheckpointing:
		return "checkpointing"
	default:
		return "unknown"
	}
}

// Result summarizes one recovery run.
type Result struct {
	RecoveryRequired      bool
	RecoveredTransactions int
	LastGoodPosition      logpos.Position
	LastCommittedTxID     int64
	// LastTransactionChecksum seeds the checksum chain of the next appended
	// transaction. Zero when no transaction was replayed.
	LastTransactionChecksum uint32
	Truncated               bool
	ArchivePath             string
	Elapsed                 time.Duration
}

type Engine struct {
	store     *segment.Store
	tracker   checkpoint.Tracker
	truncator *Truncator
	applier   Applier
	monitor   Monitor
	logger    hclog.Logger
	metrics   *metrics.Log

	failOnCorruptedLogs bool
	state               State
}

func NewEngine(store *segment.Store, tracker checkpoint.Tracker, applier Applier, opts options.Options, monitor Monitor, m *metrics.Log) *Engine {
	if monitor == nil {
		monitor = NopMonitor{}
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Engine{
		store:               store,
		tracker:             tracker,
		truncator:           NewTruncator(store, opts),
		applier:             applier,
		monitor:             monitor,
		logger:              opts.Logger.Named("recovery"),
		metrics:             m,
		failOnCorruptedLogs: opts.FailOnCorruptedLogs,
		state:               StateIdle,
	}
}

// State returns the engine's current machine state.
func (e *Engine) State() State {
	return e.state
}

// Run executes one full recovery round: scan, replay, corruption handling,
// truncation and re-checkpointing. It is self-contained and assumes nothing
// beyond what is physically on disk.
func (e *Engine) Run() (*Result, error) {
	began := time.Now()
	result := &Result{}

	e.state = StateScanning
	start, err := e.startPosition()
	if err != nil {
		e.state = StateFatal
		return nil, err
	}
	result.LastGoodPosition = start

	e.state = StateReplaying
	dangling, decodeErr := e.replay(start, result)

	if decodeErr != nil && !isCorruption(decodeErr) {
		// Applier failures and the like are not corruption: abort without
		// touching the log.
		e.state = StateFatal
		return nil, decodeErr
	}

	if decodeErr == nil {
		e.state = StateCompleted
		if dangling != nil {
			// An unflushed transaction tail at the very end of the log is not
			// corruption, but it must not survive: a later append behind it
			// would corrupt the record stream. Drop it without archiving.
			if err := e.store.TruncateSegment(dangling.Version, int64(dangling.ByteOffset)); err != nil {
				e.state = StateFatal
				return nil, fmt.Errorf("drop incomplete transaction tail: %w", err)
			}
			result.LastGoodPosition = *dangling
			e.logger.Info("dropped incomplete transaction tail", "position", *dangling)
		}
	} else {
		e.state = StateCorruptionDetected
		failedVersion := result.LastGoodPosition.Version
		unreadable := e.unreadableBytes(result.LastGoodPosition)

		e.logger.Error(fmt.Sprintf("Fail to read transaction log version %d.", failedVersion),
			"error", decodeErr)

		if e.failOnCorruptedLogs {
			e.state = StateFatal
			return nil, fmt.Errorf("transaction log files with version %d has %d unreadable bytes: %w",
				failedVersion, unreadable, decodeErr)
		}

		e.logger.Warn(fmt.Sprintf(
			"Any later transactions after %s are unreadable and will be truncated.",
			result.LastGoodPosition),
			"unreadable_bytes", unreadable)

		e.state = StateTruncating
		archive, err := e.truncator.Truncate(result.LastGoodPosition)
		if err != nil {
			e.state = StateFatal
			return nil, fmt.Errorf("truncate corrupted logs: %w", err)
		}
		result.Truncated = true
		result.ArchivePath = archive
		e.metrics.TruncationEvents.Inc()
	}

	if result.RecoveredTransactions > 0 || result.Truncated {
		e.state = StateCheckpointing
		if err := e.tracker.Append(result.LastGoodPosition, "post-recovery"); err != nil {
			e.state = StateFatal
			return nil, fmt.Errorf("checkpoint after recovery: %w", err)
		}
		e.metrics.Checkpoints.Inc()
	}

	result.Elapsed = time.Since(began)
	e.metrics.RecoveryDuration.Observe(result.Elapsed.Seconds())
	e.monitor.RecoveryCompleted(result.RecoveredTransactions, result.Elapsed)

	if result.RecoveryRequired {
		e.logger.Info("recovery completed",
			"transactions", result.RecoveredTransactions,
			"elapsed_ms", result.Elapsed.Milliseconds(),
			"truncated", result.Truncated)
	}

	e.state = StateIdle
	return result, nil
}

// isCorruption reports whether err marks unreadable log content, as opposed
// to an environmental or applier failure.
func isCorruption(err error) bool {
	return errors.Is(err, entry.ErrMalformedEntry) ||
		errors.Is(err, entry.ErrIncompleteHeader) ||
		errors.Is(err, entry.ErrUnsupportedVersion)
}

// startPosition resolves where replay begins: the last checkpoint, or the
// start of the oldest segment when no checkpoint exists.
func (e *Engine) startPosition() (logpos.Position, error) {
	cp, err := e.tracker.Latest()
	if err != nil {
		return logpos.UnspecifiedPosition, fmt.Errorf("locate last checkpoint: %w", err)
	}
	if cp == nil {
		return logpos.New(e.store.LowestVersion(), segment.HeaderSize), nil
	}

	if end := e.store.EndPosition(); end.Before(cp.Position) {
		return logpos.UnspecifiedPosition, fmt.Errorf(
			"checkpoint %s points beyond the end of the log %s", cp.Position, end)
	}

	return cp.Position, nil
}

// replay walks entries from start across segment boundaries, assembling and
// applying committed transactions. It returns the decode error that stopped
// the walk, or nil on a clean end, plus the start position of a transaction
// left open at the end of the log. result.LastGoodPosition always tracks the
// cut point: the frontier after the last entry worth keeping. A failure
// inside a partially read transaction moves the cut back to that
// transaction's start record, so truncation never leaves a dangling prefix.
func (e *Engine) replay(start logpos.Position, result *Result) (*logpos.Position, error) {
	var (
		pending      *Transaction
		pendingStart logpos.Position
	)
	highest := e.store.HighestVersion()

	for v := start.Version; v <= highest; v++ {
		from := uint64(segment.HeaderSize)
		if v == start.Version {
			from = start.ByteOffset
		}

		reader, err := e.store.ReaderFrom(logpos.New(v, from))
		if err != nil {
			return nil, entry.Malformed(logpos.New(v, from), err.Error())
		}

		for {
			ent, err := reader.ReadNext()
			if err != nil {
				if pending != nil {
					result.LastGoodPosition = pendingStart
				} else {
					result.LastGoodPosition = reader.LastGoodPosition()
				}
				return nil, err
			}
			if ent == nil {
				break
			}

			switch rec := ent.(type) {
			case *entry.Start:
				if pending != nil {
					result.LastGoodPosition = pendingStart
					return nil, entry.Malformed(reader.LastEntryPosition(), "start record inside an open transaction")
				}
				e.noteRequired(start, result)
				pending = &Transaction{Start: rec}
				pendingStart = reader.LastEntryPosition()

			case *entry.Command:
				if pending == nil {
					result.LastGoodPosition = reader.LastEntryPosition()
					return nil, entry.Malformed(reader.LastEntryPosition(), "command record outside any transaction")
				}
				pending.Commands = append(pending.Commands, rec.Payload)

			case *entry.Commit:
				if pending == nil {
					result.LastGoodPosition = reader.LastEntryPosition()
					return nil, entry.Malformed(reader.LastEntryPosition(), "commit record outside any transaction")
				}
				pending.ID = rec.TxID
				pending.Checksum = rec.Checksum
				if err := e.applier.Apply(pending); err != nil {
					// Applier failures are not corruption; abort unmodified.
					return nil, fmt.Errorf("apply transaction %d: %w", rec.TxID, err)
				}
				result.RecoveredTransactions++
				result.LastCommittedTxID = rec.TxID
				result.LastTransactionChecksum = rec.Checksum
				e.metrics.RecoveredTransactions.Inc()
				e.monitor.TransactionRecovered(rec.TxID)
				pending = nil

			case *entry.Checkpoint:
				// Marker only; its position was already consumed during scan.
			}

			if pending == nil {
				result.LastGoodPosition = reader.LastGoodPosition()
			}
		}

		if pending != nil && v < highest {
			// Transactions never span segments; a dangling start in a sealed
			// segment means its tail was damaged before rotation.
			result.LastGoodPosition = pendingStart
			return nil, entry.Malformed(pendingStart, "transaction left open at end of sealed segment")
		}
	}

	if pending != nil {
		return &pendingStart, nil
	}
	return nil, nil
}

func (e *Engine) noteRequired(start logpos.Position, result *Result) {
	if result.RecoveryRequired {
		return
	}
	result.RecoveryRequired = true
	e.monitor.RecoveryRequired(start)
	e.logger.Info(fmt.Sprintf("Recovery required from position %s", start))
}

// unreadableBytes counts every byte past the frontier, across segments.
func (e *Engine) unreadableBytes(good logpos.Position) int64 {
	var total int64
	if size, ok := e.store.ReadableSize(good.Version); ok {
		total += size - int64(good.ByteOffset)
	}
	for v := good.Version + 1; v <= e.store.HighestVersion(); v++ {
		if size, ok := e.store.ReadableSize(v); ok {
			total += size
		}
	}
	return total
}
