// Package wal is the public face of the transaction log: durable transaction
// appends, checkpointing, rotation and startup recovery behind one type.
package wal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomdb/loomdb/pkg/metrics"
	"github.com/loomdb/loomdb/pkg/wal/buffer"
	"github.com/loomdb/loomdb/pkg/wal/checkpoint"
	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/entry"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/recovery"
	"github.com/loomdb/loomdb/pkg/wal/segment"
	"github.com/loomdb/loomdb/pkg/wal/version"
)

var ErrClosed = errors.New("transaction log is closed")

// Config assembles a Log. Only Dir is required; everything else has a
// workable zero value.
type Config struct {
	Dir     string
	Options options.Options

	// Applier replays committed transactions during startup recovery. Nil
	// discards them, which only makes sense for log inspection tooling.
	Applier recovery.Applier

	// Monitor observes recovery progress. Nil means no observation.
	Monitor recovery.Monitor

	// Counters inject shared version counters; nil creates private ones.
	Counters *version.Counters

	// Registerer receives the log's metric collectors; nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// Log is the transaction log. One writer at a time; Append, Checkpoint,
// Rotate and Close serialize on an internal mutex.
type Log struct {
	opts     options.Options
	store    *segment.Store
	tracker  checkpoint.Tracker
	counters *version.Counters
	writer   *entry.Writer
	pool     *buffer.Pool
	metrics  *metrics.Log
	logger   hclog.Logger

	mu            sync.Mutex
	closed        bool
	nextTxID      int64
	lastCommitted int64
	lastChecksum  uint32
}

// Open loads or creates the transaction log in cfg.Dir and runs crash
// recovery to completion before returning. The returned result describes what
// recovery did; a nil error means the log is consistent and writable.
func Open(cfg Config) (*Log, *recovery.Result, error) {
	opts := cfg.Options
	def := options.DefaultOptions()
	if opts.BaseName == "" {
		opts.BaseName = def.BaseName
	}
	if opts.CheckpointBaseName == "" {
		opts.CheckpointBaseName = def.CheckpointBaseName
	}
	if opts.RotationThreshold == 0 {
		opts.RotationThreshold = def.RotationThreshold
	}
	if opts.PreallocateChunk == 0 {
		opts.PreallocateChunk = def.PreallocateChunk
	}
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if opts.Checksum.Polynomial == 0 {
		opts.Checksum.Polynomial = def.Checksum.Polynomial
	}
	if opts.Checksum.DirectThreshold == 0 {
		opts.Checksum.DirectThreshold = def.Checksum.DirectThreshold
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if err := opts.Validate(); err != nil {
		return nil, nil, fmt.Errorf("transaction log options: %w", err)
	}

	counters := cfg.Counters
	if counters == nil {
		counters = version.NewCounters(0, 0)
	}

	cs := checksum.NewManager(opts.Checksum)
	m := metrics.New(cfg.Registerer)

	store, err := segment.Open(cfg.Dir, opts, counters, cs)
	if err != nil {
		return nil, nil, err
	}

	tracker, err := checkpoint.New(store, opts, counters, cs)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	applier := cfg.Applier
	if applier == nil {
		applier = recovery.ApplierFunc(func(*recovery.Transaction) error { return nil })
	}

	engine := recovery.NewEngine(store, tracker, applier, opts, cfg.Monitor, m)
	result, err := engine.Run()
	if err != nil {
		tracker.Close()
		store.Close()
		return nil, nil, err
	}

	lastCommitted, lastChecksum, err := seedFromHighestSegment(store)
	if err != nil {
		tracker.Close()
		store.Close()
		return nil, nil, fmt.Errorf("resume transaction sequence: %w", err)
	}

	l := &Log{
		opts:          opts,
		store:         store,
		tracker:       tracker,
		counters:      counters,
		writer:        entry.NewWriter(cs),
		pool:          buffer.NewPool(buffer.DefaultConfig()),
		metrics:       m,
		logger:        opts.Logger.Named("txlog"),
		lastCommitted: lastCommitted,
		lastChecksum:  lastChecksum,
	}
	l.nextTxID = l.lastCommitted + 1

	return l, result, nil
}

// seedFromHighestSegment resumes the transaction id sequence and the checksum
// chain after recovery. The writable segment's header records the last id
// committed before it; commits inside the segment supersede it. Recovery has
// already made the segment readable end to end.
func seedFromHighestSegment(store *segment.Store) (int64, uint32, error) {
	highest := store.HighestSegment()
	lastCommitted := highest.Header().LastCommittedTxID

	reader, err := store.ReaderFrom(logpos.New(highest.Version(), segment.HeaderSize))
	if err != nil {
		return 0, 0, err
	}

	var lastChecksum uint32
	for {
		ent, err := reader.ReadNext()
		if err != nil {
			return 0, 0, err
		}
		if ent == nil {
			break
		}
		if commit, ok := ent.(*entry.Commit); ok {
			lastCommitted = commit.TxID
			lastChecksum = commit.Checksum
		}
	}

	return lastCommitted, lastChecksum, nil
}

// AppendTransaction durably appends one whole transaction and returns its
// assigned id and the position of its start record. The commands are applied
// by the storage engine separately; the log only guarantees their durability
// and ordering.
func (l *Log) AppendTransaction(header []byte, commands [][]byte) (int64, logpos.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, logpos.UnspecifiedPosition, ErrClosed
	}

	if l.store.RotationNeeded() {
		if err := l.rotateLocked(); err != nil {
			return 0, logpos.UnspecifiedPosition, err
		}
	}

	now := time.Now().UnixMilli()
	txID := l.nextTxID

	buf := l.pool.Get(entry.TransactionSize(header, commands))
	defer l.pool.Put(buf)

	buf = l.writer.Start(buf, now, l.lastCommitted, l.lastChecksum, header)
	for _, c := range commands {
		buf = l.writer.Command(buf, c)
	}
	buf, sum := l.writer.Commit(buf, txID, now)

	pos, err := l.store.Append(buf)
	if err != nil {
		return 0, logpos.UnspecifiedPosition, err
	}
	if err := l.store.Sync(); err != nil {
		return 0, logpos.UnspecifiedPosition, fmt.Errorf("sync transaction %d: %w", txID, err)
	}

	l.nextTxID++
	l.lastCommitted = txID
	l.lastChecksum = sum

	l.metrics.AppendedTransactions.Inc()
	l.metrics.AppendedBytes.Add(float64(len(buf)))

	return txID, pos, nil
}

// Checkpoint records that everything up to the current end of the log is
// durable and applied, bounding the next recovery's replay window.
func (l *Log) Checkpoint(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	pos := l.store.EndPosition()
	if err := l.tracker.Append(pos, reason); err != nil {
		return err
	}
	l.metrics.Checkpoints.Inc()

	l.logger.Debug("checkpoint", "position", pos, "reason", reason)
	return nil
}

// Rotate finalizes the writable segment and opens the next one regardless of
// the size threshold.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	if _, err := l.store.Rotate(l.lastCommitted); err != nil {
		return err
	}
	l.metrics.Rotations.Inc()
	return nil
}

// ReaderFrom opens a sequential entry reader at the given position.
func (l *Log) ReaderFrom(pos logpos.Position) (*entry.Reader, error) {
	return l.store.ReaderFrom(pos)
}

// LastCommittedTxID is the id of the most recently committed transaction.
func (l *Log) LastCommittedTxID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastCommitted
}

// EndPosition is the address one past the last appended byte.
func (l *Log) EndPosition() logpos.Position {
	return l.store.EndPosition()
}

// StoreID is the identity shared by every file of this log.
func (l *Log) StoreID() segment.StoreID {
	return l.store.StoreID()
}

// Store exposes the underlying segment set for inspection tooling.
func (l *Log) Store() *segment.Store {
	return l.store
}

// Close writes a shutdown checkpoint and releases every file. A cleanly
// closed log recovers with nothing to replay.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	if err := l.tracker.Append(l.store.EndPosition(), "shutdown"); err != nil {
		firstErr = err
	}
	if err := l.tracker.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
