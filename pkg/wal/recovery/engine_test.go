package recovery

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loomdb/pkg/wal/checkpoint"
	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/entry"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/segment"
	"github.com/loomdb/loomdb/pkg/wal/version"
)

// harness assembles a real on-disk log the tests mutate byte by byte.
type harness struct {
	t        *testing.T
	dir      string
	opts     options.Options
	counters *version.Counters
	cs       *checksum.Manager
	store    *segment.Store
	tracker  checkpoint.Tracker
	writer   *entry.Writer

	lastChecksum uint32
	nextTxID     int64
}

func newHarness(t *testing.T, failOnCorrupted bool) *harness {
	t.Helper()

	opts := options.DefaultOptions()
	opts.RotationThreshold = options.MinRotationThreshold
	opts.FailOnCorruptedLogs = failOnCorrupted

	h := &harness{
		t:        t,
		dir:      t.TempDir(),
		opts:     opts,
		nextTxID: 1,
	}
	h.open()

	t.Cleanup(func() {
		h.tracker.Close()
		h.store.Close()
	})

	return h
}

func (h *harness) open() {
	h.t.Helper()

	h.counters = version.NewCounters(0, 0)
	h.cs = checksum.NewManager(h.opts.Checksum)

	store, err := segment.Open(h.dir, h.opts, h.counters, h.cs)
	require.NoError(h.t, err)
	h.store = store

	tracker, err := checkpoint.New(store, h.opts, h.counters, h.cs)
	require.NoError(h.t, err)
	h.tracker = tracker

	h.writer = entry.NewWriter(h.cs)
}

// restart closes every file and reopens the store cold, like a process
// restart. The segments carry no padding, so this is byte-identical to a
// crash.
func (h *harness) restart() {
	h.t.Helper()

	require.NoError(h.t, h.tracker.Close())
	require.NoError(h.t, h.store.Close())
	h.open()
}

func (h *harness) appendTx(payloads ...[]byte) logpos.Position {
	h.t.Helper()

	txID := h.nextTxID
	h.nextTxID++

	var buf []byte
	buf = h.writer.Start(buf, time.Now().UnixMilli(), txID-1, h.lastChecksum, nil)
	for _, p := range payloads {
		buf = h.writer.Command(buf, p)
	}
	buf, sum := h.writer.Commit(buf, txID, time.Now().UnixMilli())
	h.lastChecksum = sum

	pos, err := h.store.Append(buf)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.Sync())

	return pos
}

// appendDangling writes a start and command with no commit, an unflushed tail.
func (h *harness) appendDangling() logpos.Position {
	h.t.Helper()

	var buf []byte
	buf = h.writer.Start(buf, time.Now().UnixMilli(), h.nextTxID-1, h.lastChecksum, nil)
	buf = h.writer.Command(buf, []byte("never committed"))

	pos, err := h.store.Append(buf)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.Sync())

	return pos
}

func (h *harness) checkpointNow() {
	h.t.Helper()
	require.NoError(h.t, h.tracker.Append(h.store.EndPosition(), "test"))
}

// appendGarbage writes raw bytes straight to the highest segment file,
// bypassing the store, the way torn writes land on disk.
func (h *harness) appendGarbage(data []byte) {
	h.t.Helper()

	path := h.store.HighestSegment().Path()
	require.NoError(h.t, h.tracker.Close())
	require.NoError(h.t, h.store.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(h.t, err)
	_, err = f.Write(data)
	require.NoError(h.t, err)
	require.NoError(h.t, f.Close())

	h.open()
}

// corruptByteAt flips one byte of a segment file in place.
func (h *harness) corruptByteAt(segmentVersion uint64, offset int64) {
	h.t.Helper()

	path := segment.FileName(h.dir, h.opts.BaseName, segmentVersion)
	require.NoError(h.t, h.tracker.Close())
	require.NoError(h.t, h.store.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(h.t, err)
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, offset)
	require.NoError(h.t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, offset)
	require.NoError(h.t, err)
	require.NoError(h.t, f.Close())

	h.open()
}

func (h *harness) segmentSize(v uint64) int64 {
	h.t.Helper()

	info, err := os.Stat(segment.FileName(h.dir, h.opts.BaseName, v))
	require.NoError(h.t, err)
	return info.Size()
}

func (h *harness) run(applier Applier, monitor Monitor) (*Result, error) {
	if applier == nil {
		applier = ApplierFunc(func(*Transaction) error { return nil })
	}
	engine := NewEngine(h.store, h.tracker, applier, h.opts, monitor, nil)
	return engine.Run()
}

// collector records every applied transaction and monitor event.
type collector struct {
	applied   []*Transaction
	required  []logpos.Position
	recovered []int64
	completed int
}

func (c *collector) Apply(tx *Transaction) error {
	c.applied = append(c.applied, tx)
	return nil
}

func (c *collector) RecoveryRequired(pos logpos.Position) { c.required = append(c.required, pos) }
func (c *collector) TransactionRecovered(txID int64)      { c.recovered = append(c.recovered, txID) }
func (c *collector) RecoveryCompleted(int, time.Duration) { c.completed++ }

func TestRecoveryCleanEmptyLog(t *testing.T) {
	h := newHarness(t, true)
	end := h.store.EndPosition()

	c := &collector{}
	result, err := h.run(c, c)
	require.NoError(t, err)

	assert.False(t, result.RecoveryRequired)
	assert.Zero(t, result.RecoveredTransactions)
	assert.Empty(t, c.required)
	assert.Equal(t, 1, c.completed)

	// Nothing was appended, not even a checkpoint.
	assert.Equal(t, end, h.store.EndPosition())
}

func TestRecoveryAfterCleanShutdownIsNoop(t *testing.T) {
	h := newHarness(t, true)

	h.appendTx([]byte("one"))
	h.appendTx([]byte("two"))
	h.checkpointNow()
	h.restart()

	c := &collector{}
	result, err := h.run(c, c)
	require.NoError(t, err)

	assert.False(t, result.RecoveryRequired)
	assert.Empty(t, c.applied)
}

func TestRecoveryReplaysFromCheckpoint(t *testing.T) {
	h := newHarness(t, true)

	h.appendTx([]byte("before 1"))
	h.appendTx([]byte("before 2"))
	cpPos := h.store.EndPosition()
	h.checkpointNow()
	h.appendTx([]byte("after 1"))
	h.appendTx([]byte("after 2"), []byte("second command"))
	h.restart()

	c := &collector{}
	result, err := h.run(c, c)
	require.NoError(t, err)

	assert.True(t, result.RecoveryRequired)
	assert.Equal(t, 2, result.RecoveredTransactions)
	assert.Equal(t, int64(4), result.LastCommittedTxID)

	require.Len(t, c.applied, 2)
	assert.Equal(t, int64(3), c.applied[0].ID)
	assert.Equal(t, [][]byte{[]byte("after 1")}, c.applied[0].Commands)
	assert.Equal(t, int64(4), c.applied[1].ID)
	assert.Equal(t, [][]byte{[]byte("after 2"), []byte("second command")}, c.applied[1].Commands)

	require.Len(t, c.required, 1)
	assert.Equal(t, cpPos, c.required[0])
	assert.Equal(t, []int64{3, 4}, c.recovered)
}

func TestRecoveryWithoutCheckpointReplaysEverything(t *testing.T) {
	h := newHarness(t, true)

	h.appendTx([]byte("segment zero"))
	_, err := h.store.Rotate(1)
	require.NoError(t, err)
	h.appendTx([]byte("segment one"))
	h.restart()

	c := &collector{}
	result, err := h.run(c, c)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RecoveredTransactions)
	assert.Equal(t, []int64{1, 2}, c.recovered)
	require.Len(t, c.required, 1)
	assert.Equal(t, logpos.New(0, segment.HeaderSize), c.required[0])
}

func TestRecoveryAppendsCheckpointAfterReplay(t *testing.T) {
	h := newHarness(t, true)

	h.appendTx([]byte("replayed"))
	h.restart()

	result, err := h.run(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.RecoveredTransactions)

	// The post-recovery checkpoint is the only thing appended.
	assert.Equal(t, result.LastGoodPosition.ByteOffset+entry.CheckpointSize,
		h.store.EndPosition().ByteOffset)

	// A second round finds the checkpoint and replays nothing.
	h.restart()
	c := &collector{}
	result, err = h.run(c, c)
	require.NoError(t, err)
	assert.False(t, result.RecoveryRequired)
	assert.Empty(t, c.applied)
}

func TestRecoveryFatalOnCorruption(t *testing.T) {
	h := newHarness(t, true)

	h.appendTx([]byte("good"))
	sizeBefore := h.store.HighestSegment().Size()
	h.appendGarbage([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05})

	_, err := h.run(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, entry.ErrUnsupportedVersion)
	assert.Contains(t, err.Error(), "has 10 unreadable bytes")

	// Fatal mode never mutates the log.
	assert.Equal(t, sizeBefore+10, h.segmentSize(0))
	_, statErr := os.Stat(filepath.Join(h.dir, ArchiveDirName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRecoveryTruncatesArchivesAndCheckpoints(t *testing.T) {
	h := newHarness(t, false)

	for i := 0; i < 10; i++ {
		h.appendTx([]byte(fmt.Sprintf("payload-%d", i)))
	}
	cleanSize := h.store.HighestSegment().Size()

	garbage := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	h.appendGarbage(garbage)

	c := &collector{}
	result, err := h.run(c, c)
	require.NoError(t, err)

	assert.Equal(t, 10, result.RecoveredTransactions)
	assert.True(t, result.Truncated)
	assert.Equal(t, logpos.New(0, uint64(cleanSize)), result.LastGoodPosition)

	// The file holds the clean prefix plus exactly one checkpoint record.
	assert.Equal(t, cleanSize+entry.CheckpointSize, h.segmentSize(0))

	// The archive holds exactly the ten garbage bytes under the source name.
	require.NotEmpty(t, result.ArchivePath)
	zr, err := zip.OpenReader(result.ArchivePath)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 1)
	assert.Equal(t, h.opts.BaseName+".0", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	content := make([]byte, 20)
	n, _ := rc.Read(content)
	rc.Close()
	assert.Equal(t, garbage, content[:n])

	// A second round over the repaired log is clean.
	h.restart()
	second, err := h.run(nil, nil)
	require.NoError(t, err)
	assert.False(t, second.RecoveryRequired)
	assert.False(t, second.Truncated)
	assert.Equal(t, cleanSize+entry.CheckpointSize, h.segmentSize(0))
}

func TestRecoveryCorruptionMidTransactionCutsWholeTransaction(t *testing.T) {
	h := newHarness(t, false)

	h.appendTx([]byte("intact"))
	txStart := h.appendTx([]byte("will be corrupted"))

	// Flip a payload byte; the commit checksum no longer matches, and the cut
	// must remove the whole transaction, not just its commit record.
	h.corruptByteAt(0, int64(txStart.ByteOffset)+30)

	result, err := h.run(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RecoveredTransactions)
	assert.True(t, result.Truncated)
	assert.Equal(t, txStart, result.LastGoodPosition)
	assert.Equal(t, int64(txStart.ByteOffset)+entry.CheckpointSize, h.segmentSize(0))
}

func TestRecoveryCorruptionInSealedSegmentRemovesLaterSegments(t *testing.T) {
	h := newHarness(t, false)

	h.appendTx([]byte("keep me"))
	cut := h.store.EndPosition()
	h.appendTx([]byte("doomed in segment zero"))
	_, err := h.store.Rotate(2)
	require.NoError(t, err)
	h.appendTx([]byte("doomed with the whole segment"))

	segOneSize := h.segmentSize(1)

	// Corrupt the second transaction's start record in the sealed segment.
	h.corruptByteAt(0, int64(cut.ByteOffset)+1)

	result, err := h.run(nil, nil)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Equal(t, cut, result.LastGoodPosition)
	assert.Equal(t, 1, result.RecoveredTransactions)

	// Segment 1 is gone and segment 0 is writable again.
	assert.Equal(t, uint64(0), h.store.HighestVersion())
	_, statErr := os.Stat(segment.FileName(h.dir, h.opts.BaseName, 1))
	assert.True(t, os.IsNotExist(statErr))

	// The archive captured the tail of segment 0 and all of segment 1.
	zr, err := zip.OpenReader(result.ArchivePath)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 2)
	assert.Equal(t, h.opts.BaseName+".0", zr.File[0].Name)
	assert.Equal(t, h.opts.BaseName+".1", zr.File[1].Name)
	assert.Equal(t, uint64(segOneSize), zr.File[1].UncompressedSize64)
}

func TestRecoveryCorruptionInHighestSegmentOnly(t *testing.T) {
	h := newHarness(t, false)

	h.appendTx([]byte("segment zero, untouched"))
	_, err := h.store.Rotate(1)
	require.NoError(t, err)
	h.appendTx([]byte("segment one, damaged"))

	segZero, err := os.ReadFile(segment.FileName(h.dir, h.opts.BaseName, 0))
	require.NoError(t, err)

	h.appendGarbage([]byte{0xba, 0xad, 0xba, 0xad, 0xba})

	result, err := h.run(nil, nil)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Equal(t, 2, result.RecoveredTransactions)
	assert.Equal(t, uint64(1), result.LastGoodPosition.Version)

	// The sealed earlier segment is byte-for-byte unchanged.
	after, err := os.ReadFile(segment.FileName(h.dir, h.opts.BaseName, 0))
	require.NoError(t, err)
	assert.Equal(t, segZero, after)
}

func TestRecoveryMonotonicShrinkage(t *testing.T) {
	h := newHarness(t, false)

	for i := 0; i < 10; i++ {
		h.appendTx([]byte("steady payload"))
	}

	garbage := make([]byte, 100)
	for i := range garbage {
		garbage[i] = byte(200 + i%50)
	}

	lastCount := 10
	for round := 0; round < 3; round++ {
		h.appendGarbage(garbage)
		corruptedSize := h.segmentSize(0)

		result, err := h.run(nil, nil)
		require.NoError(t, err)

		assert.True(t, result.Truncated, "round %d", round)
		assert.Less(t, h.segmentSize(0), corruptedSize, "round %d", round)
		assert.LessOrEqual(t, result.RecoveredTransactions, lastCount, "round %d", round)
		lastCount = result.RecoveredTransactions

		h.restart()
	}
}

func TestRecoveryDropsIncompleteTail(t *testing.T) {
	h := newHarness(t, true)

	h.appendTx([]byte("committed"))
	tail := h.appendDangling()
	h.restart()

	result, err := h.run(nil, nil)
	require.NoError(t, err)

	// An unflushed tail is not corruption: no archive, no error, even under
	// the fail-fast policy.
	assert.Equal(t, 1, result.RecoveredTransactions)
	assert.False(t, result.Truncated)
	assert.Equal(t, tail, result.LastGoodPosition)
	_, statErr := os.Stat(filepath.Join(h.dir, ArchiveDirName))
	assert.True(t, os.IsNotExist(statErr))

	// The tail is gone; only the post-recovery checkpoint follows the cut.
	assert.Equal(t, int64(tail.ByteOffset)+entry.CheckpointSize, h.segmentSize(0))
}

func TestRecoveryDanglingTailInSealedSegmentIsCorruption(t *testing.T) {
	h := newHarness(t, false)

	h.appendTx([]byte("fine"))
	tail := h.appendDangling()
	_, err := h.store.Rotate(1)
	require.NoError(t, err)
	h.appendTx([]byte("in the next segment"))

	result, err := h.run(nil, nil)
	require.NoError(t, err)

	// A transaction left open in a sealed segment can never commit, so the
	// tail and everything after it is unreadable content.
	assert.True(t, result.Truncated)
	assert.Equal(t, tail, result.LastGoodPosition)
	assert.Equal(t, uint64(0), h.store.HighestVersion())
}

func TestRecoveryStructuralViolationIsCorruption(t *testing.T) {
	h := newHarness(t, true)

	h.appendTx([]byte("legal"))

	// A lone command record with no enclosing transaction.
	var buf []byte
	buf = h.writer.Command(buf, []byte("orphan"))
	_, err := h.store.Append(buf)
	require.NoError(t, err)
	require.NoError(t, h.store.Sync())
	h.restart()

	_, err = h.run(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, entry.ErrMalformedEntry)
	assert.Contains(t, err.Error(), "command record outside any transaction")
}

func TestRecoveryApplierFailureAbortsWithoutMutation(t *testing.T) {
	h := newHarness(t, false)

	h.appendTx([]byte("poison"))
	h.restart()
	size := h.segmentSize(0)

	boom := ApplierFunc(func(*Transaction) error { return fmt.Errorf("storage engine rejected") })
	_, err := h.run(boom, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage engine rejected")

	// Applier failures are not corruption; the log is untouched.
	assert.Equal(t, size, h.segmentSize(0))
	_, statErr := os.Stat(filepath.Join(h.dir, ArchiveDirName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRecoveryEngineReturnsToIdle(t *testing.T) {
	h := newHarness(t, true)
	h.appendTx([]byte("x"))
	h.restart()

	engine := NewEngine(h.store, h.tracker, ApplierFunc(func(*Transaction) error { return nil }), h.opts, nil, nil)
	require.Equal(t, StateIdle, engine.State())

	_, err := engine.Run()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, engine.State())
}

func TestTruncatorNoopWhenNothingToCut(t *testing.T) {
	h := newHarness(t, false)
	h.appendTx([]byte("data"))

	tr := NewTruncator(h.store, h.opts)
	archive, err := tr.Truncate(h.store.EndPosition())
	require.NoError(t, err)

	assert.Empty(t, archive)
	_, statErr := os.Stat(filepath.Join(h.dir, ArchiveDirName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestTruncatorPreservesPrefix(t *testing.T) {
	h := newHarness(t, false)

	h.appendTx([]byte("prefix stays"))
	cut := h.store.EndPosition()
	h.appendTx([]byte("suffix goes"))

	before, err := h.store.HighestSegment().ReadRange(0, int64(cut.ByteOffset))
	require.NoError(t, err)

	tr := NewTruncator(h.store, h.opts)
	archive, err := tr.Truncate(cut)
	require.NoError(t, err)
	require.NotEmpty(t, archive)

	assert.Equal(t, int64(cut.ByteOffset), h.segmentSize(0))
	after, err := h.store.HighestSegment().ReadRange(0, int64(cut.ByteOffset))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTruncatorArchiveNameCarriesCutPoint(t *testing.T) {
	h := newHarness(t, false)

	cut := h.store.EndPosition()
	h.appendTx([]byte("archived"))

	tr := NewTruncator(h.store, h.opts)
	archive, err := tr.Truncate(cut)
	require.NoError(t, err)

	base := filepath.Base(archive)
	assert.Contains(t, base, fmt.Sprintf("corrupted-%s-%d-%d-", h.opts.BaseName, cut.Version, cut.ByteOffset))
	assert.Equal(t, ".zip", filepath.Ext(base))
	assert.Equal(t, ArchiveDirName, filepath.Base(filepath.Dir(archive)))
}
