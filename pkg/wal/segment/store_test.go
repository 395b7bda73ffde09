package segment

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/version"
)

func testOptions() options.Options {
	opts := options.DefaultOptions()
	opts.RotationThreshold = options.MinRotationThreshold
	return opts
}

func openTestStore(t *testing.T, dir string, opts options.Options) *Store {
	t.Helper()

	store, err := Open(dir, opts, version.NewCounters(0, 0), checksum.NewManager(opts.Checksum))
	require.NoError(t, err)
	return store
}

func TestHeaderRoundtrip(t *testing.T) {
	h := Header{
		Format:            CurrentFormat,
		Version:           9,
		LastCommittedTxID: 1234,
		StoreID:           uuid.New(),
	}

	raw := h.Encode()
	require.Len(t, raw, HeaderSize)

	decoded, err := DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHeaderErrors(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		_, err := DecodeHeader(make([]byte, HeaderSize-1))
		assert.ErrorIs(t, err, ErrIncompleteSegmentHeader)
	})

	t.Run("future format", func(t *testing.T) {
		raw := Header{Format: CurrentFormat, Version: 1}.Encode()
		raw[0] = CurrentFormat + 1
		_, err := DecodeHeader(raw)
		assert.ErrorIs(t, err, ErrUnsupportedHeaderFormat)
	})

	t.Run("zero format", func(t *testing.T) {
		_, err := DecodeHeader(make([]byte, HeaderSize))
		assert.ErrorIs(t, err, ErrUnsupportedHeaderFormat)
	})
}

func TestFileNaming(t *testing.T) {
	name := FileName("/data", "loomdb.transaction.db", 17)
	assert.Equal(t, "/data/loomdb.transaction.db.17", name)

	v, ok := ParseVersion(name, "loomdb.transaction.db")
	require.True(t, ok)
	assert.Equal(t, uint64(17), v)

	_, ok = ParseVersion("/data/other.db.17", "loomdb.transaction.db")
	assert.False(t, ok)

	_, ok = ParseVersion("/data/loomdb.transaction.db.abc", "loomdb.transaction.db")
	assert.False(t, ok)
}

func TestStoreCreatesSegmentZero(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, testOptions())
	defer store.Close()

	assert.Equal(t, uint64(0), store.LowestVersion())
	assert.Equal(t, uint64(0), store.HighestVersion())
	assert.NotEqual(t, StoreID{}, store.StoreID())
	assert.Equal(t, logpos.New(0, HeaderSize), store.EndPosition())

	info, err := os.Stat(FileName(dir, store.BaseName(), 0))
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), info.Size())
}

func TestStoreAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, testOptions())
	defer store.Close()

	pos, err := store.Append([]byte("record one"))
	require.NoError(t, err)
	assert.Equal(t, logpos.New(0, HeaderSize), pos)

	pos, err = store.Append([]byte("record two"))
	require.NoError(t, err)
	assert.Equal(t, logpos.New(0, HeaderSize+10), pos)

	require.NoError(t, store.Sync())

	seg := store.HighestSegment()
	data, err := seg.ReadRange(HeaderSize, HeaderSize+20)
	require.NoError(t, err)
	assert.Equal(t, []byte("record onerecord two"), data)
}

func TestStoreRotation(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	store := openTestStore(t, dir, opts)
	defer store.Close()

	assert.False(t, store.RotationNeeded())

	payload := make([]byte, opts.RotationThreshold)
	_, err := store.Append(payload)
	require.NoError(t, err)
	assert.True(t, store.RotationNeeded())

	seg, err := store.Rotate(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seg.Version())
	assert.Equal(t, int64(7), seg.Header().LastCommittedTxID)
	assert.Equal(t, uint64(1), store.HighestVersion())
	assert.False(t, store.RotationNeeded())

	// The sealed segment keeps exactly its used length.
	sealed, ok := store.SegmentForVersion(0)
	require.True(t, ok)
	assert.Equal(t, int64(HeaderSize)+opts.RotationThreshold, sealed.Size())
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	store := openTestStore(t, dir, opts)
	id := store.StoreID()
	_, err := store.Append([]byte("persisted"))
	require.NoError(t, err)
	_, err = store.Rotate(1)
	require.NoError(t, err)
	_, err = store.Append([]byte("in segment one"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	counters := version.NewCounters(0, 0)
	store, err = Open(dir, opts, counters, checksum.NewManager(opts.Checksum))
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, id, store.StoreID())
	assert.Equal(t, uint64(0), store.LowestVersion())
	assert.Equal(t, uint64(1), store.HighestVersion())
	assert.Equal(t, uint64(1), counters.CurrentSegmentVersion())
	assert.Equal(t, logpos.New(1, HeaderSize+14), store.EndPosition())
}

func TestStoreRejectsNonContiguousVersions(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	store := openTestStore(t, dir, opts)
	_, err := store.Rotate(0)
	require.NoError(t, err)
	_, err = store.Rotate(0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.NoError(t, os.Remove(FileName(dir, opts.BaseName, 1)))

	_, err = Open(dir, opts, version.NewCounters(0, 0), checksum.NewManager(opts.Checksum))
	assert.ErrorIs(t, err, ErrNonContiguousVersions)
}

func TestStoreRejectsForeignSegment(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	store := openTestStore(t, dir, opts)
	_, err := store.Rotate(0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Rewrite segment 1's header with a different store id.
	foreign := Header{Format: CurrentFormat, Version: 1, StoreID: uuid.New()}
	path := FileName(dir, opts.BaseName, 1)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt(foreign.Encode(), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, opts, version.NewCounters(0, 0), checksum.NewManager(opts.Checksum))
	assert.ErrorIs(t, err, ErrStoreIDMismatch)
}

func TestStoreTruncateSegment(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, testOptions())
	defer store.Close()

	_, err := store.Append([]byte("keep-this-cut-this"))
	require.NoError(t, err)

	require.NoError(t, store.TruncateSegment(0, HeaderSize+9))

	assert.Equal(t, logpos.New(0, HeaderSize+9), store.EndPosition())

	// The append frontier moved back with the cut.
	pos, err := store.Append([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, logpos.New(0, HeaderSize+9), pos)
}

func TestStoreRemoveSegmentsAbove(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	store := openTestStore(t, dir, opts)
	defer store.Close()

	_, err := store.Append([]byte("segment zero"))
	require.NoError(t, err)
	_, err = store.Rotate(1)
	require.NoError(t, err)
	_, err = store.Append([]byte("segment one"))
	require.NoError(t, err)
	_, err = store.Rotate(2)
	require.NoError(t, err)

	removed, err := store.RemoveSegmentsAbove(0)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	assert.Equal(t, uint64(0), store.HighestVersion())
	for _, path := range removed {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	}

	// Segment 0 is writable again.
	pos, err := store.Append([]byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos.Version)
}

func TestStoreReaderFrom(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, testOptions())
	defer store.Close()

	_, err := store.ReaderFrom(logpos.New(0, HeaderSize))
	require.NoError(t, err)

	t.Run("unknown segment", func(t *testing.T) {
		_, err := store.ReaderFrom(logpos.New(5, HeaderSize))
		assert.Error(t, err)
	})

	t.Run("offset past the end", func(t *testing.T) {
		_, err := store.ReaderFrom(logpos.New(0, 10_000))
		assert.Error(t, err)
	})
}

func TestStoreCloseTrimsPadding(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.Preallocate = true
	opts.PreallocateChunk = options.MinPreallocateChunk

	store := openTestStore(t, dir, opts)
	_, err := store.Append([]byte("short"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	info, err := os.Stat(FileName(dir, opts.BaseName, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize+5), info.Size())
}
