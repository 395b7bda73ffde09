// Package segment manages the ordered set of append-only log files backing
// the transaction log: creation, rotation, sequential readers and the
// destructive operations crash recovery needs.
package segment

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/entry"
	"github.com/loomdb/loomdb/pkg/wal/file"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/version"
)

// Store owns a contiguous set of segments with exactly one writable highest
// segment. The writer is single and serialized internally; readers open
// independent cursors and only wait out the brief exclusive window of
// rotation and truncation.
type Store struct {
	mu       sync.RWMutex
	dir      string
	opts     options.Options
	counters *version.Counters
	cs       *checksum.Manager
	logger   hclog.Logger

	storeID  StoreID
	segments []*Segment

	// appendOffset is the logical end of the highest segment. On a reopen
	// after a crash it starts at the physical size; recovery trims it back.
	appendOffset int64
}

// Open loads the segment set in dir, creating segment 0 with a fresh store
// identity when the directory holds no segments yet.
func Open(dir string, opts options.Options, counters *version.Counters, cs *checksum.Manager) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}

	s := &Store{
		dir:      dir,
		opts:     opts,
		counters: counters,
		cs:       cs,
		logger:   opts.Logger.Named("segments"),
	}

	versions, err := ListFiles(dir, opts.BaseName)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		s.storeID = uuid.New()
		seg, err := s.createSegment(0, 0)
		if err != nil {
			return nil, err
		}
		s.segments = []*Segment{seg}
		s.appendOffset = HeaderSize
		counters.SetSegmentVersion(0)
		s.logger.Info("created new transaction log", "store_id", s.storeID, "path", seg.Path())
		return s, nil
	}

	for i, v := range versions {
		if v != versions[0]+uint64(i) {
			return nil, fmt.Errorf("%w: missing version %d", ErrNonContiguousVersions, versions[0]+uint64(i))
		}
	}

	for _, v := range versions {
		seg, err := s.openSegment(v)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		if len(s.segments) == 0 {
			s.storeID = seg.header.StoreID
		} else if seg.header.StoreID != s.storeID {
			s.closeAll()
			return nil, fmt.Errorf("%w: %s has %s, store is %s", ErrStoreIDMismatch, seg.Path(), seg.header.StoreID, s.storeID)
		}
		s.segments = append(s.segments, seg)
	}

	highest := s.segments[len(s.segments)-1]
	for _, seg := range s.segments[:len(s.segments)-1] {
		seg.sealed = true
	}
	s.appendOffset = highest.Size()
	counters.SetSegmentVersion(highest.Version())

	s.logger.Debug("opened transaction log",
		"segments", len(s.segments), "highest_version", highest.Version(), "store_id", s.storeID)

	return s, nil
}

func (s *Store) createSegment(v uint64, lastCommittedTxID int64) (*Segment, error) {
	path := FileName(s.dir, s.opts.BaseName, v)

	fm, err := file.Open(path, &file.Options{
		Preallocate: s.opts.Preallocate,
		Chunk:       s.opts.PreallocateChunk,
	})
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", v, err)
	}

	header := Header{
		Format:            CurrentFormat,
		Version:           v,
		LastCommittedTxID: lastCommittedTxID,
		StoreID:           s.storeID,
	}

	if err := fm.Write(header.Encode(), 0); err != nil {
		fm.Close()
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	if err := fm.Sync(); err != nil {
		fm.Close()
		return nil, fmt.Errorf("sync segment header: %w", err)
	}

	return &Segment{header: header, fm: fm, path: path}, nil
}

func (s *Store) openSegment(v uint64) (*Segment, error) {
	path := FileName(s.dir, s.opts.BaseName, v)

	fm, err := file.Open(path, &file.Options{
		Preallocate: s.opts.Preallocate,
		Chunk:       s.opts.PreallocateChunk,
	})
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", v, err)
	}

	raw, err := fm.Read(0, HeaderSize)
	if err != nil {
		fm.Close()
		return nil, fmt.Errorf("read segment header: %w", err)
	}

	header, err := DecodeHeader(raw)
	if err != nil {
		fm.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	if header.Version != v {
		fm.Close()
		return nil, fmt.Errorf("%w: file %s, header version %d", ErrVersionMismatch, path, header.Version)
	}

	return &Segment{header: header, fm: fm, path: path}, nil
}

// StoreID is the identity every segment in the set agrees on.
func (s *Store) StoreID() StoreID {
	return s.storeID
}

// Append places data at the current end of the highest segment and returns
// the position where it begins.
func (s *Store) Append(data []byte) (logpos.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	highest := s.segments[len(s.segments)-1]
	pos := logpos.New(highest.Version(), uint64(s.appendOffset))

	if err := highest.fm.Write(data, s.appendOffset); err != nil {
		return logpos.UnspecifiedPosition, fmt.Errorf("append to segment %d: %w", highest.Version(), err)
	}
	s.appendOffset += int64(len(data))

	return pos, nil
}

// Sync flushes the highest segment to stable storage.
func (s *Store) Sync() error {
	s.mu.RLock()
	highest := s.segments[len(s.segments)-1]
	s.mu.RUnlock()

	return highest.sync()
}

// RotationNeeded reports whether the writable segment reached the configured
// rotation threshold.
func (s *Store) RotationNeeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.appendOffset >= s.opts.RotationThreshold
}

// Rotate finalizes the writable segment and opens the next one. Exclusive
// with concurrent appends.
func (s *Store) Rotate(lastCommittedTxID int64) (*Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.segments[len(s.segments)-1]
	if err := current.sync(); err != nil {
		return nil, fmt.Errorf("sync before rotation: %w", err)
	}
	// Fix the final length: trims preallocated padding so a sealed segment's
	// physical size is exactly its used length.
	if current.Size() > s.appendOffset {
		if err := current.fm.Truncate(s.appendOffset); err != nil {
			return nil, fmt.Errorf("trim segment %d: %w", current.Version(), err)
		}
	}
	current.sealed = true

	next := s.counters.IncrementSegmentVersion()
	seg, err := s.createSegment(next, lastCommittedTxID)
	if err != nil {
		return nil, err
	}

	s.segments = append(s.segments, seg)
	s.appendOffset = HeaderSize

	s.logger.Debug("rotated transaction log", "from", current.Version(), "to", next)

	return seg, nil
}

// HighestSegment returns the writable segment.
func (s *Store) HighestSegment() *Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.segments[len(s.segments)-1]
}

func (s *Store) SegmentForVersion(v uint64) (*Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.segmentLocked(v)
}

func (s *Store) segmentLocked(v uint64) (*Segment, bool) {
	if len(s.segments) == 0 {
		return nil, false
	}
	lowest := s.segments[0].Version()
	if v < lowest || v > lowest+uint64(len(s.segments)-1) {
		return nil, false
	}
	return s.segments[v-lowest], true
}

func (s *Store) LowestVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.segments[0].Version()
}

func (s *Store) HighestVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.segments[len(s.segments)-1].Version()
}

// ReadableSize is the number of decodable bytes in the given segment: the
// logical end for the writable segment, the physical size for sealed ones.
func (s *Store) ReadableSize(v uint64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segmentLocked(v)
	if !ok {
		return 0, false
	}
	if !seg.sealed {
		return s.appendOffset, true
	}
	return seg.Size(), true
}

// ReaderFrom opens a sequential reader at the given position. Multiple
// readers may be open concurrently; they never block the writer.
func (s *Store) ReaderFrom(pos logpos.Position) (*entry.Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segmentLocked(pos.Version)
	if !ok {
		return nil, fmt.Errorf("no segment with version %d", pos.Version)
	}

	limit := seg.Size()
	if !seg.sealed {
		limit = s.appendOffset
	}
	if pos.ByteOffset > uint64(limit) {
		return nil, fmt.Errorf("position %s beyond end of segment (%d bytes)", pos, limit)
	}

	// Read ahead; the scan is strictly front to back.
	_ = seg.fm.AdviseSequential()

	return entry.NewReader(seg.fm, s.cs, pos.Version, int64(pos.ByteOffset), limit), nil
}

// EndPosition is the address one past the last appended byte.
func (s *Store) EndPosition() logpos.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	highest := s.segments[len(s.segments)-1]
	return logpos.New(highest.Version(), uint64(s.appendOffset))
}

// TruncateSegment cuts the given segment to size bytes. Recovery-only; the
// engine guarantees no concurrent access to the affected files.
func (s *Store) TruncateSegment(v uint64, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segmentLocked(v)
	if !ok {
		return fmt.Errorf("no segment with version %d", v)
	}

	if err := seg.fm.Truncate(size); err != nil {
		return fmt.Errorf("truncate segment %d: %w", v, err)
	}
	if !seg.sealed {
		s.appendOffset = size
	}

	return nil
}

// RemoveSegmentsAbove deletes every segment with a version strictly greater
// than v and makes v the writable segment again. Recovery-only.
func (s *Store) RemoveSegmentsAbove(v uint64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep, ok := s.segmentLocked(v)
	if !ok {
		return nil, fmt.Errorf("no segment with version %d", v)
	}

	var removed []string
	for i := len(s.segments) - 1; i >= 0; i-- {
		seg := s.segments[i]
		if seg.Version() <= v {
			break
		}
		if err := seg.close(); err != nil {
			return removed, fmt.Errorf("close segment %d: %w", seg.Version(), err)
		}
		if err := os.Remove(seg.Path()); err != nil {
			return removed, fmt.Errorf("remove segment %d: %w", seg.Version(), err)
		}
		removed = append(removed, seg.Path())
		s.segments = s.segments[:i]
	}

	keep.sealed = false
	s.appendOffset = keep.Size()
	s.counters.SetSegmentVersion(v)

	return removed, nil
}

// Close seals the writable segment at its used length and closes every file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	highest := s.segments[len(s.segments)-1]

	if err := highest.sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if highest.Size() > s.appendOffset {
		if err := highest.fm.Truncate(s.appendOffset); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, seg := range s.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (s *Store) closeAll() {
	for _, seg := range s.segments {
		_ = seg.close()
	}
	s.segments = nil
}

// Dir is the database directory this store lives in.
func (s *Store) Dir() string {
	return s.dir
}

// BaseName is the segment file name prefix.
func (s *Store) BaseName() string {
	return s.opts.BaseName
}
