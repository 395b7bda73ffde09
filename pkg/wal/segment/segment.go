package segment

import (
	"fmt"

	"github.com/loomdb/loomdb/pkg/wal/file"
)

// Segment is one append-only log file: a fixed header followed by a stream of
// records. Append-only while active, immutable once rotated except for
// recovery-driven truncation.
type Segment struct {
	header Header
	fm     *file.Manager
	path   string
	sealed bool
}

func (s *Segment) Version() uint64 {
	return s.header.Version
}

func (s *Segment) Header() Header {
	return s.header
}

func (s *Segment) Path() string {
	return s.path
}

// Size is the physical file size including the header.
func (s *Segment) Size() int64 {
	return s.fm.Size()
}

// ReadRange copies the bytes in [from, to). The truncator uses it to capture
// unreadable tails before cutting them off.
func (s *Segment) ReadRange(from, to int64) ([]byte, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range [%d, %d)", from, to)
	}
	if to == from {
		return []byte{}, nil
	}

	data, err := s.fm.Read(from, to-from)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != to-from {
		return nil, fmt.Errorf("short read: wanted %d bytes, got %d", to-from, len(data))
	}

	return data, nil
}

func (s *Segment) sync() error {
	return s.fm.Sync()
}

func (s *Segment) close() error {
	return s.fm.Close()
}
