package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Segment header layout (40 bytes, big-endian):
//
//	[0]      format version
//	[1:8]    reserved, zero
//	[8:16]   segment version
//	[16:24]  last committed transaction id before this segment
//	[24:40]  store id
const (
	HeaderSize = 40

	FormatV1      byte = 0x01
	CurrentFormat byte = FormatV1
)

var (
	ErrUnsupportedHeaderFormat = errors.New("unsupported segment header format")
	ErrIncompleteSegmentHeader = errors.New("incomplete segment header")
	ErrStoreIDMismatch         = errors.New("segment belongs to a different store")
	ErrNonContiguousVersions   = errors.New("segment versions are not contiguous")
	ErrVersionMismatch         = errors.New("segment header version does not match file name")
)

// StoreID binds a segment set to one physical store, preventing cross-store
// replay.
type StoreID = uuid.UUID

type Header struct {
	Format            byte
	Version           uint64
	LastCommittedTxID int64
	StoreID           StoreID
}

func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Format
	binary.BigEndian.PutUint64(buf[8:], h.Version)
	binary.BigEndian.PutUint64(buf[16:], uint64(h.LastCommittedTxID))
	copy(buf[24:], h.StoreID[:])
	return buf
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes, want %d", ErrIncompleteSegmentHeader, len(buf), HeaderSize)
	}

	h := Header{
		Format:            buf[0],
		Version:           binary.BigEndian.Uint64(buf[8:]),
		LastCommittedTxID: int64(binary.BigEndian.Uint64(buf[16:])),
	}
	copy(h.StoreID[:], buf[24:40])

	if h.Format == 0 || h.Format > CurrentFormat {
		return Header{}, fmt.Errorf("%w: version %d, highest supported is %d", ErrUnsupportedHeaderFormat, h.Format, CurrentFormat)
	}

	return h, nil
}
