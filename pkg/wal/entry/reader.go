package entry

import (
	"encoding/binary"
	"fmt"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
)

const readChunkSize = 64 * 1024

// Source is positional read access to one segment's bytes. file.Manager
// satisfies it.
type Source interface {
	Read(offset, size int64) ([]byte, error)
}

// Reader decodes records sequentially from one segment.
//
// ReadNext is a three-way result: (entry, nil) on success, (nil, nil) at the
// clean physical end of the readable range, (nil, err) on a decode failure.
// After a failure the reader stays parked: LastGoodPosition is the byte
// immediately after the last successfully decoded record, the frontier between
// trusted and suspect bytes.
type Reader struct {
	src Source
	cs  *checksum.Manager
	run *checksum.Running

	segmentVersion uint64
	offset         int64
	limit          int64
	lastGood       int64
	lastEntry      int64

	chunk    []byte
	chunkOff int64
}

// NewReader starts decoding at start and refuses to look past limit, which is
// the segment's readable size.
func NewReader(src Source, cs *checksum.Manager, segmentVersion uint64, start, limit int64) *Reader {
	return &Reader{
		src:            src,
		cs:             cs,
		run:            cs.NewRunning(),
		segmentVersion: segmentVersion,
		offset:         start,
		limit:          limit,
		lastGood:       start,
		lastEntry:      start,
	}
}

// LastGoodPosition is the byte position immediately after the last entry this
// reader successfully decoded.
func (r *Reader) LastGoodPosition() logpos.Position {
	return logpos.New(r.segmentVersion, uint64(r.lastGood))
}

// LastEntryPosition is where the last successfully decoded entry began.
func (r *Reader) LastEntryPosition() logpos.Position {
	return logpos.New(r.segmentVersion, uint64(r.lastEntry))
}

// Remaining is the number of unread bytes between the frontier and the limit.
func (r *Reader) Remaining() int64 {
	return r.limit - r.lastGood
}

// ReadNext decodes one record. See the type comment for the result contract.
func (r *Reader) ReadNext() (Entry, error) {
	if r.offset >= r.limit {
		return nil, nil
	}

	pos := logpos.New(r.segmentVersion, uint64(r.offset))
	remaining := r.limit - r.offset

	if remaining < tagSize {
		return nil, incompleteHeader(pos, "record tag truncated")
	}

	tag, err := r.bytesAt(r.offset, tagSize)
	if err != nil {
		return nil, err
	}
	version, typ := tag[0], Type(tag[1])

	if version != CurrentFormat {
		if version > CurrentFormat {
			return nil, unsupportedVersion(pos, version)
		}
		return nil, malformed(pos, fmt.Sprintf("format version %d below oldest supported", version))
	}

	var (
		e     Entry
		total int64
	)

	switch typ {
	case TypeStart:
		e, total, err = r.readStart(pos, remaining)
	case TypeCommand:
		e, total, err = r.readCommand(pos, remaining)
	case TypeCommit:
		e, total, err = r.readCommit(pos, remaining)
	case TypeCheckpoint:
		e, total, err = r.readCheckpoint(pos, remaining)
	default:
		return nil, malformed(pos, fmt.Sprintf("unknown entry type 0x%02x", byte(typ)))
	}
	if err != nil {
		return nil, err
	}

	r.lastEntry = r.offset
	r.offset += total
	r.lastGood = r.offset

	return e, nil
}

func (r *Reader) readStart(pos logpos.Position, remaining int64) (Entry, int64, error) {
	if remaining < startFixedSize {
		return nil, 0, incompleteHeader(pos, fmt.Sprintf("start record needs %d bytes, %d remain", startFixedSize, remaining))
	}

	fixed, err := r.bytesAt(r.offset, startFixedSize)
	if err != nil {
		return nil, 0, err
	}

	headerLen := int32(binary.BigEndian.Uint32(fixed[tagSize+20:]))
	if headerLen < 0 {
		return nil, 0, malformed(pos, fmt.Sprintf("negative header length %d", headerLen))
	}

	total := int64(startFixedSize) + int64(headerLen)
	if remaining < total {
		return nil, 0, malformed(pos, fmt.Sprintf("start record declares %d bytes, %d remain", total, remaining))
	}

	record, err := r.bytesAt(r.offset, total)
	if err != nil {
		return nil, 0, err
	}

	s := &Start{
		Timestamp:        int64(binary.BigEndian.Uint64(record[tagSize:])),
		LastClosedTxID:   int64(binary.BigEndian.Uint64(record[tagSize+8:])),
		PreviousChecksum: binary.BigEndian.Uint32(record[tagSize+16:]),
	}
	if headerLen > 0 {
		s.Header = make([]byte, headerLen)
		copy(s.Header, record[startFixedSize:])
	}

	r.run.Reset()
	r.run.Write(record)

	return s, total, nil
}

func (r *Reader) readCommand(pos logpos.Position, remaining int64) (Entry, int64, error) {
	if remaining < commandFixedSize {
		return nil, 0, incompleteHeader(pos, fmt.Sprintf("command record needs %d bytes, %d remain", commandFixedSize, remaining))
	}

	fixed, err := r.bytesAt(r.offset, commandFixedSize)
	if err != nil {
		return nil, 0, err
	}

	payloadLen := int32(binary.BigEndian.Uint32(fixed[tagSize:]))
	if payloadLen < 0 {
		return nil, 0, malformed(pos, fmt.Sprintf("negative payload length %d", payloadLen))
	}

	total := int64(commandFixedSize) + int64(payloadLen)
	if remaining < total {
		return nil, 0, malformed(pos, fmt.Sprintf("command record declares %d bytes, %d remain", total, remaining))
	}

	record, err := r.bytesAt(r.offset, total)
	if err != nil {
		return nil, 0, err
	}

	c := &Command{Payload: make([]byte, payloadLen)}
	copy(c.Payload, record[commandFixedSize:])

	r.run.Write(record)

	return c, total, nil
}

func (r *Reader) readCommit(pos logpos.Position, remaining int64) (Entry, int64, error) {
	if remaining < commitSize {
		return nil, 0, incompleteHeader(pos, fmt.Sprintf("commit record needs %d bytes, %d remain", commitSize, remaining))
	}

	record, err := r.bytesAt(r.offset, commitSize)
	if err != nil {
		return nil, 0, err
	}

	c := &Commit{
		TxID:      int64(binary.BigEndian.Uint64(record[tagSize:])),
		Timestamp: int64(binary.BigEndian.Uint64(record[tagSize+8:])),
		Checksum:  binary.BigEndian.Uint32(record[tagSize+16:]),
	}

	if sum := r.run.Sum(); sum != c.Checksum {
		return nil, 0, malformed(pos, fmt.Sprintf("transaction checksum mismatch: calculated %08x, recorded %08x", sum, c.Checksum))
	}
	r.run.Reset()

	return c, commitSize, nil
}

func (r *Reader) readCheckpoint(pos logpos.Position, remaining int64) (Entry, int64, error) {
	if remaining < CheckpointSize {
		return nil, 0, incompleteHeader(pos, fmt.Sprintf("checkpoint record needs %d bytes, %d remain", CheckpointSize, remaining))
	}

	record, err := r.bytesAt(r.offset, CheckpointSize)
	if err != nil {
		return nil, 0, err
	}

	body := record[tagSize : tagSize+16]
	stored := binary.BigEndian.Uint32(record[tagSize+16:])
	if !r.cs.Verify(body, stored) {
		return nil, 0, malformed(pos, "checkpoint checksum mismatch")
	}

	cp := &Checkpoint{
		Position: logpos.New(binary.BigEndian.Uint64(body[0:]), binary.BigEndian.Uint64(body[8:])),
		Checksum: stored,
	}

	return cp, CheckpointSize, nil
}

// bytesAt serves n bytes at off from the read-ahead chunk, refilling it when
// the requested range falls outside.
func (r *Reader) bytesAt(off, n int64) ([]byte, error) {
	if off >= r.chunkOff && off+n <= r.chunkOff+int64(len(r.chunk)) {
		local := off - r.chunkOff
		return r.chunk[local : local+n], nil
	}

	size := int64(readChunkSize)
	if size < n {
		size = n
	}
	if off+size > r.limit {
		size = r.limit - off
	}

	chunk, err := r.src.Read(off, size)
	if err != nil {
		return nil, fmt.Errorf("read chunk at %d: %w", off, err)
	}
	if int64(len(chunk)) < n {
		pos := logpos.New(r.segmentVersion, uint64(off))
		return nil, incompleteHeader(pos, fmt.Sprintf("short read: wanted %d bytes, got %d", n, len(chunk)))
	}

	r.chunk = chunk
	r.chunkOff = off

	local := off - r.chunkOff
	return r.chunk[local : local+n], nil
}
