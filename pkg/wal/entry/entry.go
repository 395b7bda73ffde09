// Package entry is the binary codec for transaction log records.
//
// Record Binary Format (all integers big-endian):
//
//	Start      ver(1) type(1) time(8) lastClosedTx(8) prevChecksum(4) headerLen(4) header(var)
//	Command    ver(1) type(1) payloadLen(4) payload(var)
//	Commit     ver(1) type(1) txId(8) time(8) checksum(4)
//	Checkpoint ver(1) type(1) segmentVersion(8) byteOffset(8) checksum(4)
//
// Every record begins with a one-byte format version tag and a one-byte type
// tag. A commit checksum covers every start and command byte written since the
// transaction's start record; a checkpoint checksum covers its own 16 position
// bytes. The inline checkpoint record is exactly 22 bytes.
package entry

import (
	"github.com/loomdb/loomdb/pkg/wal/logpos"
)

const (
	// FormatV1 is the first and current record format.
	FormatV1      byte = 0x01
	CurrentFormat byte = FormatV1
)

// Type tags a record variant on the wire.
type Type byte

const (
	TypeStart      Type = 0x01
	TypeCommand    Type = 0x02
	TypeCommit     Type = 0x03
	TypeCheckpoint Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeStart:
		return "start"
	case TypeCommand:
		return "command"
	case TypeCommit:
		return "commit"
	case TypeCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Fixed record sizes, tag bytes included.
const (
	tagSize = 2

	startFixedSize   = tagSize + 8 + 8 + 4 + 4
	commandFixedSize = tagSize + 4
	commitSize       = tagSize + 8 + 8 + 4

	// CheckpointSize is the exact on-disk size of an inline checkpoint record.
	CheckpointSize = tagSize + 8 + 8 + 4
)

// Entry is one decoded log record. The variant set is closed: Start, Command,
// Commit and Checkpoint.
type Entry interface {
	EntryType() Type
}

// Start opens a transaction.
type Start struct {
	// Timestamp is unix milliseconds at transaction start.
	Timestamp int64
	// LastClosedTxID is the highest committed transaction id when the
	// transaction started.
	LastClosedTxID int64
	// PreviousChecksum chains to the checksum of the preceding commit.
	PreviousChecksum uint32
	// Header is the opaque transaction header supplied by the storage engine.
	Header []byte
}

func (*Start) EntryType() Type { return TypeStart }

// Command carries one opaque serialized storage command.
type Command struct {
	Payload []byte
}

func (*Command) EntryType() Type { return TypeCommand }

// Commit closes a transaction. Checksum covers the preceding start and
// command bytes.
type Commit struct {
	TxID      int64
	Timestamp int64
	Checksum  uint32
}

func (*Commit) EntryType() Type { return TypeCommit }

// Checkpoint marks a position known to be fully valid.
type Checkpoint struct {
	Position logpos.Position
	Checksum uint32
}

func (*Checkpoint) EntryType() Type { return TypeCheckpoint }
