package entry

import (
	"encoding/binary"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
)

// Writer encodes records into caller-supplied buffers. It owns the running
// transaction checksum: start and command bytes feed it, a commit consumes it.
// Single-writer, matching the append path of the segment store.
type Writer struct {
	cs  *checksum.Manager
	run *checksum.Running
}

func NewWriter(cs *checksum.Manager) *Writer {
	return &Writer{
		cs:  cs,
		run: cs.NewRunning(),
	}
}

// Start appends a start record to buf and opens a new checksum accumulation.
func (w *Writer) Start(buf []byte, timestamp, lastClosedTxID int64, previousChecksum uint32, header []byte) []byte {
	w.run.Reset()

	from := len(buf)
	buf = append(buf, CurrentFormat, byte(TypeStart))
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	buf = binary.BigEndian.AppendUint64(buf, uint64(lastClosedTxID))
	buf = binary.BigEndian.AppendUint32(buf, previousChecksum)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(header)))
	buf = append(buf, header...)

	w.run.Write(buf[from:])
	return buf
}

// Command appends a command record to buf and feeds it to the accumulation.
func (w *Writer) Command(buf []byte, payload []byte) []byte {
	from := len(buf)
	buf = append(buf, CurrentFormat, byte(TypeCommand))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	w.run.Write(buf[from:])
	return buf
}

// Commit appends a commit record closing the open transaction and returns the
// checksum it carried, which chains into the next start record.
func (w *Writer) Commit(buf []byte, txID, timestamp int64) ([]byte, uint32) {
	sum := w.run.Sum()
	w.run.Reset()

	buf = append(buf, CurrentFormat, byte(TypeCommit))
	buf = binary.BigEndian.AppendUint64(buf, uint64(txID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	buf = binary.BigEndian.AppendUint32(buf, sum)

	return buf, sum
}

// Checkpoint appends the fixed-size inline checkpoint record. Checkpoints sit
// outside transactions and do not touch the running checksum.
func (w *Writer) Checkpoint(buf []byte, pos logpos.Position) []byte {
	var body [16]byte
	binary.BigEndian.PutUint64(body[0:], pos.Version)
	binary.BigEndian.PutUint64(body[8:], pos.ByteOffset)

	buf = append(buf, CurrentFormat, byte(TypeCheckpoint))
	buf = append(buf, body[:]...)
	buf = binary.BigEndian.AppendUint32(buf, w.cs.Calculate(body[:]))

	return buf
}

// TransactionSize is the encoded size of a whole transaction, used to size
// append buffers before encoding.
func TransactionSize(header []byte, commands [][]byte) int64 {
	size := int64(startFixedSize + len(header) + commitSize)
	for _, c := range commands {
		size += int64(commandFixedSize + len(c))
	}
	return size
}
