package checkpoint

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/file"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/segment"
	"github.com/loomdb/loomdb/pkg/wal/version"
)

// Separate checkpoint record layout (big-endian), not byte-compatible with
// the inline form:
//
//	ver(1) type(1) segmentVersion(8) byteOffset(8) timeMillis(8) reasonLen(2) reason(var) crc(4)
//
// The checksum covers everything between the tags and itself. Checkpoint
// files are named <checkpointBase>.<version> and begin with the same 40-byte
// header as transaction segments, numbered by the checkpoint version counter.
const (
	separateFormatV1     byte = 0x01
	separateRecordType   byte = 0x01
	separateFixedSize         = 2 + 8 + 8 + 8 + 2
	separateMinTotalSize      = separateFixedSize + checksum.Size
)

type separateTracker struct {
	dir      string
	opts     options.Options
	storeID  segment.StoreID
	counters *version.Counters
	cs       *checksum.Manager
	logger   hclog.Logger

	fm     *file.Manager
	offset int64
	latest *Checkpoint
}

func openSeparate(dir string, opts options.Options, storeID segment.StoreID, counters *version.Counters, cs *checksum.Manager) (*separateTracker, error) {
	t := &separateTracker{
		dir:      dir,
		opts:     opts,
		storeID:  storeID,
		counters: counters,
		cs:       cs,
		logger:   opts.Logger.Named("checkpoint"),
	}

	versions, err := segment.ListFiles(dir, opts.CheckpointBaseName)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		if err := t.createFile(counters.CurrentCheckpointVersion()); err != nil {
			return nil, err
		}
		return t, nil
	}

	highest := versions[len(versions)-1]
	counters.SetCheckpointVersion(highest)

	fm, err := t.openFile(highest)
	if err != nil {
		return nil, err
	}
	t.fm = fm

	// Resume behind any torn tail: keep the last whole record, drop the rest.
	latest, end, err := t.scan(fm, highest)
	if err != nil {
		fm.Close()
		return nil, err
	}
	if end < fm.Size() {
		t.logger.Warn("dropping torn checkpoint tail", "file_version", highest,
			"valid_bytes", end, "file_size", fm.Size())
		if err := fm.Truncate(end); err != nil {
			fm.Close()
			return nil, fmt.Errorf("trim checkpoint log: %w", err)
		}
	}
	t.offset = end
	t.latest = latest

	// An empty highest file defers to earlier ones.
	if t.latest == nil {
		for i := len(versions) - 2; i >= 0; i-- {
			older, err := t.openFile(versions[i])
			if err != nil {
				fm.Close()
				return nil, err
			}
			latest, _, err := t.scan(older, versions[i])
			older.Close()
			if err != nil {
				fm.Close()
				return nil, err
			}
			if latest != nil {
				t.latest = latest
				break
			}
		}
	}

	return t, nil
}

func (t *separateTracker) createFile(v uint64) error {
	path := segment.FileName(t.dir, t.opts.CheckpointBaseName, v)
	fm, err := file.Open(path, &file.Options{})
	if err != nil {
		return fmt.Errorf("create checkpoint log %d: %w", v, err)
	}

	header := segment.Header{
		Format:  segment.CurrentFormat,
		Version: v,
		StoreID: t.storeID,
	}
	if err := fm.Write(header.Encode(), 0); err != nil {
		fm.Close()
		return fmt.Errorf("write checkpoint log header: %w", err)
	}
	if err := fm.Sync(); err != nil {
		fm.Close()
		return fmt.Errorf("sync checkpoint log header: %w", err)
	}

	t.fm = fm
	t.offset = segment.HeaderSize
	return nil
}

func (t *separateTracker) openFile(v uint64) (*file.Manager, error) {
	path := segment.FileName(t.dir, t.opts.CheckpointBaseName, v)
	fm, err := file.Open(path, &file.Options{})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log %d: %w", v, err)
	}

	raw, err := fm.Read(0, segment.HeaderSize)
	if err != nil {
		fm.Close()
		return nil, fmt.Errorf("read checkpoint log header: %w", err)
	}
	header, err := segment.DecodeHeader(raw)
	if err != nil {
		fm.Close()
		return nil, fmt.Errorf("checkpoint log %s: %w", path, err)
	}
	if header.StoreID != t.storeID {
		fm.Close()
		return nil, fmt.Errorf("%w: checkpoint log %s", segment.ErrStoreIDMismatch, path)
	}

	return fm, nil
}

// scan walks a checkpoint file forward and returns the last whole record and
// the offset just past it.
func (t *separateTracker) scan(fm *file.Manager, fileVersion uint64) (*Checkpoint, int64, error) {
	var (
		latest *Checkpoint
		offset = int64(segment.HeaderSize)
		size   = fm.Size()
	)

	for offset < size {
		remaining := size - offset
		if remaining < separateMinTotalSize {
			break
		}

		fixed, err := fm.Read(offset, separateFixedSize)
		if err != nil {
			return nil, 0, fmt.Errorf("read checkpoint record: %w", err)
		}
		if fixed[0] != separateFormatV1 || fixed[1] != separateRecordType {
			break
		}

		reasonLen := int64(binary.BigEndian.Uint16(fixed[separateFixedSize-2:]))
		total := int64(separateFixedSize) + reasonLen + checksum.Size
		if remaining < total {
			break
		}

		record, err := fm.Read(offset, total)
		if err != nil {
			return nil, 0, fmt.Errorf("read checkpoint record: %w", err)
		}

		body, ok := t.cs.ExtractAndVerify(record[2:])
		if !ok {
			break
		}

		latest = &Checkpoint{
			Position:      logpos.New(binary.BigEndian.Uint64(body[0:]), binary.BigEndian.Uint64(body[8:])),
			EntryPosition: logpos.New(fileVersion, uint64(offset)),
			Timestamp:     time.UnixMilli(int64(binary.BigEndian.Uint64(body[16:]))),
			Reason:        string(body[26 : 26+reasonLen]),
		}
		offset += total
	}

	return latest, offset, nil
}

func (t *separateTracker) Latest() (*Checkpoint, error) {
	return t.latest, nil
}

func (t *separateTracker) Append(pos logpos.Position, reason string) error {
	if t.offset >= t.opts.RotationThreshold {
		if err := t.rotate(); err != nil {
			return err
		}
	}

	now := time.Now()

	body := make([]byte, 0, 8+8+8+2+len(reason))
	body = binary.BigEndian.AppendUint64(body, pos.Version)
	body = binary.BigEndian.AppendUint64(body, pos.ByteOffset)
	body = binary.BigEndian.AppendUint64(body, uint64(now.UnixMilli()))
	body = binary.BigEndian.AppendUint16(body, uint16(len(reason)))
	body = append(body, reason...)

	record := make([]byte, 0, 2+len(body)+checksum.Size)
	record = append(record, separateFormatV1, separateRecordType)
	record = append(record, body...)
	record = binary.BigEndian.AppendUint32(record, t.cs.Calculate(body))

	if err := t.fm.Write(record, t.offset); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	if err := t.fm.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint: %w", err)
	}

	t.latest = &Checkpoint{
		Position:      pos,
		EntryPosition: logpos.New(t.counters.CurrentCheckpointVersion(), uint64(t.offset)),
		Timestamp:     now,
		Reason:        reason,
	}
	t.offset += int64(len(record))

	t.logger.Debug("checkpoint appended", "position", pos, "reason", reason,
		"file_version", t.counters.CurrentCheckpointVersion())

	return nil
}

func (t *separateTracker) rotate() error {
	if err := t.fm.Close(); err != nil {
		return fmt.Errorf("close checkpoint log: %w", err)
	}
	return t.createFile(t.counters.IncrementCheckpointVersion())
}

func (t *separateTracker) Close() error {
	return t.fm.Close()
}
