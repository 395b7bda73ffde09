package recovery

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/options"
	"github.com/loomdb/loomdb/pkg/wal/segment"
)

// ArchiveDirName holds the zip archives of removed corrupted tails, next to
// the live segments.
const ArchiveDirName = "corrupted-tx-logs"

// Truncator removes everything past the last good position: the tail of the
// owning segment and every later segment. The doomed bytes are archived
// before any file is modified, so a failed archive leaves the log untouched.
type Truncator struct {
	store  *segment.Store
	logger hclog.Logger
}

func NewTruncator(store *segment.Store, opts options.Options) *Truncator {
	return &Truncator{
		store:  store,
		logger: opts.Logger.Named("truncator"),
	}
}

// captured is the doomed byte range of one segment, held in memory until the
// archive is durable.
type captured struct {
	name string
	data []byte
}

// Truncate cuts the log at good. It returns the path of the archive written,
// or the empty string when there were no bytes to remove.
func (t *Truncator) Truncate(good logpos.Position) (string, error) {
	doomed, err := t.capture(good)
	if err != nil {
		return "", err
	}
	if len(doomed) == 0 {
		return "", nil
	}

	archive, err := t.archive(good, doomed)
	if err != nil {
		return "", err
	}

	if err := t.store.TruncateSegment(good.Version, int64(good.ByteOffset)); err != nil {
		return archive, err
	}
	removed, err := t.store.RemoveSegmentsAbove(good.Version)
	if err != nil {
		return archive, err
	}

	if err := t.store.Sync(); err != nil {
		return archive, fmt.Errorf("sync after truncation: %w", err)
	}

	t.logger.Warn("truncated corrupted transaction log tail",
		"position", good, "segments_removed", len(removed), "archive", archive)

	return archive, nil
}

// capture reads every doomed byte into memory: the tail of the segment at
// good, then each later segment whole, headers included.
func (t *Truncator) capture(good logpos.Position) ([]captured, error) {
	var doomed []captured

	owner, ok := t.store.SegmentForVersion(good.Version)
	if !ok {
		return nil, fmt.Errorf("no segment with version %d", good.Version)
	}

	if size := owner.Size(); size > int64(good.ByteOffset) {
		data, err := owner.ReadRange(int64(good.ByteOffset), size)
		if err != nil {
			return nil, fmt.Errorf("capture tail of segment %d: %w", good.Version, err)
		}
		doomed = append(doomed, captured{name: filepath.Base(owner.Path()), data: data})
	}

	for v := good.Version + 1; v <= t.store.HighestVersion(); v++ {
		seg, ok := t.store.SegmentForVersion(v)
		if !ok {
			return nil, fmt.Errorf("no segment with version %d", v)
		}
		data, err := seg.ReadRange(0, seg.Size())
		if err != nil {
			return nil, fmt.Errorf("capture segment %d: %w", v, err)
		}
		doomed = append(doomed, captured{name: filepath.Base(seg.Path()), data: data})
	}

	return doomed, nil
}

// archive writes the captured ranges into a zip named after the cut point,
// one zip entry per source file under its original name.
func (t *Truncator) archive(good logpos.Position, doomed []captured) (string, error) {
	dir := filepath.Join(t.store.Dir(), ArchiveDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	path := t.archivePath(dir, good)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create archive %s: %w", path, err)
	}

	zw := zip.NewWriter(f)
	for _, c := range doomed {
		w, err := zw.Create(c.name)
		if err != nil {
			f.Close()
			return "", fmt.Errorf("archive entry %s: %w", c.name, err)
		}
		if _, err := w.Write(c.data); err != nil {
			f.Close()
			return "", fmt.Errorf("archive entry %s: %w", c.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	return path, nil
}

// archivePath names the archive after the cut point and the wall clock; the
// suffix disambiguates two cuts at the same position within one millisecond.
func (t *Truncator) archivePath(dir string, good logpos.Position) string {
	base := fmt.Sprintf("corrupted-%s-%d-%d-%d",
		t.store.BaseName(), good.Version, good.ByteOffset, time.Now().UnixMilli())

	path := filepath.Join(dir, base+".zip")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.zip", base, i))
	}
}
