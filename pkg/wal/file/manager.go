// Package file is the low-level file layer beneath the segment store.
//
// A Manager wraps one segment file with positional reads, appends, truncation
// and durability. Segments are append-only, so there is a single writer per
// Manager; readers use positional reads and never move the write offset.
package file

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
)

type Options struct {
	ReadOnly bool

	// Preallocate extends the file ahead of the write offset in Chunk steps
	// on platforms that support it. Padding must be trimmed by the caller
	// before the file is sealed.
	Preallocate bool
	Chunk       int64
}

type Manager struct {
	mu       sync.RWMutex
	file     *os.File
	path     string
	readonly bool
	prealloc bool
	chunk    int64

	// size is the physical file size; end is the logical write frontier.
	// They differ only while preallocated padding is outstanding.
	size atomic.Int64
	end  atomic.Int64
}

// For debugging and the inspect tooling.
type Stats struct {
	Path     string
	Size     int64
	End      int64
	ReadOnly bool
}

func Open(path string, opts *Options) (*Manager, error) {
	if opts == nil {
		opts = &Options{}
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	m := &Manager{
		file:     f,
		path:     path,
		readonly: opts.ReadOnly,
		prealloc: opts.Preallocate,
		chunk:    opts.Chunk,
	}
	m.size.Store(stat.Size())
	m.end.Store(stat.Size())

	return m, nil
}

// Write places data at offset and advances the logical end if the write
// extends it. Single-writer; the segment store serializes callers.
func (m *Manager) Write(data []byte, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return fmt.Errorf("file is readonly")
	}

	needed := offset + int64(len(data))
	if m.prealloc && needed > m.size.Load() {
		grown := ((needed + m.chunk - 1) / m.chunk) * m.chunk
		if err := preallocate(m.file, m.size.Load(), grown-m.size.Load()); err != nil {
			return fmt.Errorf("preallocate: %w", err)
		}
		m.size.Store(grown)
	}

	if _, err := m.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write at %d: %w", offset, err)
	}

	if needed > m.end.Load() {
		m.end.Store(needed)
	}
	if needed > m.size.Load() {
		m.size.Store(needed)
	}

	return nil
}

// Read returns up to size bytes starting at offset, stopping at the physical
// end of the file. A nil slice means offset is at or past the end.
func (m *Manager) Read(offset, size int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fileSize := m.size.Load()
	if offset >= fileSize {
		return nil, nil
	}
	if offset+size > fileSize {
		size = fileSize - offset
	}
	if size <= 0 {
		return []byte{}, nil
	}

	data := make([]byte, size)
	n, err := m.file.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read at %d: %w", offset, err)
	}

	return data[:n], nil
}

func (m *Manager) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return fmt.Errorf("file is readonly")
	}

	if err := m.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	m.size.Store(size)
	if m.end.Load() > size {
		m.end.Store(size)
	}

	return nil
}

// Sync flushes file data to stable storage.
func (m *Manager) Sync() error {
	return datasync(m.file)
}

// AdviseSequential hints the kernel that the file will be read front to back.
// Performance only; errors are ignored by callers.
func (m *Manager) AdviseSequential() error {
	return adviseSequential(m.file)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.file.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}

// Size is the physical file size, including any preallocated padding.
func (m *Manager) Size() int64 {
	return m.size.Load()
}

// End is the logical write frontier.
func (m *Manager) End() int64 {
	return m.end.Load()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Stat() (fs.FileInfo, error) {
	return m.file.Stat()
}

func (m *Manager) Stats() Stats {
	return Stats{
		Path:     m.path,
		Size:     m.size.Load(),
		End:      m.end.Load(),
		ReadOnly: m.readonly,
	}
}
