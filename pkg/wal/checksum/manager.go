// Package checksum computes the CRC32 checksums carried by log entries.
//
// Commit records close a transaction with a checksum over every byte written
// since the transaction's start record, so the Manager hands out resettable
// Running accumulators in addition to one-shot calculation.
package checksum

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"sync"
)

// Size of an encoded checksum in bytes.
const Size = 4

type Config struct {
	// Polynomial selects the crc32 table, crc32.IEEE or crc32.Castagnoli.
	Polynomial uint32

	// DirectThreshold switches to a pooled hasher above this payload size.
	DirectThreshold int
}

func DefaultConfig() Config {
	return Config{
		Polynomial:      crc32.Castagnoli,
		DirectThreshold: 4 * 1024,
	}
}

type Manager struct {
	config Config
	table  *crc32.Table
	pool   sync.Pool
}

func NewManager(config Config) *Manager {
	m := &Manager{
		config: config,
		table:  crc32.MakeTable(config.Polynomial),
	}

	m.pool.New = func() interface{} {
		return crc32.New(m.table)
	}

	return m
}

func (m *Manager) Calculate(data []byte) uint32 {
	if len(data) <= m.config.DirectThreshold {
		return crc32.Checksum(data, m.table)
	}

	h := m.pool.Get().(hash.Hash32)
	defer func() {
		h.Reset()
		m.pool.Put(h)
	}()

	h.Write(data)
	return h.Sum32()
}

func (m *Manager) Verify(data []byte, checksum uint32) bool {
	return m.Calculate(data) == checksum
}

// ExtractAndVerify splits off a trailing checksum and verifies the content
// before it. Returns the content and whether the checksum held.
func (m *Manager) ExtractAndVerify(data []byte) ([]byte, bool) {
	if len(data) < Size {
		return nil, false
	}

	contentLen := len(data) - Size
	content := data[:contentLen]
	stored := binary.BigEndian.Uint32(data[contentLen:])

	return content, m.Verify(content, stored)
}

// Running accumulates a checksum over a transaction's start and command bytes.
// Not safe for concurrent use; each writer and reader owns its own.
type Running struct {
	table *crc32.Table
	crc   uint32
}

func (m *Manager) NewRunning() *Running {
	return &Running{table: m.table}
}

func (r *Running) Write(data []byte) {
	r.crc = crc32.Update(r.crc, r.table, data)
}

func (r *Running) Sum() uint32 {
	return r.crc
}

func (r *Running) Reset() {
	r.crc = 0
}
