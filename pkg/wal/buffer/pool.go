// Package buffer provides size-classed byte buffer pools for log readers and
// the corruption truncator's capture path.
package buffer

import "sync"

type Config struct {
	SmallBufferSize  int64 // entry headers, checkpoint records
	MediumBufferSize int64 // read-ahead chunks
	LargeBufferSize  int64 // captured segment tails

	SmallThreshold  int64
	MediumThreshold int64
}

func DefaultConfig() Config {
	return Config{
		SmallBufferSize:  4 * 1024,
		MediumBufferSize: 64 * 1024,
		LargeBufferSize:  1 * 1024 * 1024,

		SmallThreshold:  4 * 1024,
		MediumThreshold: 64 * 1024,
	}
}

type Pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
	config Config
}

func NewPool(config Config) *Pool {
	p := &Pool{config: config}

	p.small.New = func() interface{} {
		return make([]byte, 0, config.SmallBufferSize)
	}

	p.medium.New = func() interface{} {
		return make([]byte, 0, config.MediumBufferSize)
	}

	p.large.New = func() interface{} {
		return make([]byte, 0, config.LargeBufferSize)
	}

	return p
}

func (p *Pool) Get(size int64) []byte {
	switch {
	case size <= p.config.SmallThreshold:
		buf := p.small.Get().([]byte)
		return buf[:0]
	case size <= p.config.MediumThreshold:
		buf := p.medium.Get().([]byte)
		return buf[:0]
	default:
		if size <= p.config.LargeBufferSize {
			buf := p.large.Get().([]byte)
			return buf[:0]
		}
		return make([]byte, 0, size)
	}
}

func (p *Pool) Put(buf []byte) {
	c := int64(cap(buf))
	switch {
	case c <= p.config.SmallThreshold:
		p.small.Put(buf)
	case c <= p.config.MediumThreshold:
		p.medium.Put(buf)
	case c <= p.config.LargeBufferSize:
		p.large.Put(buf)
	}
	// Oversized buffers are dropped for GC.
}
