// Package logpos addresses bytes in the logical transaction log stream.
//
// The log is an ordered set of segment files; a Position names a byte in that
// stream as (segment version, byte offset). Positions order lexicographically,
// segment version first.
package logpos

import "fmt"

// Position is an exact byte address in the logical log spanning all segments.
type Position struct {
	Version    uint64
	ByteOffset uint64
}

// UnspecifiedPosition is the zero address, used where no position is known yet.
var UnspecifiedPosition = Position{}

func New(version, byteOffset uint64) Position {
	return Position{Version: version, ByteOffset: byteOffset}
}

// Compare returns -1, 0 or 1 ordering p against other.
func (p Position) Compare(other Position) int {
	switch {
	case p.Version < other.Version:
		return -1
	case p.Version > other.Version:
		return 1
	case p.ByteOffset < other.ByteOffset:
		return -1
	case p.ByteOffset > other.ByteOffset:
		return 1
	default:
		return 0
	}
}

func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

// String renders the position in the form recovery diagnostics and external
// tooling match on. Do not change the format.
func (p Position) String() string {
	return fmt.Sprintf("LogPosition{logVersion=%d, byteOffset=%d}", p.Version, p.ByteOffset)
}
