package entry

import (
	"errors"
	"fmt"

	"github.com/loomdb/loomdb/pkg/wal/logpos"
)

// Decode failure classes. Callers branch on these with errors.Is; a decode
// failure of any class marks the frontier between trusted and suspect bytes.
var (
	ErrUnsupportedVersion = errors.New("unsupported log format version")
	ErrIncompleteHeader   = errors.New("incomplete entry header")
	ErrMalformedEntry     = errors.New("malformed log entry")
)

// DecodeError describes why a record could not be read, and where.
type DecodeError struct {
	kind    error
	Pos     logpos.Position
	Version byte
	detail  string
}

func (e *DecodeError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%v at %s: %s", e.kind, e.Pos, e.detail)
	}
	return fmt.Sprintf("%v at %s", e.kind, e.Pos)
}

func (e *DecodeError) Unwrap() error {
	return e.kind
}

func unsupportedVersion(pos logpos.Position, version byte) *DecodeError {
	return &DecodeError{
		kind:    ErrUnsupportedVersion,
		Pos:     pos,
		Version: version,
		detail:  fmt.Sprintf("format version %d, highest supported is %d", version, CurrentFormat),
	}
}

func incompleteHeader(pos logpos.Position, detail string) *DecodeError {
	return &DecodeError{kind: ErrIncompleteHeader, Pos: pos, detail: detail}
}

func malformed(pos logpos.Position, detail string) *DecodeError {
	return &DecodeError{kind: ErrMalformedEntry, Pos: pos, detail: detail}
}

// Malformed reports a structural violation detected above the codec, such as
// a command record outside any transaction.
func Malformed(pos logpos.Position, detail string) error {
	return malformed(pos, detail)
}
