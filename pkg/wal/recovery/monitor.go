package recovery

import (
	"time"

	"github.com/loomdb/loomdb/pkg/wal/entry"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
)

// Monitor observes recovery progress. Test harnesses and operational logging
// both hang off these callbacks.
type Monitor interface {
	RecoveryRequired(pos logpos.Position)
	TransactionRecovered(txID int64)
	RecoveryCompleted(count int, elapsed time.Duration)
}

// NopMonitor ignores every event.
type NopMonitor struct{}

func (NopMonitor) RecoveryRequired(logpos.Position)     {}
func (NopMonitor) TransactionRecovered(int64)           {}
func (NopMonitor) RecoveryCompleted(int, time.Duration) {}

// Transaction is one fully assembled start+commands+commit group handed to
// the applier.
type Transaction struct {
	ID       int64
	Start    *entry.Start
	Commands [][]byte
	Checksum uint32
}

// Applier is the storage engine capability that replays one committed
// transaction. A transaction is applied exactly once, whole or not at all.
type Applier interface {
	Apply(tx *Transaction) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(tx *Transaction) error

func (f ApplierFunc) Apply(tx *Transaction) error {
	return f(tx)
}
