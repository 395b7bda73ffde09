package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomdb/loomdb/pkg/wal"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/recovery"
)

var recoverForce bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run crash recovery on the transaction log",
	Long: `Recover opens the log and runs the full recovery engine. With
--force, unreadable trailing content is archived and truncated regardless of
the configured corruption policy.`,
	Run: runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverForce, "force", false, "truncate and archive unreadable content")
}

type printMonitor struct{}

func (printMonitor) RecoveryRequired(pos logpos.Position) {
	fmt.Printf("recovery required from %s\n", pos)
}

func (printMonitor) TransactionRecovered(txID int64) {}

func (printMonitor) RecoveryCompleted(count int, elapsed time.Duration) {}

func runRecover(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}

	opts := cfg.Options(cfg.Logger("loomdb"))
	if recoverForce {
		opts.FailOnCorruptedLogs = false
	}

	log, result, err := wal.Open(wal.Config{
		Dir:     cfg.DataDir,
		Options: opts,
		Applier: recovery.ApplierFunc(func(*recovery.Transaction) error { return nil }),
		Monitor: printMonitor{},
	})
	if err != nil {
		fatal(err)
	}
	defer log.Close()

	if !result.RecoveryRequired && !result.Truncated {
		fmt.Println("nothing to recover")
		return
	}

	fmt.Printf("recovered %d transactions in %s\n", result.RecoveredTransactions, result.Elapsed)
	fmt.Printf("last good position %s\n", result.LastGoodPosition)
	if result.Truncated {
		fmt.Printf("unreadable content archived to %s\n", result.ArchivePath)
	}
}
