package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomdb/loomdb/pkg/wal/entry"
	"github.com/loomdb/loomdb/pkg/wal/logpos"
	"github.com/loomdb/loomdb/pkg/wal/segment"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump decoded transaction log entries",
	Run:   runInspect,
}

func runInspect(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}

	store, _, err := openStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	fmt.Printf("store %s, segments %d..%d\n",
		store.StoreID(), store.LowestVersion(), store.HighestVersion())

	for v := store.LowestVersion(); v <= store.HighestVersion(); v++ {
		seg, _ := store.SegmentForVersion(v)
		header := seg.Header()
		fmt.Printf("\n%s (version %d, last committed tx %d, %d bytes)\n",
			seg.Path(), v, header.LastCommittedTxID, seg.Size())

		reader, err := store.ReaderFrom(logpos.New(v, segment.HeaderSize))
		if err != nil {
			fatal(err)
		}

		for {
			ent, err := reader.ReadNext()
			if err != nil {
				fmt.Printf("  !! %v\n", err)
				break
			}
			if ent == nil {
				break
			}
			fmt.Printf("  %s  %s\n", reader.LastEntryPosition(), describe(ent))
		}
	}
}

func describe(ent entry.Entry) string {
	switch rec := ent.(type) {
	case *entry.Start:
		return fmt.Sprintf("START     time=%s lastClosed=%d prevChecksum=%08x header=%d bytes",
			time.UnixMilli(rec.Timestamp).Format(time.RFC3339), rec.LastClosedTxID,
			rec.PreviousChecksum, len(rec.Header))
	case *entry.Command:
		return fmt.Sprintf("COMMAND   payload=%d bytes", len(rec.Payload))
	case *entry.Commit:
		return fmt.Sprintf("COMMIT    tx=%d time=%s checksum=%08x",
			rec.TxID, time.UnixMilli(rec.Timestamp).Format(time.RFC3339), rec.Checksum)
	case *entry.Checkpoint:
		return fmt.Sprintf("CHECKPOINT position=%s checksum=%08x", rec.Position, rec.Checksum)
	default:
		return fmt.Sprintf("%T", ent)
	}
}
