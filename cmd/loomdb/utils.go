package main

import (
	"fmt"
	"os"

	"github.com/loomdb/loomdb/pkg/config"
	"github.com/loomdb/loomdb/pkg/wal/checksum"
	"github.com/loomdb/loomdb/pkg/wal/segment"
	"github.com/loomdb/loomdb/pkg/wal/version"
)

// openStore opens the segment set for the tooling commands. It refuses to
// create a log: pointing a tool at an empty directory is always a mistake.
func openStore(cfg *config.Config) (*segment.Store, *checksum.Manager, error) {
	opts := cfg.Options(cfg.Logger("loomdb"))

	versions, err := segment.ListFiles(cfg.DataDir, opts.BaseName)
	if err != nil {
		return nil, nil, err
	}
	if len(versions) == 0 {
		return nil, nil, fmt.Errorf("no transaction log found in %s", cfg.DataDir)
	}

	cs := checksum.NewManager(opts.Checksum)
	store, err := segment.Open(cfg.DataDir, opts, version.NewCounters(0, 0), cs)
	if err != nil {
		return nil, nil, err
	}

	return store, cs, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
