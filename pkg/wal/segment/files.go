package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileName builds the on-disk name of one versioned log file, <base>.<version>.
func FileName(dir, base string, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d", base, version))
}

// ParseVersion extracts the version from a file named <base>.<version>.
func ParseVersion(name, base string) (uint64, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(name), base+".")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ListFiles returns the versions of every <base>.<version> file in dir,
// ascending. Used by both the transaction log and the separate checkpoint log.
func ListFiles(dir, base string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var versions []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := ParseVersion(e.Name(), base); ok {
			versions = append(versions, v)
		}
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
