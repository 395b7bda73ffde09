//go:build !linux

package file

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}

func adviseSequential(f *os.File) error {
	return nil
}

func preallocate(f *os.File, offset, length int64) error {
	return f.Truncate(offset + length)
}
