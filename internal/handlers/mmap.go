package handlers

import (
	"os"
	"syscall"
)

// mmapReadOnly maps f's first size bytes read-only, private. An empty
// file (size 0) maps to an empty, non-nil slice without calling mmap
// (which rejects zero-length mappings).
func mmapReadOnly(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_PRIVATE)
}
