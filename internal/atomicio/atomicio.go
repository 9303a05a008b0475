// Package atomicio writes output files so that a reader never observes a
// partially-written ELF or NLM: data is staged into a sibling temp file and
// only renamed into place once fully flushed, using the platform rename
// syscall directly rather than os.Rename so the underlying semantics
// (atomic replace within a directory) are explicit rather than incidental.
package atomicio

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// WriteFile stages data into a temp file beside path and renames it into
// place, so a concurrent reader of path (or a crash mid-write) never
// observes a truncated or half-written result.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.tmp", filepath.Base(path), rand.Uint32()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("atomicio: create temp: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("atomicio: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("atomicio: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicio: close: %w", err)
	}

	if err := unix.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicio: rename: %w", err)
	}
	return nil
}
