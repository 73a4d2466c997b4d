package storage

import (
	"fmt"
	"os"
)

type stagedFile struct {
	tmp string
	dst string
}

// fsBatch stages writes as temp files beside their destinations.
type fsBatch struct {
	fs     *FS
	staged []stagedFile
	done   bool
}

// Begin starts a staged multi-file write.
func (f *FS) Begin() Batch {
	return &fsBatch{fs: f}
}

// Stage writes content to a temp file; the destination is untouched until Commit.
// Staging the same path twice keeps only the latest content.
func (b *fsBatch) Stage(path string, content []byte) error {
	if b.done {
		return fmt.Errorf("storage: batch already finished")
	}
	abs, err := b.fs.safePath(path)
	if err != nil {
		return err
	}
	tmp, err := writeTemp(abs, content)
	if err != nil {
		return err
	}
	for i, s := range b.staged {
		if s.dst == abs {
			_ = os.Remove(s.tmp)
			b.staged[i].tmp = tmp
			return nil
		}
	}
	b.staged = append(b.staged, stagedFile{tmp: tmp, dst: abs})
	return nil
}

// Commit renames every staged file into place. If a rename fails the
// remaining temp files are discarded and the error is returned; renames
// that already happened stay in place.
func (b *fsBatch) Commit() error {
	if b.done {
		return fmt.Errorf("storage: batch already finished")
	}
	b.done = true
	for i, s := range b.staged {
		if err := os.Rename(s.tmp, s.dst); err != nil {
			for _, rest := range b.staged[i:] {
				_ = os.Remove(rest.tmp)
			}
			return fmt.Errorf("storage: commit %s: %w", s.dst, err)
		}
	}
	return nil
}

// Rollback discards all staged temp files.
func (b *fsBatch) Rollback() {
	if b.done {
		return
	}
	b.done = true
	for _, s := range b.staged {
		_ = os.Remove(s.tmp)
	}
}

// Len returns the number of distinct staged files.
func (b *fsBatch) Len() int {
	return len(b.staged)
}
