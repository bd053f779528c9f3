package sstable

import (
	"os"

	"github.com/ncw/directio"

	"github.com/nimbusdb/tablestore"
)

// directFileIO is a FileIO that writes through O_DIRECT aligned blocks,
// grounded on SharedCode-sop/fs/direct_io.go's directIO type. Only
// WriteFile bypasses the page cache; the other operations fall back to the
// default os-backed FileIO since they are not on a writer's
// durability-critical path. Lives in this package (rather than its original
// flush-only home) so the lifecycle journal and compaction's output writer
// can share the exact same fsync-before-commit behavior as the flush
// pipeline's sorted-file writes (spec.md §4.C6's "fsync new files" step).
type directFileIO struct {
	fallback FileIO
}

// NewDirectFileIO returns a FileIO whose writes are aligned, unbuffered
// O_DIRECT writes, for any writer that needs spec.md §7's
// fsync-before-commit durability contract: the flush pipeline's sorted-file
// shards, the lifecycle transaction journal, and compaction's output
// shards.
func NewDirectFileIO() FileIO {
	return &directFileIO{fallback: NewOSFileIO()}
}

func (d *directFileIO) Exists(path string) bool                     { return d.fallback.Exists(path) }
func (d *directFileIO) MkdirAll(path string, perm os.FileMode) error { return d.fallback.MkdirAll(path, perm) }
func (d *directFileIO) ReadFile(path string) ([]byte, error)        { return d.fallback.ReadFile(path) }
func (d *directFileIO) Remove(path string) error                    { return d.fallback.Remove(path) }
func (d *directFileIO) Link(oldPath, newPath string) error          { return d.fallback.Link(oldPath, newPath) }
func (d *directFileIO) List(dir string) ([]string, error)           { return d.fallback.List(dir) }

// WriteFile writes data to path through block-aligned, unbuffered I/O,
// zero-padding the final partial block (mirroring SharedCode-sop/fs/
// marshaldata.go's zero-pad-then-checksum framing, here applied to alignment
// padding instead of a checksum trailer) and fsyncing before returning, so a
// successful return means the bytes are durable on the underlying device.
func (d *directFileIO) WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := directio.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, path)
	}
	defer f.Close()

	block := directio.AlignedBlock(directio.BlockSize)
	blockSize := len(block)
	offset := int64(0)
	pos := 0
	for {
		n := copy(block, data[pos:])
		for i := n; i < blockSize; i++ {
			block[i] = 0
		}
		if _, err := f.WriteAt(block, offset); err != nil {
			return tablestore.NewError(tablestore.FsWrite, err, path)
		}
		pos += n
		offset += int64(blockSize)
		if pos >= len(data) {
			break
		}
	}
	if err := f.Sync(); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, path)
	}
	return nil
}
