package sstable

import (
	"fmt"
	"os"
	"strings"
)

// permission matches the teacher's directory/file permission constant
// (SharedCode-sop/fs/blob_store.go).
const permission os.FileMode = 0o750

// FileIO abstracts the filesystem calls a sorted-file writer/reader needs,
// grounded on SharedCode-sop/fs/fileio.go's FileIO interface, so tests can
// substitute an in-memory fake instead of touching a real disk.
type FileIO interface {
	Exists(path string) bool
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(path string, data []byte, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	Remove(path string) error
	// Link hard-links oldPath to newPath, used by snapshot/backup creation
	// (spec.md §4.C10) so a component file is shared on disk rather than
	// copied.
	Link(oldPath, newPath string) error
	// List returns the base names of dir's immediate entries, or an empty
	// slice if dir does not exist. Used by the lifecycle transaction log to
	// discover pending transaction files at startup (spec.md §7 roll-
	// forward/roll-back) and by snapshot enumeration.
	List(dir string) ([]string, error)
}

// osFileIO is the default FileIO backed directly by the os package.
type osFileIO struct{}

// NewOSFileIO returns the default disk-backed FileIO.
func NewOSFileIO() FileIO { return osFileIO{} }

func (osFileIO) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osFileIO) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (osFileIO) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (osFileIO) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (f osFileIO) Remove(path string) error {
	if !f.Exists(path) {
		return nil
	}
	return os.Remove(path)
}

func (osFileIO) Link(oldPath, newPath string) error {
	return os.Link(oldPath, newPath)
}

func (osFileIO) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// memFileIO is an in-memory FileIO used by tests and by callers that want a
// pure in-process sorted file (e.g. compaction dry-runs).
type memFileIO struct {
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemFileIO returns an in-memory FileIO.
func NewMemFileIO() FileIO {
	return &memFileIO{files: make(map[string][]byte), dirs: make(map[string]bool)}
}

func (m *memFileIO) Exists(path string) bool {
	if _, ok := m.files[path]; ok {
		return true
	}
	return m.dirs[path]
}

func (m *memFileIO) MkdirAll(path string, _ os.FileMode) error {
	m.dirs[path] = true
	return nil
}

func (m *memFileIO) WriteFile(path string, data []byte, _ os.FileMode) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[path] = cp
	return nil
}

func (m *memFileIO) ReadFile(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("sstable: %s: %w", path, os.ErrNotExist)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *memFileIO) Remove(path string) error {
	delete(m.files, path)
	return nil
}

// Link copies the referenced bytes under newPath: memFileIO has no real
// inode layer to share, so a hard link is simulated as a second independent
// copy of the same content, which is observationally identical for every
// caller in this module (snapshot reads never mutate a component file).
func (m *memFileIO) Link(oldPath, newPath string) error {
	data, ok := m.files[oldPath]
	if !ok {
		return fmt.Errorf("sstable: %s: %w", oldPath, os.ErrNotExist)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[newPath] = cp
	return nil
}

// List returns the immediate child names of dir, scanning the flat file/dir
// maps for entries whose path starts with dir's prefix (memFileIO has no
// real directory tree, just path strings used as map keys).
func (m *memFileIO) List(dir string) ([]string, error) {
	prefix := dir + string(os.PathSeparator)
	seen := make(map[string]bool)
	var names []string
	add := func(path string) {
		if !strings.HasPrefix(path, prefix) {
			return
		}
		rest := path[len(prefix):]
		if i := strings.IndexByte(rest, os.PathSeparator); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" && !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	for p := range m.files {
		add(p)
	}
	for p := range m.dirs {
		add(p)
	}
	return names, nil
}

// joinPath builds a component file path, mirroring the teacher's
// ToFilePathFunc-style concatenation (SharedCode-sop/fs/tofilepath.go), with
// the plain os.PathSeparator join rather than a sharded directory tree since
// one sorted file per generation is already a manageable directory count.
func joinPath(dir string, generation int64, kind ComponentKind) string {
	return fmt.Sprintf("%s%c%d-%s", dir, os.PathSeparator, generation, kind.Extension())
}
