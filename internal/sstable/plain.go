package sstable

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	log "log/slog"
	"sort"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/memtable"
)

// plainWriter is the local-filesystem concrete format, grounded on
// SharedCode-sop/fs/blob_store.go: one file per component under dir,
// written through a FileIO so tests can swap in an in-memory fake.
type plainWriter struct {
	dir        string
	fio        FileIO
	generation int64

	records []*tablestore.PartitionUpdate
	meta    Metadata
	have    bool
}

// NewPlainWriter opens a writer for a new sorted file under dir, using gen
// as its generation number.
func NewPlainWriter(dir string, fio FileIO, gen int64) Writer {
	if fio == nil {
		fio = NewOSFileIO()
	}
	return &plainWriter{dir: dir, fio: fio, generation: gen, meta: Metadata{Generation: gen, Format: FormatPlain, Version: 1}}
}

// Add implements Writer. Callers must add partitions in ascending key order
// (the flush pipeline and compaction merge both already produce that order),
// matching spec.md's "sorted file" invariant.
func (w *plainWriter) Add(_ context.Context, pu *tablestore.PartitionUpdate) error {
	if pu == nil || pu.IsEmpty() {
		return nil
	}
	if !w.have {
		w.meta.FirstKey = pu.Key
		w.have = true
	}
	w.meta.LastKey = pu.Key
	updateTimestampBounds(&w.meta, pu)
	if pu.CDC {
		w.meta.CDCRetained = true
	}
	w.records = append(w.records, pu)
	return nil
}

func updateTimestampBounds(meta *Metadata, pu *tablestore.PartitionUpdate) {
	for _, row := range pu.Rows {
		for _, cell := range row.Cells {
			if meta.MinTimestamp == 0 || cell.Timestamp < meta.MinTimestamp {
				meta.MinTimestamp = cell.Timestamp
			}
			if cell.Timestamp > meta.MaxTimestamp {
				meta.MaxTimestamp = cell.Timestamp
			}
			if cell.Tombstone && (meta.MinLocalDeletionTime == 0 || cell.LocalDeletionTime < meta.MinLocalDeletionTime) {
				meta.MinLocalDeletionTime = cell.LocalDeletionTime
			}
		}
	}
	if pu.PartitionDeletion.Live {
		if meta.MinLocalDeletionTime == 0 || pu.PartitionDeletion.LocalDeletionTime < meta.MinLocalDeletionTime {
			meta.MinLocalDeletionTime = pu.PartitionDeletion.LocalDeletionTime
		}
	}
}

// Finish implements Writer: it serializes the Data component, an Index of
// key offsets, a gob-encoded Statistics component, and a TOC listing every
// written component, then opens and returns a Reader over it.
func (w *plainWriter) Finish(ctx context.Context) (Reader, error) {
	if !w.fio.Exists(w.dir) {
		if err := w.fio.MkdirAll(w.dir, permission); err != nil {
			return nil, tablestore.NewError(tablestore.FsWrite, err, w.dir)
		}
	}

	var dataBuf bytes.Buffer
	type indexEntry struct {
		Offset int64
		Length int64
	}
	index := make([]indexEntry, 0, len(w.records))
	for _, pu := range w.records {
		framed, err := encodeRecord(pu)
		if err != nil {
			return nil, err
		}
		index = append(index, indexEntry{Offset: int64(dataBuf.Len()), Length: int64(len(framed))})
		dataBuf.Write(framed)
	}

	w.meta.OriginalSize = int64(dataBuf.Len())

	dataPath := joinPath(w.dir, w.generation, ComponentData)
	if err := w.fio.WriteFile(dataPath, dataBuf.Bytes(), permission); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, dataPath)
	}

	var idxBuf bytes.Buffer
	if err := gob.NewEncoder(&idxBuf).Encode(index); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, w.dir)
	}
	idxPath := joinPath(w.dir, w.generation, ComponentIndex)
	if err := w.fio.WriteFile(idxPath, idxBuf.Bytes(), permission); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, idxPath)
	}

	var statBuf bytes.Buffer
	if err := gob.NewEncoder(&statBuf).Encode(w.meta); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, w.dir)
	}
	statPath := joinPath(w.dir, w.generation, ComponentStatistics)
	if err := w.fio.WriteFile(statPath, statBuf.Bytes(), permission); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, statPath)
	}

	tocPath := joinPath(w.dir, w.generation, ComponentTOC)
	toc := []byte(fmt.Sprintf("%s\n%s\n%s\n", ComponentData.Extension(), ComponentIndex.Extension(), ComponentStatistics.Extension()))
	if err := w.fio.WriteFile(tocPath, toc, permission); err != nil {
		return nil, tablestore.NewError(tablestore.FsWrite, err, tocPath)
	}

	return newPlainReader(w.dir, w.fio, w.generation, w.meta, append([]*tablestore.PartitionUpdate(nil), w.records...)), nil
}

// Abandon implements Writer: a plain writer holds nothing on disk until
// Finish, so there is nothing to remove.
func (w *plainWriter) Abandon() error { return nil }

// plainReader serves reads out of the in-memory decoded record set, rather
// than re-reading from fio on every call; this mirrors the teacher's own
// blob store caching note ("caller code can apply caching on top of it") by
// keeping the already-sorted content resident for the reader's lifetime.
type plainReader struct {
	dir        string
	fio        FileIO
	generation int64
	meta       Metadata
	records    []*tablestore.PartitionUpdate
	rc         *refCounter
}

func newPlainReader(dir string, fio FileIO, gen int64, meta Metadata, records []*tablestore.PartitionUpdate) *plainReader {
	sort.Slice(records, func(i, j int) bool { return records[i].Key.Compare(records[j].Key) < 0 })
	r := &plainReader{dir: dir, fio: fio, generation: gen, meta: meta, records: records}
	r.rc = newRefCounter(r.deleteComponents)
	return r
}

// deleteComponents is the refCounter's onZero hook: it only runs once every
// holder of this reader (the tracker's live-set membership plus any
// in-flight TryRef) has released, so a file whose reference count is still
// positive is never touched here (spec.md Testable Property 5).
func (r *plainReader) deleteComponents() {
	if !r.IsObsolete() {
		return
	}
	for _, p := range r.Paths() {
		if err := r.fio.Remove(p); err != nil {
			log.Warn("sorted file component delete failed", "path", p, "error", err)
		}
	}
}

// OpenPlainReader reopens a previously sealed plain-format sorted file from
// disk (used on table startup).
func OpenPlainReader(ctx context.Context, dir string, fio FileIO, gen int64) (Reader, error) {
	if fio == nil {
		fio = NewOSFileIO()
	}
	statPath := joinPath(dir, gen, ComponentStatistics)
	statBytes, err := fio.ReadFile(statPath)
	if err != nil {
		return nil, tablestore.NewError(tablestore.FsRead, err, statPath)
	}
	var meta Metadata
	if err := gob.NewDecoder(bytes.NewReader(statBytes)).Decode(&meta); err != nil {
		return nil, tablestore.NewError(tablestore.Corrupt, err, statPath)
	}

	dataPath := joinPath(dir, gen, ComponentData)
	dataBytes, err := fio.ReadFile(dataPath)
	if err != nil {
		return nil, tablestore.NewError(tablestore.FsRead, err, dataPath)
	}
	records, err := decodeRecords(dataBytes)
	if err != nil {
		return nil, err
	}
	return newPlainReader(dir, fio, gen, meta, records), nil
}

func (r *plainReader) Metadata() Metadata { return r.meta }

func (r *plainReader) Scan(_ context.Context, dataRange memtable.DataRange) (Scanner, error) {
	start := sort.Search(len(r.records), func(i int) bool {
		if dataRange.Start == nil {
			return true
		}
		return r.records[i].Key.Compare(*dataRange.Start) >= 0
	})
	end := len(r.records)
	if dataRange.End != nil {
		end = sort.Search(len(r.records), func(i int) bool {
			return r.records[i].Key.Compare(*dataRange.End) > 0
		})
	}
	if start > end {
		start = end
	}
	return &plainScanner{records: r.records[start:end]}, nil
}

func (r *plainReader) Get(_ context.Context, key tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool, error) {
	i := sort.Search(len(r.records), func(i int) bool { return r.records[i].Key.Compare(key) >= 0 })
	if i < len(r.records) && r.records[i].Key.Equal(key) {
		return r.records[i], true, nil
	}
	return nil, false, nil
}

func (r *plainReader) TryRef() bool    { return r.rc.TryRef() }
func (r *plainReader) Release()        { r.rc.Release() }
func (r *plainReader) MarkObsolete()   { r.rc.MarkObsolete() }
func (r *plainReader) IsObsolete() bool { return r.rc.IsObsolete() }

func (r *plainReader) Components() []ComponentKind {
	return []ComponentKind{ComponentData, ComponentIndex, ComponentStatistics, ComponentTOC}
}

func (r *plainReader) Paths() []string {
	var paths []string
	for _, c := range r.Components() {
		paths = append(paths, joinPath(r.dir, r.generation, c))
	}
	return paths
}

// Close releases this handle's reference. The backing component files are
// deleted only once every holder has released and the reader was marked
// obsolete (deleteComponents, the refCounter's onZero hook) — closing one
// handle does not by itself delete the file, since other holders may still
// be reading it.
func (r *plainReader) Close() error {
	r.rc.Release()
	return nil
}

type plainScanner struct {
	records []*tablestore.PartitionUpdate
	pos     int
}

func (s *plainScanner) Next() (*tablestore.PartitionUpdate, bool, error) {
	if s.pos >= len(s.records) {
		return nil, false, nil
	}
	pu := s.records[s.pos]
	s.pos++
	return pu, true, nil
}

func (s *plainScanner) Close() error { return nil }
