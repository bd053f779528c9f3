// Package lifecycle implements the crash-safe Lifecycle Transaction (spec.md
// §4.C6): a small multi-file ADD/REMOVE journal that makes a flush or
// compaction's set of sorted-file changes atomic across a process crash.
//
// Grounded on SharedCode-sop/cassandra/transactionlog.go's Add/Remove-by-tid
// journal and SharedCode-sop/two_phase_commit_transaction.go's
// Begin/Phase1Commit(prepare)/Phase2Commit(commit)/Rollback split.
package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/sstable"
)

// EntryKind is the closed set of journal entry kinds.
type EntryKind int

const (
	EntryAdd EntryKind = iota
	EntryRemove
)

func (k EntryKind) String() string {
	if k == EntryRemove {
		return "remove"
	}
	return "add"
}

// LogEntry names one sorted-file component path this transaction adds or
// removes.
type LogEntry struct {
	Kind EntryKind `json:"kind"`
	Path string    `json:"path"`
}

// journalRecord is one line of the on-disk journal for a transaction id.
type journalRecord struct {
	ID      tablestore.UUID `json:"id"`
	Entries []LogEntry      `json:"entries"`
}

// Log is the persisted transaction journal contract: append a transaction's
// entries before doing any of the filesystem work they describe (prepare),
// and remove the record once the work is durably complete (finish). Pending
// iterates records left behind by a crash, for startup recovery.
type Log interface {
	Append(id tablestore.UUID, entries []LogEntry) error
	Finish(id tablestore.UUID) error
	Pending() ([]tablestore.UUID, map[tablestore.UUID][]LogEntry, error)
}

// FileLog is the default Log, one file per transaction id under dir,
// grounded on transactionlog.go's per-tid Add/Remove (a Cassandra row there,
// a file here) plus fs/marshaldata.go's length+CRC32 framing for durability
// against a torn write.
type FileLog struct {
	dir string
	fio sstable.FileIO
}

// NewFileLog opens (creating if absent) a journal directory.
func NewFileLog(dir string, fio sstable.FileIO) *FileLog {
	if fio == nil {
		fio = sstable.NewOSFileIO()
	}
	return &FileLog{dir: dir, fio: fio}
}

func (l *FileLog) path(id tablestore.UUID) string {
	return fmt.Sprintf("%s/txn-%s.json", l.dir, id.String())
}

// Append implements Log. It writes the entry set framed with a CRC32
// checksum so Pending can detect (and skip) a journal file torn by a crash
// mid-write.
func (l *FileLog) Append(id tablestore.UUID, entries []LogEntry) error {
	if !l.fio.Exists(l.dir) {
		if err := l.fio.MkdirAll(l.dir, 0o750); err != nil {
			return tablestore.NewError(tablestore.FsWrite, err, l.dir)
		}
	}
	rec := journalRecord{ID: id, Entries: entries}
	payload, err := json.Marshal(rec)
	if err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, id)
	}
	checksum := crc32.ChecksumIEEE(payload)
	framed := append([]byte(fmt.Sprintf("%08x\n", checksum)), payload...)
	if err := l.fio.WriteFile(l.path(id), framed, 0o640); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, id)
	}
	return nil
}

// Finish implements Log: removing the journal file is what makes a
// transaction's outcome durable — once gone, recovery no longer considers
// it pending.
func (l *FileLog) Finish(id tablestore.UUID) error {
	if err := l.fio.Remove(l.path(id)); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, id)
	}
	return nil
}

// Pending implements Log by listing dir for txn-*.json files and checking
// each discovered id through ScanKnown, so recovery at startup needs no
// separately persisted candidate registry.
func (l *FileLog) Pending() ([]tablestore.UUID, map[tablestore.UUID][]LogEntry, error) {
	names, err := l.fio.List(l.dir)
	if err != nil {
		return nil, nil, tablestore.NewError(tablestore.FsRead, err, l.dir)
	}
	var candidates []tablestore.UUID
	for _, name := range names {
		rest := strings.TrimPrefix(name, "txn-")
		if rest == name {
			continue
		}
		rest = strings.TrimSuffix(rest, ".json")
		id, err := tablestore.ParseUUID(rest)
		if err != nil {
			continue
		}
		candidates = append(candidates, id)
	}
	return l.ScanKnown(candidates)
}

// ScanKnown checks each of the given candidate transaction ids against the
// journal and returns the ones still present (i.e. left behind by a crash
// between Append and Finish), along with their entries. Pending supplies
// its candidates by listing the journal directory; Begin persists nothing,
// so there is no separate list of in-flight transaction ids.
func (l *FileLog) ScanKnown(candidates []tablestore.UUID) ([]tablestore.UUID, map[tablestore.UUID][]LogEntry, error) {
	pending := map[tablestore.UUID][]LogEntry{}
	var ids []tablestore.UUID
	for _, id := range candidates {
		data, err := l.fio.ReadFile(l.path(id))
		if err != nil {
			continue // no journal file: either never begun or already finished.
		}
		if len(data) < 9 {
			continue // torn write; treat as absent, matching a crash before Append completed.
		}
		nl := bytes.IndexByte(data, '\n')
		if nl != 8 {
			continue
		}
		var want uint32
		if _, err := fmt.Sscanf(string(data[:8]), "%08x", &want); err != nil {
			continue
		}
		payload := data[9:]
		if crc32.ChecksumIEEE(payload) != want {
			continue // torn/corrupt write: treat the transaction as never prepared.
		}
		var rec journalRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			continue
		}
		ids = append(ids, id)
		pending[id] = rec.Entries
	}
	sort.Slice(ids, func(i, j int) bool { return tablestore.CompareTimeOrdered(ids[i], ids[j]) < 0 })
	return ids, pending, nil
}
