package lifecycle

import (
	"fmt"
	"sync/atomic"

	"github.com/nimbusdb/tablestore"
)

// state is a Transaction's lifecycle state.
type state int32

const (
	stateNew state = iota
	stateBegun
	statePrepared
	stateCommitted
	stateAborted
)

// ApplyFunc performs the actual filesystem effect of a transaction's entries
// (marking new sorted files live, obsoleting old components) once the
// transaction is durably prepared. It must be idempotent: recovery may call
// it again for a transaction that crashed after Commit wrote its effects but
// before Finish removed the journal record.
type ApplyFunc func(entries []LogEntry) error

// Transaction is the crash-safe unit from spec.md §4.C6, grounded on
// SharedCode-sop/two_phase_commit_transaction.go's
// Begin/Phase1Commit/Phase2Commit/Rollback split: PrepareToCommit is Phase1
// (durably record intent), Commit is Phase2 (apply effect, then clear
// intent).
type Transaction struct {
	ID      tablestore.UUID
	log     Log
	entries []LogEntry
	st      atomic.Int32
}

// New creates a not-yet-begun transaction using id as its identity. Callers
// mint id via tablestore.NewTimeOrderedUUID so recovery can order pending
// transactions by when they began.
func New(id tablestore.UUID, log Log) *Transaction {
	return &Transaction{ID: id, log: log}
}

// HasBegun implements the teacher's TwoPhaseCommitTransaction.HasBegun.
func (t *Transaction) HasBegun() bool {
	return state(t.st.Load()) != stateNew
}

// Begin transitions a fresh transaction to accept AddEntry calls.
func (t *Transaction) Begin() error {
	if !t.st.CompareAndSwap(int32(stateNew), int32(stateBegun)) {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("transaction %s already begun", t.ID), t.ID)
	}
	return nil
}

// AddEntry records a component-file addition or removal (per kind), legal
// only between Begin and PrepareToCommit.
func (t *Transaction) AddEntry(kind EntryKind, path string) error {
	if state(t.st.Load()) != stateBegun {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("transaction %s not accepting entries (state=%d)", t.ID, t.st.Load()), t.ID)
	}
	t.entries = append(t.entries, LogEntry{Kind: kind, Path: path})
	return nil
}

// Entries returns the recorded entries, for the caller's own bookkeeping
// (e.g. the flush pipeline logging which components it wrote).
func (t *Transaction) Entries() []LogEntry {
	return append([]LogEntry(nil), t.entries...)
}

// PrepareToCommit durably journals every recorded entry (Phase1Commit): once
// this returns successfully, a crash before Commit finishes will be rolled
// forward on the next startup using the same entry set.
func (t *Transaction) PrepareToCommit() error {
	if !t.st.CompareAndSwap(int32(stateBegun), int32(statePrepared)) {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("transaction %s not in begun state", t.ID), t.ID)
	}
	if err := t.log.Append(t.ID, t.entries); err != nil {
		t.st.Store(int32(stateBegun))
		return err
	}
	return nil
}

// Commit applies the transaction's effect via apply, then clears the
// journal record (Phase2Commit). apply must be safe to re-run against the
// same entries, since recovery replays it for a transaction whose Commit
// crashed before Finish.
func (t *Transaction) Commit(apply ApplyFunc) error {
	if !t.st.CompareAndSwap(int32(statePrepared), int32(stateCommitted)) {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("transaction %s not prepared", t.ID), t.ID)
	}
	if apply != nil {
		if err := apply(t.entries); err != nil {
			t.st.Store(int32(statePrepared))
			return err
		}
	}
	return t.log.Finish(t.ID)
}

// Rollback undoes a prepared-but-not-committed transaction: undo is given
// the same entries Commit's apply would have seen, so it can remove any
// partially written component files described by EntryAdd (spec.md §4.C6's
// abort path); EntryRemove entries name nothing to undo since the files
// they describe were never actually deleted before Commit.
func (t *Transaction) Rollback(undo ApplyFunc) error {
	cur := state(t.st.Load())
	if cur != stateBegun && cur != statePrepared {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("transaction %s cannot roll back from state %d", t.ID, cur), t.ID)
	}
	if undo != nil {
		if err := undo(t.entries); err != nil {
			return err
		}
	}
	t.st.Store(int32(stateAborted))
	if cur == statePrepared {
		return t.log.Finish(t.ID)
	}
	return nil
}

// Scanner is implemented by a Log that can check a set of candidate
// transaction ids against its journal, used by Recover. FileLog implements
// it; an in-memory test double can too.
type Scanner interface {
	ScanKnown(candidates []tablestore.UUID) ([]tablestore.UUID, map[tablestore.UUID][]LogEntry, error)
}

// RecoverableLog is what Recover needs: the ability to both scan for
// pending transactions and to clear one once replayed.
type RecoverableLog interface {
	Log
	Scanner
}

// Recover replays every pending (prepared-but-unfinished) transaction found
// among candidates, re-running apply against its journaled entries and then
// clearing the journal record — the roll-forward half of spec.md §7's
// crash-recovery contract. Transactions are replayed oldest-first, since
// ScanKnown already orders by time-ordered id.
func Recover(log RecoverableLog, candidates []tablestore.UUID, apply ApplyFunc) (int, error) {
	ids, pending, err := log.ScanKnown(candidates)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		entries := pending[id]
		if apply != nil {
			if err := apply(entries); err != nil {
				return 0, tablestore.NewError(tablestore.StartupFailure, err, id)
			}
		}
		if err := log.Finish(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
