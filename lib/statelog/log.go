package statelog

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// Entry is a single entry of a partition log.
type Entry struct {
	Index primitive.Index
	Term  primitive.Term
	Data  []byte
}

// ConflictError is returned by AppendFrom when the entries do not attach to
// the local log. Next is the index the primary should resend from.
type ConflictError struct {
	Next primitive.Index
	Msg  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("log conflict (resend from %d): %s", e.Next, e.Msg)
}

// Log is the replica local log of a partition. Indices are dense and start
// at 1. An entry's term never changes and committed entries are never
// truncated.
//
// On the primary, entries are added with Append. On backups, entries are
// copied from the primary with AppendFrom, which performs the consistency
// check on the previous entry and truncates conflicting uncommitted suffixes.
//
// Thread-safety: All methods are thread-safe.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	commit  primitive.Index
	term    primitive.Term // highest term this log has accepted
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Term returns the highest term the log has accepted.
func (l *Log) Term() primitive.Term {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.term
}

// AdvanceTerm raises the term of the log. A lower term is rejected with
// TermMismatch.
func (l *Log) AdvanceTerm(term primitive.Term) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if term < l.term {
		return primitive.Errorf(primitive.RetCTermMismatch, "term %d is lower than %d", term, l.term)
	}
	l.term = term
	return nil
}

// Append adds an entry in the given term and returns it. Only the primary of
// term appends, the term must not be lower than the term of the log.
func (l *Log) Append(term primitive.Term, data []byte) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if term < l.term {
		return Entry{}, primitive.Errorf(primitive.RetCTermMismatch, "append in term %d, log is in term %d", term, l.term)
	}
	l.term = term
	e := Entry{
		Index: primitive.Index(len(l.entries) + 1),
		Term:  term,
		Data:  data,
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// AppendFrom copies entries from the primary of leaderTerm. prevIndex and
// prevTerm name the entry preceding entries[0] in the primary's log.
//
// It rejects a leaderTerm lower than the term of the log with TermMismatch
// and entries that do not attach to the local log with a *ConflictError.
// Existing entries with equal index and term are kept, a conflicting
// uncommitted suffix is truncated. It returns the index of the last entry
// known to match the primary.
func (l *Log) AppendFrom(prevIndex primitive.Index, prevTerm primitive.Term, entries []Entry, leaderTerm primitive.Term) (primitive.Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if leaderTerm < l.term {
		return 0, primitive.Errorf(primitive.RetCTermMismatch, "primary term %d is lower than %d", leaderTerm, l.term)
	}
	l.term = leaderTerm

	last := primitive.Index(len(l.entries))
	if prevIndex > last {
		return 0, &ConflictError{Next: last + 1, Msg: fmt.Sprintf("missing entries after %d", last)}
	}
	if prevIndex > 0 && l.entries[prevIndex-1].Term != prevTerm {
		return 0, &ConflictError{
			Next: l.firstOfTerm(prevIndex),
			Msg:  fmt.Sprintf("entry %d has term %d, primary has %d", prevIndex, l.entries[prevIndex-1].Term, prevTerm),
		}
	}

	for i, e := range entries {
		if e.Index != prevIndex+primitive.Index(i)+1 {
			return 0, fmt.Errorf("entries are not dense: got index %d at position %d", e.Index, i)
		}
		if e.Term > leaderTerm {
			return 0, fmt.Errorf("entry %d has term %d above primary term %d", e.Index, e.Term, leaderTerm)
		}
		if e.Index <= primitive.Index(len(l.entries)) {
			if l.entries[e.Index-1].Term == e.Term {
				continue
			}
			if e.Index <= l.commit {
				// the primary contradicts a committed entry
				return 0, primitive.Errorf(primitive.RetCApplyError,
					"entry %d is committed in term %d, primary sent term %d", e.Index, l.entries[e.Index-1].Term, e.Term)
			}
			l.entries = l.entries[:e.Index-1]
		}
		l.entries = append(l.entries, e)
	}
	return prevIndex + primitive.Index(len(entries)), nil
}

// firstOfTerm returns the first index of the term of the entry at idx, but
// never an index at or below the commit index.
func (l *Log) firstOfTerm(idx primitive.Index) primitive.Index {
	term := l.entries[idx-1].Term
	for idx > 1 && l.entries[idx-2].Term == term {
		idx--
	}
	return max(idx, l.commit+1)
}

// CommitTo advances the commit index to idx (bounded by the last index). The
// commit index never decreases. It returns the resulting commit index.
func (l *Log) CommitTo(idx primitive.Index) primitive.Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx = min(idx, primitive.Index(len(l.entries)))
	if idx > l.commit {
		l.commit = idx
	}
	return l.commit
}

// Committed returns the commit index.
func (l *Log) Committed() primitive.Index {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commit
}

// LastIndexTerm returns index and term of the last entry (0, 0 if empty).
func (l *Log) LastIndexTerm() (primitive.Index, primitive.Term) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0, 0
	}
	e := l.entries[len(l.entries)-1]
	return e.Index, e.Term
}

// TermAt returns the term of the entry at idx, 0 for idx 0 or unknown entries.
func (l *Log) TermAt(idx primitive.Index) primitive.Term {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx == 0 || idx > primitive.Index(len(l.entries)) {
		return 0
	}
	return l.entries[idx-1].Term
}

// Entries returns up to limit entries starting at from. limit <= 0 means no
// limit. The returned slice is a copy.
func (l *Log) Entries(from primitive.Index, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if from > primitive.Index(len(l.entries)) {
		return nil
	}
	end := len(l.entries)
	if limit > 0 && int(from-1)+limit < end {
		end = int(from-1) + limit
	}
	out := make([]Entry, end-int(from-1))
	copy(out, l.entries[from-1:end])
	return out
}

// UpToDate reports whether a log ending at (index, term) is at least as up to
// date as this log. Elections only accept such candidates.
func (l *Log) UpToDate(index primitive.Index, term primitive.Term) bool {
	lastIdx, lastTerm := l.LastIndexTerm()
	if term != lastTerm {
		return term > lastTerm
	}
	return index >= lastIdx
}
