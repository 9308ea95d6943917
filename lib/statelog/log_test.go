package statelog

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

func entries(from primitive.Index, terms ...primitive.Term) []Entry {
	out := make([]Entry, len(terms))
	for i, t := range terms {
		out[i] = Entry{Index: from + primitive.Index(i), Term: t, Data: []byte{byte(i)}}
	}
	return out
}

func TestAppendAssignsDenseIndices(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 3; i++ {
		e, err := l.Append(1, nil)
		if err != nil {
			t.Fatal(err)
		}
		if e.Index != primitive.Index(i) {
			t.Errorf("index = %d, want %d", e.Index, i)
		}
	}
	if _, err := l.Append(2, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(1, nil); !errors.Is(err, primitive.ErrTermMismatch) {
		t.Errorf("append in old term: got %v", err)
	}
	if idx, term := l.LastIndexTerm(); idx != 4 || term != 2 {
		t.Errorf("LastIndexTerm() = %d, %d", idx, term)
	}
}

func TestAppendFrom(t *testing.T) {
	tests := []struct {
		name       string
		local      []primitive.Term // terms of the local log
		commit     primitive.Index
		prevIndex  primitive.Index
		prevTerm   primitive.Term
		incoming   []Entry
		leaderTerm primitive.Term
		wantLast   primitive.Index
		wantTerms  []primitive.Term
		wantErr    func(error) bool
	}{
		{
			name:       "append to empty log",
			incoming:   entries(1, 1, 1),
			leaderTerm: 1,
			wantLast:   2,
			wantTerms:  []primitive.Term{1, 1},
		},
		{
			name:       "idempotent resend",
			local:      []primitive.Term{1, 1, 2},
			prevIndex:  1,
			prevTerm:   1,
			incoming:   entries(2, 1),
			leaderTerm: 2,
			wantLast:   2,
			wantTerms:  []primitive.Term{1, 1, 2},
		},
		{
			name:       "truncate uncommitted conflict",
			local:      []primitive.Term{1, 1, 2, 2},
			commit:     2,
			prevIndex:  2,
			prevTerm:   1,
			incoming:   entries(3, 3),
			leaderTerm: 3,
			wantLast:   3,
			wantTerms:  []primitive.Term{1, 1, 3},
		},
		{
			name:       "gap",
			local:      []primitive.Term{1},
			prevIndex:  3,
			prevTerm:   1,
			incoming:   entries(4, 1),
			leaderTerm: 1,
			wantTerms:  []primitive.Term{1},
			wantErr: func(err error) bool {
				var c *ConflictError
				return errors.As(err, &c) && c.Next == 2
			},
		},
		{
			name:       "prev term mismatch",
			local:      []primitive.Term{1, 2, 2, 2},
			commit:     1,
			prevIndex:  4,
			prevTerm:   3,
			incoming:   entries(5, 3),
			leaderTerm: 3,
			wantTerms:  []primitive.Term{1, 2, 2, 2},
			wantErr: func(err error) bool {
				var c *ConflictError
				return errors.As(err, &c) && c.Next == 2
			},
		},
		{
			name:       "term regression",
			local:      []primitive.Term{1, 3},
			prevIndex:  1,
			prevTerm:   1,
			incoming:   entries(2, 2),
			leaderTerm: 2,
			wantTerms:  []primitive.Term{1, 3},
			wantErr:    func(err error) bool { return errors.Is(err, primitive.ErrTermMismatch) },
		},
		{
			name:       "never overwrite committed entries",
			local:      []primitive.Term{1, 1},
			commit:     2,
			prevIndex:  1,
			prevTerm:   1,
			incoming:   entries(2, 2),
			leaderTerm: 2,
			wantTerms:  []primitive.Term{1, 1},
			wantErr:    func(err error) bool { return errors.Is(err, primitive.ErrApply) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLog()
			for _, term := range tt.local {
				if _, err := l.Append(term, nil); err != nil {
					t.Fatal(err)
				}
			}
			l.CommitTo(tt.commit)

			last, err := l.AppendFrom(tt.prevIndex, tt.prevTerm, tt.incoming, tt.leaderTerm)
			if tt.wantErr != nil {
				if err == nil || !tt.wantErr(err) {
					t.Fatalf("AppendFrom() error = %v", err)
				}
			} else if err != nil {
				t.Fatalf("AppendFrom() error = %v", err)
			} else if last != tt.wantLast {
				t.Errorf("last = %d, want %d", last, tt.wantLast)
			}

			got := l.Entries(1, 0)
			if len(got) != len(tt.wantTerms) {
				t.Fatalf("log has %d entries, want %d", len(got), len(tt.wantTerms))
			}
			for i, e := range got {
				if e.Term != tt.wantTerms[i] || e.Index != primitive.Index(i+1) {
					t.Errorf("entry %d = (%d, %d), want term %d", i, e.Index, e.Term, tt.wantTerms[i])
				}
			}
		})
	}
}

func TestCommitToIsMonotonic(t *testing.T) {
	l := NewLog()
	for i := 0; i < 5; i++ {
		_, _ = l.Append(1, nil)
	}
	if got := l.CommitTo(3); got != 3 {
		t.Errorf("CommitTo(3) = %d", got)
	}
	if got := l.CommitTo(2); got != 3 {
		t.Errorf("CommitTo(2) = %d, commit index went back", got)
	}
	if got := l.CommitTo(10); got != 5 {
		t.Errorf("CommitTo(10) = %d, want last index", got)
	}
}

func TestEntriesAndUpToDate(t *testing.T) {
	l := NewLog()
	for _, term := range []primitive.Term{1, 1, 2} {
		_, _ = l.Append(term, nil)
	}
	if got := l.Entries(2, 1); len(got) != 1 || got[0].Index != 2 {
		t.Errorf("Entries(2, 1) = %v", got)
	}
	if got := l.Entries(4, 0); got != nil {
		t.Errorf("Entries(4, 0) = %v", got)
	}
	if l.TermAt(3) != 2 || l.TermAt(0) != 0 || l.TermAt(9) != 0 {
		t.Error("unexpected TermAt results")
	}

	if !l.UpToDate(3, 2) || !l.UpToDate(1, 3) {
		t.Error("equal or newer logs must be up to date")
	}
	if l.UpToDate(2, 2) || l.UpToDate(10, 1) {
		t.Error("older logs must not be up to date")
	}
}
