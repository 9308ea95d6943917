package partition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// TestObserveTermMonotonicity checks that the table never goes back in term
func TestObserveTermMonotonicity(t *testing.T) {
	tests := []struct {
		name    string
		term    primitive.Term
		primary primitive.NodeID
		wantErr bool
		want    primitive.NodeID
	}{
		{"initial", 1, 1, false, 1},
		{"same term same primary", 1, 1, false, 1},
		{"same term other primary", 1, 2, true, 1},
		{"higher term", 3, 2, false, 2},
		{"lower term", 2, 3, true, 2},
		{"higher term without primary", 4, primitive.NoNode, false, primitive.NoNode},
		{"primary for that term", 4, 3, false, 3},
	}

	table := NewTable()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := table.Observe(1, tt.term, tt.primary, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Observe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, primitive.ErrTermMismatch) {
				t.Errorf("expected TermMismatch, got %v", err)
			}
			p, ok := table.Get(1)
			if !ok {
				t.Fatal("partition missing")
			}
			if p.Primary != tt.want {
				t.Errorf("primary = %s, want %s", p.Primary, tt.want)
			}
		})
	}
}

// TestObserveListenersAndSnapshot checks listeners and snapshot isolation
func TestObserveListenersAndSnapshot(t *testing.T) {
	table := NewTable()
	var seen []Partition
	table.Subscribe(func(p Partition) { seen = append(seen, p) })

	backups := []primitive.NodeID{2, 3}
	if err := table.Observe(7, 1, 1, backups); err != nil {
		t.Fatal(err)
	}
	backups[0] = 99 // must not leak into the table

	snap := table.Snapshot()
	if err := table.Observe(7, 2, 2, []primitive.NodeID{1, 3}); err != nil {
		t.Fatal(err)
	}

	p, _ := snap.Get(7)
	if p.Term != 1 || p.Primary != 1 || p.Backups[0] != 2 {
		t.Errorf("snapshot changed: %s", p)
	}
	if len(seen) != 2 || seen[1].Primary != 2 {
		t.Errorf("unexpected listener calls: %v", seen)
	}
	if ids := snap.IDs(); len(ids) != 1 || ids[0] != 7 {
		t.Errorf("unexpected ids %v", ids)
	}
}

// TestRouter checks that routing is deterministic and in range
func TestRouter(t *testing.T) {
	r := NewRouter(4)
	counts := make(map[primitive.PartitionID]int)
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("resource-%d", i)
		p := r.Route(name)
		if p < 1 || p > 4 {
			t.Fatalf("partition %d out of range", p)
		}
		if p != r.Route(name) {
			t.Fatal("routing is not deterministic")
		}
		counts[p]++
	}
	if len(counts) != 4 {
		t.Errorf("expected all partitions to be used, got %v", counts)
	}

	if NewRouter(0).Count() != 1 {
		t.Error("zero partitions should be treated as one")
	}
	if got := NewRouter(3).IDs(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("unexpected ids %v", got)
	}
}
