package resource

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dPrim/lib/coordinator"
	"github.com/ValentinKolb/dPrim/lib/exec"
	"github.com/ValentinKolb/dPrim/lib/future"
	"github.com/ValentinKolb/dPrim/lib/rsm"
)

type eventLogOp uint8

const (
	eventLogAppend eventLogOp = iota + 1
	eventLogTrim
	eventLogGet
	eventLogRange
	eventLogLen
)

func (o eventLogOp) String() string {
	switch o {
	case eventLogAppend:
		return "Append"
	case eventLogTrim:
		return "Trim"
	case eventLogGet:
		return "Get"
	case eventLogRange:
		return "Range"
	case eventLogLen:
		return "Len"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// eventLogState holds the retained events; Entries[0] has offset First.
type eventLogState struct {
	First   uint64
	Entries [][]byte
}

func (s eventLogState) next() uint64 {
	return s.First + uint64(len(s.Entries))
}

type eventLogCommand struct {
	Op     eventLogOp
	Offset uint64
	Limit  int
	Value  []byte
}

type eventLogResult struct {
	Offset uint64 // offset of Value, or of the first of Values
	Value  []byte
	Found  bool
	Values [][]byte
	Size   int
}

var eventLogKind = rsm.Definition[eventLogState, eventLogCommand, eventLogResult]{
	Name:  "eventlog",
	Apply: applyEventLog,
	Query: queryEventLog,
}.Kind()

func applyEventLog(s eventLogState, cmd eventLogCommand, meta rsm.Meta) (eventLogState, eventLogResult, error) {
	switch cmd.Op {
	case eventLogAppend:
		offset := s.next()
		s.Entries = append(s.Entries, cmd.Value)
		return s, eventLogResult{Offset: offset, Size: len(s.Entries)}, nil
	case eventLogTrim:
		// drops every event before cmd.Offset
		if cmd.Offset <= s.First {
			return s, eventLogResult{Offset: s.First, Size: 0}, nil
		}
		n := int(min(cmd.Offset, s.next()) - s.First)
		s.Entries = append([][]byte(nil), s.Entries[n:]...)
		s.First += uint64(n)
		return s, eventLogResult{Offset: s.First, Size: n}, nil
	default:
		res, err := queryEventLog(s, cmd, meta)
		return s, res, err
	}
}

func queryEventLog(s eventLogState, cmd eventLogCommand, _ rsm.Meta) (eventLogResult, error) {
	switch cmd.Op {
	case eventLogGet:
		if cmd.Offset < s.First || cmd.Offset >= s.next() {
			return eventLogResult{Offset: cmd.Offset}, nil
		}
		return eventLogResult{Offset: cmd.Offset, Value: s.Entries[cmd.Offset-s.First], Found: true}, nil
	case eventLogRange:
		from := max(cmd.Offset, s.First)
		if from >= s.next() {
			return eventLogResult{Offset: from}, nil
		}
		entries := s.Entries[from-s.First:]
		if cmd.Limit > 0 && len(entries) > cmd.Limit {
			entries = entries[:cmd.Limit]
		}
		return eventLogResult{Offset: from, Values: entries, Size: len(entries)}, nil
	case eventLogLen:
		return eventLogResult{Offset: s.First, Size: len(s.Entries)}, nil
	default:
		return eventLogResult{}, fmt.Errorf("unknown event log operation %s", cmd.Op)
	}
}

// Record is an event of an EventLog with its offset.
type Record[T any] struct {
	Offset uint64
	Value  T
}

// EventLog is a replicated append-only log. Offsets start at 0 and are never
// reused; Trim drops old events.
type EventLog[T any] struct {
	*base
}

// NewEventLog creates the client of an event log resource.
func NewEventLog[T any](ctl coordinator.Control, ex *exec.Context, opts Options) (*EventLog[T], error) {
	b, err := newBase(ctl, ex, eventLogKind.Name(), opts)
	if err != nil {
		return nil, err
	}
	return &EventLog[T]{base: b}, nil
}

// GetEventLog returns the event log named name of the coordinator, creating
// it if needed.
func GetEventLog[T any](c *coordinator.Coordinator, name string, opts Options) (*EventLog[T], error) {
	return coordinator.CreateResource(c, name, func(ctl coordinator.Control, ex *exec.Context) (*EventLog[T], error) {
		return NewEventLog[T](ctl, ex, opts)
	})
}

// Close fails pending operations with Closed and unregisters the log.
func (l *EventLog[T]) Close() error { return l.close(l) }

// Append appends an event and returns its offset.
func (l *EventLog[T]) Append(ctx context.Context, event T) *future.Future[uint64] {
	data, err := l.encode(event)
	if err != nil {
		return future.Failed[uint64](l.ex, err)
	}
	return future.Then(commit[eventLogResult](ctx, l.base, eventLogCommand{Op: eventLogAppend, Value: data}), func(r eventLogResult) (uint64, error) {
		return r.Offset, nil
	})
}

// Get returns the event at offset, if it is retained.
func (l *EventLog[T]) Get(ctx context.Context, offset uint64) *future.Future[Optional[T]] {
	return future.Then(query[eventLogResult](ctx, l.base, eventLogCommand{Op: eventLogGet, Offset: offset}), func(r eventLogResult) (Optional[T], error) {
		return optional[T](l.base, r.Value, r.Found)
	})
}

// Range returns up to limit events starting at offset from. A limit <= 0
// returns every retained event.
func (l *EventLog[T]) Range(ctx context.Context, from uint64, limit int) *future.Future[[]Record[T]] {
	return future.Then(query[eventLogResult](ctx, l.base, eventLogCommand{Op: eventLogRange, Offset: from, Limit: limit}), func(r eventLogResult) ([]Record[T], error) {
		events, err := values[T](l.base, r.Values)
		if err != nil {
			return nil, err
		}
		out := make([]Record[T], len(events))
		for i, e := range events {
			out[i] = Record[T]{Offset: r.Offset + uint64(i), Value: e}
		}
		return out, nil
	})
}

// Len returns the number of retained events.
func (l *EventLog[T]) Len(ctx context.Context) *future.Future[int] {
	return future.Then(query[eventLogResult](ctx, l.base, eventLogCommand{Op: eventLogLen}), func(r eventLogResult) (int, error) {
		return r.Size, nil
	})
}

// Trim drops every event before offset and returns how many were dropped.
func (l *EventLog[T]) Trim(ctx context.Context, before uint64) *future.Future[int] {
	return future.Then(commit[eventLogResult](ctx, l.base, eventLogCommand{Op: eventLogTrim, Offset: before}), func(r eventLogResult) (int, error) {
		return r.Size, nil
	})
}
