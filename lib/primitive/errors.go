package primitive

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode classifies the outcome of an operation. It travels over the wire
// (rpc Message, dragonboat results) so the numeric values must stay stable.
type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                       // 1: Operation failed due to an internal error.
	RetCInvalidOperation                    // 2: Operation was rejected by the resource (deterministic).
	RetCNotLeader                           // 3: Contacted replica is not the primary, re-route.
	RetCTermMismatch                        // 4: Stale primary or stale term detected, treat as NotLeader.
	RetCPartitionUnavailable                // 5: No reachable primary within the retry budget.
	RetCTimeout                             // 6: No commit within the deadline, outcome ambiguous.
	RetCCoordinatorClosed                   // 7: The coordinator was closed.
	RetCClosed                              // 8: The resource was closed.
	RetCSerializationError                  // 9: Malformed command or result.
	RetCApplyError                          // 10: A transition function faulted, replica is divergent.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCNotLeader:
		return "NotLeader"
	case RetCTermMismatch:
		return "TermMismatch"
	case RetCPartitionUnavailable:
		return "PartitionUnavailable"
	case RetCTimeout:
		return "Timeout"
	case RetCCoordinatorClosed:
		return "CoordinatorClosed"
	case RetCClosed:
		return "Closed"
	case RetCSerializationError:
		return "SerializationError"
	case RetCApplyError:
		return "ApplyError"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(c))
	}
}

// Redirect reports whether the code asks the router to find another primary.
func (c RetCode) Redirect() bool {
	return c == RetCNotLeader || c == RetCTermMismatch
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type surfaced by every layer of dPrim. Besides the code
// and message it carries the partition and the last known term so that
// operators can diagnose failures without further lookups.
type Error struct {
	Code      RetCode
	Msg       string
	Partition PartitionID
	Term      Term
	Leader    NodeID // redirect hint, only set for NotLeader/TermMismatch
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Partition == 0 && e.Term == 0 {
		return fmt.Sprintf("dprim error (code %s): %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("dprim error (code %s, %s, term %d): %s", e.Code, e.Partition, e.Term, e.Msg)
}

// Is matches two errors by code, so that errors.Is(err, ErrTimeout) holds for
// every timeout regardless of message and partition.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// At returns a copy of the error annotated with a partition and term.
func (e *Error) At(partition PartitionID, term Term) *Error {
	c := *e
	c.Partition = partition
	if term > c.Term {
		c.Term = term
	}
	return &c
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Sentinels for errors.Is checks.
var (
	ErrInternal             = NewError(RetCInternalError, "internal error")
	ErrInvalidOperation     = NewError(RetCInvalidOperation, "invalid operation")
	ErrNotLeader            = NewError(RetCNotLeader, "not leader")
	ErrTermMismatch         = NewError(RetCTermMismatch, "term mismatch")
	ErrPartitionUnavailable = NewError(RetCPartitionUnavailable, "partition unavailable")
	ErrTimeout              = NewError(RetCTimeout, "timeout")
	ErrCoordinatorClosed    = NewError(RetCCoordinatorClosed, "coordinator closed")
	ErrClosed               = NewError(RetCClosed, "closed")
	ErrSerialization        = NewError(RetCSerializationError, "serialization error")
	ErrApply                = NewError(RetCApplyError, "apply error")
)

// CodeOf extracts the RetCode of any error. Context deadlines map to
// RetCTimeout, cancellations to RetCClosed, everything unknown to
// RetCInternalError.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetCTimeout
	}
	if errors.Is(err, context.Canceled) {
		return RetCClosed
	}
	return RetCInternalError
}

// Wrap converts any error into an *Error, keeping existing *Error values.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(CodeOf(err), err.Error())
}
