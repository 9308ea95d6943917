// Package primitive holds the small vocabulary shared by all dPrim layers:
// node, partition and term identifiers, the read consistency levels and the
// error taxonomy.
//
// Error System:
//
//	Every failure is reported as an *Error carrying a RetCode. The codes split
//	into three groups:
//
//	- Routing codes (NotLeader, TermMismatch): handled inside the partition
//	  client, which re-resolves the primary and retries.
//	- Terminal codes (PartitionUnavailable, Timeout, CoordinatorClosed,
//	  Closed): surfaced to the caller's future once the retry budget is
//	  exhausted or the component was shut down. A Timeout is ambiguous, the
//	  command may still commit.
//	- Command codes (InvalidOperation, SerializationError, ApplyError):
//	  fatal for the single command, never for the log.
//
//	Errors match by code, so errors.Is(err, primitive.ErrTimeout) works for
//	every timeout regardless of partition, term or message.
package primitive
