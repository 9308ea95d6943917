// Package statelog provides the replicated log of a partition and the commit
// client resources use to write to it.
//
// Log is the replica side: dense indices starting at 1, terms that never
// change, and committed entries that are never truncated. StateLog is the
// client side of one resource: it wraps commands into envelopes, routes them
// through a partition.Client and resolves futures in commit order.
package statelog
