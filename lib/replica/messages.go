package replica

import (
	"github.com/ValentinKolb/dPrim/lib/primitive"
	"github.com/ValentinKolb/dPrim/lib/statelog"
)

// appendRequest copies log entries from the primary to a backup and carries
// the primary's commit index.
type appendRequest struct {
	Term      primitive.Term
	Leader    primitive.NodeID
	PrevIndex primitive.Index
	PrevTerm  primitive.Term
	Entries   []statelog.Entry
	Commit    primitive.Index
}

type appendResponse struct {
	Code    primitive.RetCode
	Term    primitive.Term
	Success bool
	Match   primitive.Index // last index known to match the primary
	Next    primitive.Index // resend hint on conflicts
}

// voteRequest asks a replica to accept candidate as primary of term.
type voteRequest struct {
	Term      primitive.Term
	Candidate primitive.NodeID
	LastIndex primitive.Index
	LastTerm  primitive.Term
}

type voteResponse struct {
	Term    primitive.Term
	Granted bool
}
