package consensus

import (
	"time"

	"nulldb/pkg/types"
)

type follower struct {
	n             *Node
	currentTerm   types.Term
	lastHeartbeat time.Time
	voted         bool
	timeout       time.Duration
}

// newFollower starts a follower in term. voted marks that this node already
// cast its vote in term (for itself, when stepping down from candidate or
// leader in the same term).
func (n *Node) newFollower(term types.Term, voted bool, now time.Time) *follower {
	return &follower{
		n:             n,
		currentTerm:   term,
		lastHeartbeat: now,
		voted:         voted,
		timeout:       n.electionTimeout(),
	}
}

func (f *follower) role() types.Role { return types.RoleFollower }
func (f *follower) term() types.Term { return f.currentTerm }
func (f *follower) exit()            {}

func (f *follower) tick(now time.Time) state {
	if now.Sub(f.lastHeartbeat) > f.timeout {
		f.n.log.Info("election timeout", "term", f.currentTerm, "timeout", f.timeout)
		return f.n.newCandidate(f.currentTerm, now)
	}
	return nil
}

func (f *follower) onMessage(ev any, now time.Time) state {
	switch e := ev.(type) {
	case voteEvent:
		e.reply <- f.vote(e.req, now)
	case appendEvent:
		e.reply <- f.appendEntries(e.req, now)
	default:
		f.n.replyNotLeader(ev)
	}
	return nil
}

func (f *follower) adoptTerm(t types.Term) {
	if t > f.currentTerm {
		f.currentTerm = t
		f.voted = false
		f.n.observeTerm(t)
	}
}

func (f *follower) vote(req VoteRequest, now time.Time) VoteReply {
	f.adoptTerm(req.Term)

	upToDate := uint64(req.LastLogIndex) >= f.n.store.LastIndex()
	granted := req.Term == f.currentTerm && !f.voted && upToDate
	if granted {
		f.voted = true
		f.lastHeartbeat = now
	}
	f.n.log.Debug("vote requested",
		"candidate", req.CandidateID,
		"term", req.Term,
		"granted", granted,
		"up_to_date", upToDate)
	return VoteReply{Term: f.currentTerm, Granted: granted}
}

func (f *follower) appendEntries(req AppendEntriesRequest, now time.Time) AppendEntriesReply {
	if req.Term < f.currentTerm {
		return AppendEntriesReply{Term: f.currentTerm, Success: false}
	}
	f.adoptTerm(req.Term)
	f.n.setLeader(req.LeaderID)

	if len(req.Entries) > 0 {
		err := f.n.store.LogEntries(toStoreEntries(req.Entries), uint64(req.PrevLogIndex))
		if err != nil {
			f.n.log.Error("failed to apply entries",
				"leader", req.LeaderID,
				"prev_index", req.PrevLogIndex,
				"entries", len(req.Entries),
				"error", err)
			return AppendEntriesReply{Term: f.currentTerm, Success: false}
		}
	}

	f.lastHeartbeat = now
	return AppendEntriesReply{Term: f.currentTerm, Success: true}
}
