package consensus

import (
	"context"
	"time"

	"go.etcd.io/etcd/raft/v3/quorum"

	"nulldb/pkg/metrics"
	"nulldb/pkg/types"
)

type pendingVote struct {
	peer  types.NodeID
	reply <-chan result[VoteReply]
}

type candidate struct {
	n           *Node
	currentTerm types.Term
	votes       map[uint64]bool
	pending     []pendingVote
	rpc         *rpcGroup
	startedAt   time.Time
	timeout     time.Duration
}

// newCandidate starts an election for term+1 and asks every peer for a vote.
func (n *Node) newCandidate(term types.Term, now time.Time) *candidate {
	c := &candidate{
		n:           n,
		currentTerm: term + 1,
		votes:       map[uint64]bool{n.memberIDs[n.id]: true},
		rpc:         n.newRPCGroup(),
		startedAt:   now,
		timeout:     n.electionTimeout(),
	}
	n.setLeader("")
	n.metrics.IncCounter(metrics.RaftElections, map[string]string{"node": string(n.id)}, 1)

	req := VoteRequest{
		Term:         c.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: types.LogIndex(n.store.LastIndex()),
	}
	for id, p := range n.peers {
		c.pending = append(c.pending, pendingVote{
			peer: id,
			reply: call(c.rpc, func(ctx context.Context) (VoteReply, error) {
				return p.RequestVote(ctx, req)
			}),
		})
	}
	n.log.Debug("election started", "term", c.currentTerm, "timeout", c.timeout)
	return c
}

func (c *candidate) role() types.Role { return types.RoleCandidate }
func (c *candidate) term() types.Term { return c.currentTerm }
func (c *candidate) exit()            { c.rpc.stop() }

func (c *candidate) tick(now time.Time) state {
	remaining := c.pending[:0]
	for _, pv := range c.pending {
		res, ok := poll(pv.reply)
		if !ok {
			remaining = append(remaining, pv)
			continue
		}
		if res.err != nil {
			c.n.log.Debug("vote request failed", "peer", pv.peer, "error", res.err)
			continue
		}
		if res.val.Term > c.currentTerm {
			return c.n.newFollower(res.val.Term, false, now)
		}
		c.votes[c.n.memberIDs[pv.peer]] = res.val.Granted
	}
	c.pending = remaining

	switch c.n.tally(c.votes) {
	case quorum.VoteWon:
		return c.n.newLeader(c.currentTerm, now)
	case quorum.VoteLost:
		return c.n.newFollower(c.currentTerm, true, now)
	}

	if now.Sub(c.startedAt) > c.timeout {
		c.n.log.Info("election timed out without a decision", "term", c.currentTerm)
		return c.n.newCandidate(c.currentTerm, now)
	}
	return nil
}

func (c *candidate) onMessage(ev any, now time.Time) state {
	switch e := ev.(type) {
	case voteEvent:
		if e.req.Term > c.currentTerm {
			f := c.n.newFollower(e.req.Term, false, now)
			f.onMessage(ev, now)
			return f
		}
		e.reply <- VoteReply{Term: c.currentTerm, Granted: false}
	case appendEvent:
		if e.req.Term >= c.currentTerm {
			f := c.n.newFollower(e.req.Term, e.req.Term == c.currentTerm, now)
			f.onMessage(ev, now)
			return f
		}
		e.reply <- AppendEntriesReply{Term: c.currentTerm, Success: false}
	default:
		c.n.replyNotLeader(ev)
	}
	return nil
}
