package consensus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/quorum"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/metrics"
	"nulldb/pkg/store"
	"nulldb/pkg/types"
)

type pendingAppend struct {
	peer  types.NodeID
	reply <-chan result[AppendEntriesReply]
}

// proposal is a client write waiting for acknowledgments.
type proposal struct {
	id      uuid.UUID
	index   uint64
	acks    map[uint64]bool
	pending []pendingAppend
	reply   chan error
}

type leader struct {
	n                *Node
	currentTerm      types.Term
	replicationIndex uint64
	lastHeartbeat    time.Time
	rpc              *rpcGroup
	heartbeats       []pendingAppend
	proposals        []*proposal
}

func (n *Node) newLeader(term types.Term, now time.Time) *leader {
	n.setLeader(n.id)
	return &leader{
		n:                n,
		currentTerm:      term,
		replicationIndex: n.store.LastIndex(),
		rpc:              n.newRPCGroup(),
	}
}

func (l *leader) role() types.Role { return types.RoleLeader }
func (l *leader) term() types.Term { return l.currentTerm }

// exit abandons outstanding calls. Writes still waiting for acks stay in
// local storage and are reported as not replicated.
func (l *leader) exit() {
	l.rpc.stop()
	for _, p := range l.proposals {
		l.finish(p, dberrors.ErrFailedToReplicate)
	}
	l.proposals = nil
}

func (l *leader) tick(now time.Time) state {
	if now.Sub(l.lastHeartbeat) >= l.n.cfg.HeartbeatInterval {
		l.lastHeartbeat = now
		l.heartbeats = append(l.heartbeats, l.broadcast(nil, l.replicationIndex)...)
	}

	remaining := l.heartbeats[:0]
	for _, pa := range l.heartbeats {
		res, ok := poll(pa.reply)
		if !ok {
			remaining = append(remaining, pa)
			continue
		}
		if res.err == nil && res.val.Term > l.currentTerm {
			l.n.log.Info("peer has a newer term, stepping down", "peer", pa.peer, "term", res.val.Term)
			return l.n.newFollower(res.val.Term, false, now)
		}
	}
	l.heartbeats = remaining

	var newest types.Term
	open := make([]*proposal, 0, len(l.proposals))
	for _, p := range l.proposals {
		newer, done := l.collect(p)
		newest = max(newest, newer)
		if !done {
			open = append(open, p)
		}
	}
	l.proposals = open
	if newest > l.currentTerm {
		l.n.log.Info("replication reply has a newer term, stepping down", "term", newest)
		return l.n.newFollower(newest, false, now)
	}
	return nil
}

// collect polls the replies of p and answers the client once the outcome is
// known. It reports a newer term seen in any reply.
func (l *leader) collect(p *proposal) (types.Term, bool) {
	var newer types.Term
	remaining := p.pending[:0]
	for _, pa := range p.pending {
		res, ok := poll(pa.reply)
		if !ok {
			remaining = append(remaining, pa)
			continue
		}
		switch {
		case res.err != nil:
			l.n.log.Warn("replication failed", "peer", pa.peer, "proposal", p.id, "error", res.err)
			p.acks[l.n.memberIDs[pa.peer]] = false
		case res.val.Term > l.currentTerm:
			newer = max(newer, res.val.Term)
			p.acks[l.n.memberIDs[pa.peer]] = false
		default:
			p.acks[l.n.memberIDs[pa.peer]] = res.val.Success
		}
	}
	p.pending = remaining

	switch l.n.tally(p.acks) {
	case quorum.VoteWon:
		l.finish(p, nil)
		return newer, true
	case quorum.VoteLost:
		l.finish(p, dberrors.ErrFailedToReplicate)
		return newer, true
	}
	return newer, false
}

func (l *leader) finish(p *proposal, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		l.n.log.Warn("entry not replicated to a majority", "proposal", p.id, "index", p.index)
	} else {
		l.n.log.Debug("entry replicated", "proposal", p.id, "index", p.index)
	}
	l.n.metrics.IncCounter(metrics.RaftProposals, map[string]string{"result": outcome}, 1)
	p.reply <- err
}

func (l *leader) broadcast(entries []LogEntry, prev uint64) []pendingAppend {
	req := AppendEntriesRequest{
		Term:         l.currentTerm,
		LeaderID:     l.n.id,
		PrevLogIndex: types.LogIndex(prev),
		PrevLogTerm:  l.currentTerm,
		Entries:      entries,
		LeaderCommit: types.LogIndex(l.replicationIndex),
	}
	out := make([]pendingAppend, 0, len(l.n.peers))
	for id, p := range l.n.peers {
		out = append(out, pendingAppend{
			peer: id,
			reply: call(l.rpc, func(ctx context.Context) (AppendEntriesReply, error) {
				return p.AppendEntries(ctx, req)
			}),
		})
	}
	return out
}

func (l *leader) onMessage(ev any, now time.Time) state {
	switch e := ev.(type) {
	case voteEvent:
		if e.req.Term > l.currentTerm {
			f := l.n.newFollower(e.req.Term, false, now)
			f.onMessage(ev, now)
			return f
		}
		e.reply <- VoteReply{Term: l.currentTerm, Granted: false}
	case appendEvent:
		if e.req.Term >= l.currentTerm {
			l.n.log.Warn("another leader claims the term", "leader", e.req.LeaderID, "term", e.req.Term)
			f := l.n.newFollower(e.req.Term, e.req.Term == l.currentTerm, now)
			f.onMessage(ev, now)
			return f
		}
		e.reply <- AppendEntriesReply{Term: l.currentTerm, Success: false}
	case proposeEvent:
		l.propose(e)
	case readEvent:
		rec, err := l.n.store.Get(e.key)
		e.reply <- readResult{rec: rec, err: err}
	}
	return nil
}

// propose writes the entry locally at the next index and replicates it. The
// local write is kept even if replication later fails.
func (l *leader) propose(e proposeEvent) {
	prev := max(l.replicationIndex, l.n.store.LastIndex())

	var err error
	if e.entry.Tombstone {
		err = l.n.store.LogEntries([]store.Entry{{Key: e.entry.Key, Tombstone: true}}, prev)
	} else {
		err = l.n.store.Log(e.entry.Key, e.entry.Value, prev)
	}
	if err != nil {
		l.n.log.Error("local write failed", "proposal", e.id, "key", e.entry.Key, "error", err)
		e.reply <- err
		return
	}
	l.replicationIndex = prev + 1

	p := &proposal{
		id:    e.id,
		index: l.replicationIndex,
		acks:  map[uint64]bool{l.n.memberIDs[l.n.id]: true},
		reply: e.reply,
	}
	p.pending = l.broadcast([]LogEntry{e.entry}, prev)

	if _, done := l.collect(p); !done {
		l.proposals = append(l.proposals, p)
	}
}
