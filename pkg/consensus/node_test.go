package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/store"
	"nulldb/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	last    uint64
	applied []store.Entry
	prev    []uint64
	failLog error
}

func (s *fakeStore) Get(key string) (encoding.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.applied) - 1; i >= 0; i-- {
		if s.applied[i].Key == key {
			return encoding.NewRecord(key, 0, s.applied[i].Value), nil
		}
	}
	return encoding.Record{}, dberrors.ErrNotFound
}

func (s *fakeStore) Log(key, value string, index uint64) error {
	return s.LogEntries([]store.Entry{{Key: key, Value: value}}, index)
}

func (s *fakeStore) LogEntries(entries []store.Entry, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLog != nil {
		return s.failLog
	}
	s.applied = append(s.applied, entries...)
	s.prev = append(s.prev, index)
	s.last = max(s.last, index+uint64(len(entries)))
	return nil
}

func (s *fakeStore) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// scriptedPeer answers every RPC with fixed replies.
type scriptedPeer struct {
	vote   VoteReply
	append AppendEntriesReply
	err    error
}

func (p *scriptedPeer) RequestVote(context.Context, VoteRequest) (VoteReply, error) {
	return p.vote, p.err
}

func (p *scriptedPeer) AppendEntries(context.Context, AppendEntriesRequest) (AppendEntriesReply, error) {
	return p.append, p.err
}

func newTestNode(t *testing.T, st iStore, peers map[types.NodeID]Peer) *Node {
	t.Helper()
	cfg := testConfig("n1")
	cfg.Seed = 42
	n, err := New(cfg, st, peers)
	require.NoError(t, err)
	t.Cleanup(func() {
		n.state.exit()
		n.cancel()
		n.pool.Release()
	})
	return n
}

func deliverVote(n *Node, req VoteRequest, now time.Time) VoteReply {
	ev := voteEvent{req: req, reply: make(chan VoteReply, 1)}
	n.events <- ev
	n.step(now)
	return <-ev.reply
}

func deliverAppend(n *Node, req AppendEntriesRequest, now time.Time) AppendEntriesReply {
	ev := appendEvent{req: req, reply: make(chan AppendEntriesReply, 1)}
	n.events <- ev
	n.step(now)
	return <-ev.reply
}

func isLeader(n *Node) bool {
	return n.Status().Role == types.RoleLeader
}

// stepUntil steps the node until cond holds; RPC results arrive from the pool.
func stepUntil(t *testing.T, n *Node, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		n.step(time.Now())
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func TestElectionTimeoutJitter(t *testing.T) {
	n := newTestNode(t, &fakeStore{}, nil)
	seen := map[time.Duration]bool{}
	for i := 0; i < 200; i++ {
		d := n.electionTimeout()
		assert.GreaterOrEqual(t, d, n.cfg.MinElectionTimeout)
		assert.Less(t, d, n.cfg.MaxElectionTimeout)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 10, "timeouts must be randomized")
}

func TestFollowerGrantsOneVotePerTerm(t *testing.T) {
	n := newTestNode(t, &fakeStore{}, nil)
	now := time.Now()

	r := deliverVote(n, VoteRequest{Term: 1, CandidateID: "a"}, now)
	assert.Equal(t, VoteReply{Term: 1, Granted: true}, r)

	r = deliverVote(n, VoteRequest{Term: 1, CandidateID: "b"}, now)
	assert.Equal(t, VoteReply{Term: 1, Granted: false}, r)

	r = deliverVote(n, VoteRequest{Term: 2, CandidateID: "b"}, now)
	assert.Equal(t, VoteReply{Term: 2, Granted: true}, r)

	r = deliverVote(n, VoteRequest{Term: 1, CandidateID: "c"}, now)
	assert.Equal(t, VoteReply{Term: 2, Granted: false}, r)
	assert.Equal(t, types.Term(2), n.Status().Term)
}

func TestFollowerDeniesStaleLog(t *testing.T) {
	n := newTestNode(t, &fakeStore{last: 10}, nil)
	r := deliverVote(n, VoteRequest{Term: 3, CandidateID: "a", LastLogIndex: 9}, time.Now())
	assert.False(t, r.Granted)
	assert.Equal(t, types.Term(3), r.Term)

	r = deliverVote(n, VoteRequest{Term: 3, CandidateID: "b", LastLogIndex: 10}, time.Now())
	assert.True(t, r.Granted)
}

func TestFollowerAppliesEntries(t *testing.T) {
	st := &fakeStore{}
	n := newTestNode(t, st, nil)

	r := deliverAppend(n, AppendEntriesRequest{
		Term:         4,
		LeaderID:     "n2",
		PrevLogIndex: 7,
		Entries:      []LogEntry{{Key: "a", Value: "1"}, {Key: "b", Tombstone: true}},
	}, time.Now())
	assert.Equal(t, AppendEntriesReply{Term: 4, Success: true}, r)
	assert.Equal(t, []store.Entry{{Key: "a", Value: "1"}, {Key: "b", Tombstone: true}}, st.applied)
	assert.Equal(t, []uint64{7}, st.prev)

	status := n.Status()
	assert.Equal(t, types.RoleFollower, status.Role)
	assert.Equal(t, types.NodeID("n2"), status.Leader)

	r = deliverAppend(n, AppendEntriesRequest{Term: 3, LeaderID: "old"}, time.Now())
	assert.Equal(t, AppendEntriesReply{Term: 4, Success: false}, r)
}

func TestFollowerStorageErrorKeepsElectionClock(t *testing.T) {
	st := &fakeStore{failLog: dberrors.ErrIO}
	n := newTestNode(t, st, nil)
	f := n.state.(*follower)
	start := f.lastHeartbeat

	r := deliverAppend(n, AppendEntriesRequest{
		Term:    1,
		Entries: []LogEntry{{Key: "a", Value: "1"}},
	}, start.Add(50*time.Millisecond))
	assert.False(t, r.Success)
	assert.Equal(t, start, n.state.(*follower).lastHeartbeat)
}

func TestFollowerAnswersNotLeaderWithHint(t *testing.T) {
	n := newTestNode(t, &fakeStore{}, nil)
	deliverAppend(n, AppendEntriesRequest{Term: 1, LeaderID: "n9"}, time.Now())

	ev := proposeEvent{entry: LogEntry{Key: "k", Value: "v"}, reply: make(chan error, 1)}
	n.events <- ev
	n.step(time.Now())
	err := <-ev.reply
	assert.ErrorIs(t, err, dberrors.ErrNotLeader)
	var nl *dberrors.NotLeaderError
	require.True(t, errors.As(err, &nl))
	assert.Equal(t, "n9", nl.Leader)
}

func TestFollowerTimesOutIntoCandidate(t *testing.T) {
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{
		"n2": &scriptedPeer{err: errors.New("unreachable")},
		"n3": &scriptedPeer{err: errors.New("unreachable")},
	})
	f := n.state.(*follower)

	n.step(f.lastHeartbeat.Add(f.timeout / 2))
	assert.Equal(t, types.RoleFollower, n.Status().Role)

	n.step(f.lastHeartbeat.Add(f.timeout + time.Millisecond))
	assert.Equal(t, types.RoleCandidate, n.Status().Role)
	assert.Equal(t, types.Term(1), n.Status().Term)
}

func TestCandidateWinsWithMajority(t *testing.T) {
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{
		"n2": &scriptedPeer{vote: VoteReply{Term: 1, Granted: true}, append: AppendEntriesReply{Term: 1, Success: true}},
		"n3": &scriptedPeer{vote: VoteReply{Term: 1, Granted: false}, append: AppendEntriesReply{Term: 1, Success: true}},
	})
	n.transition(n.newCandidate(0, time.Now()))
	assert.Equal(t, types.Term(1), n.Status().Term)

	stepUntil(t, n, func() bool { return isLeader(n) })
	assert.Equal(t, types.NodeID("n1"), n.Status().Leader)
}

func TestCandidateLosesToNoVotes(t *testing.T) {
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{
		"n2": &scriptedPeer{vote: VoteReply{Term: 1, Granted: false}},
		"n3": &scriptedPeer{vote: VoteReply{Term: 1, Granted: false}},
	})
	n.transition(n.newCandidate(0, time.Now()))

	stepUntil(t, n, func() bool { return n.Status().Role == types.RoleFollower })
	assert.Equal(t, types.Term(1), n.Status().Term)

	// It voted for itself in term 1 and must not vote again.
	r := deliverVote(n, VoteRequest{Term: 1, CandidateID: "n2"}, time.Now())
	assert.False(t, r.Granted)
}

func TestCandidateStepsDownOnNewerTerm(t *testing.T) {
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{
		"n2": &scriptedPeer{vote: VoteReply{Term: 9, Granted: false}},
	})
	n.transition(n.newCandidate(0, time.Now()))

	stepUntil(t, n, func() bool { return n.Status().Role == types.RoleFollower })
	assert.Equal(t, types.Term(9), n.Status().Term)
}

func TestCandidateHandlesRequests(t *testing.T) {
	blocked := &scriptedPeer{err: context.DeadlineExceeded}
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{"n2": blocked, "n3": blocked})
	now := time.Now()
	n.transition(n.newCandidate(4, now))

	r := deliverVote(n, VoteRequest{Term: 5, CandidateID: "n2"}, now)
	assert.False(t, r.Granted)
	assert.Equal(t, types.RoleCandidate, n.Status().Role)

	a := deliverAppend(n, AppendEntriesRequest{Term: 5, LeaderID: "n3"}, now)
	assert.True(t, a.Success)
	assert.Equal(t, types.RoleFollower, n.Status().Role)
	assert.Equal(t, types.Term(5), n.Status().Term)

	// Still term 5, and the vote was spent on itself.
	r = deliverVote(n, VoteRequest{Term: 5, CandidateID: "n2"}, now)
	assert.False(t, r.Granted)
}

func TestCandidateRestartsElectionAfterTimeout(t *testing.T) {
	blocked := &scriptedPeer{err: context.DeadlineExceeded}
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{"n2": blocked, "n3": blocked})
	start := time.Now()
	c := n.newCandidate(0, start)
	n.transition(c)

	n.step(start.Add(c.timeout + time.Millisecond))
	assert.Equal(t, types.RoleCandidate, n.Status().Role)
	assert.Equal(t, types.Term(2), n.Status().Term)
}

func TestLeaderReplication(t *testing.T) {
	ok := &scriptedPeer{append: AppendEntriesReply{Term: 1, Success: true}}
	failing := &scriptedPeer{err: errors.New("unreachable")}

	st := &fakeStore{last: 5}
	n := newTestNode(t, st, map[types.NodeID]Peer{"n2": ok, "n3": failing})
	n.transition(n.newLeader(1, time.Now()))

	ev := proposeEvent{entry: LogEntry{Key: "k", Value: "v"}, reply: make(chan error, 1)}
	n.events <- ev
	var err error
	stepUntil(t, n, func() bool {
		select {
		case err = <-ev.reply:
			return true
		default:
			return false
		}
	})
	assert.NoError(t, err)
	assert.Equal(t, uint64(6), st.LastIndex())
	assert.Equal(t, []uint64{5}, st.prev)

	read := readEvent{key: "k", reply: make(chan readResult, 1)}
	n.events <- read
	n.step(time.Now())
	res := <-read.reply
	require.NoError(t, res.err)
	v, _ := res.rec.Value()
	assert.Equal(t, "v", v)
}

func TestLeaderReportsFailedReplication(t *testing.T) {
	failing := &scriptedPeer{err: errors.New("unreachable")}
	st := &fakeStore{}
	n := newTestNode(t, st, map[types.NodeID]Peer{"n2": failing, "n3": failing})
	n.transition(n.newLeader(1, time.Now()))

	ev := proposeEvent{entry: LogEntry{Key: "k", Tombstone: true}, reply: make(chan error, 1)}
	n.events <- ev
	var err error
	stepUntil(t, n, func() bool {
		select {
		case err = <-ev.reply:
			return true
		default:
			return false
		}
	})
	assert.ErrorIs(t, err, dberrors.ErrFailedToReplicate)
	// The local write stays.
	assert.Equal(t, []store.Entry{{Key: "k", Tombstone: true}}, st.applied)
	assert.True(t, isLeader(n))
}

func TestLeaderLocalWriteFailure(t *testing.T) {
	st := &fakeStore{failLog: dberrors.ErrIO}
	n := newTestNode(t, st, nil)
	n.transition(n.newLeader(1, time.Now()))

	ev := proposeEvent{entry: LogEntry{Key: "k", Value: "v"}, reply: make(chan error, 1)}
	n.events <- ev
	n.step(time.Now())
	assert.ErrorIs(t, <-ev.reply, dberrors.ErrIO)
}

func TestLeaderStepsDown(t *testing.T) {
	newer := &scriptedPeer{append: AppendEntriesReply{Term: 7, Success: false}}
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{"n2": newer})
	n.transition(n.newLeader(3, time.Now()))

	stepUntil(t, n, func() bool { return !isLeader(n) })
	assert.Equal(t, types.Term(7), n.Status().Term)
}

func TestLeaderGrantsHigherTermVote(t *testing.T) {
	idle := &scriptedPeer{err: context.DeadlineExceeded}
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{"n2": idle})
	now := time.Now()
	n.transition(n.newLeader(3, now))

	r := deliverVote(n, VoteRequest{Term: 3, CandidateID: "n2"}, now)
	assert.False(t, r.Granted)
	assert.True(t, isLeader(n))

	r = deliverVote(n, VoteRequest{Term: 4, CandidateID: "n2"}, now)
	assert.True(t, r.Granted)
	assert.Equal(t, types.RoleFollower, n.Status().Role)
}

func TestLeaderStepDownFailsPendingProposals(t *testing.T) {
	hang := &hangingPeer{}
	n := newTestNode(t, &fakeStore{}, map[types.NodeID]Peer{"n2": hang, "n3": hang})
	now := time.Now()
	n.transition(n.newLeader(1, now))

	ev := proposeEvent{entry: LogEntry{Key: "k", Value: "v"}, reply: make(chan error, 1)}
	n.events <- ev
	n.step(now)

	deliverAppend(n, AppendEntriesRequest{Term: 2, LeaderID: "n2"}, now)
	assert.ErrorIs(t, <-ev.reply, dberrors.ErrFailedToReplicate)
	assert.Equal(t, types.RoleFollower, n.Status().Role)
}

// hangingPeer blocks until the call is abandoned.
type hangingPeer struct{}

func (hangingPeer) RequestVote(ctx context.Context, _ VoteRequest) (VoteReply, error) {
	<-ctx.Done()
	return VoteReply{}, ctx.Err()
}

func (hangingPeer) AppendEntries(ctx context.Context, _ AppendEntriesRequest) (AppendEntriesReply, error) {
	<-ctx.Done()
	return AppendEntriesReply{}, ctx.Err()
}
