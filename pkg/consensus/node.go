package consensus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.etcd.io/etcd/raft/v3/quorum"
	"go.uber.org/atomic"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/metrics"
	"nulldb/pkg/store"
	"nulldb/pkg/types"
)

const (
	DefaultTickInterval       = 5 * time.Millisecond
	DefaultHeartbeatInterval  = 100 * time.Millisecond
	DefaultMinElectionTimeout = time.Second
	DefaultMaxElectionTimeout = 2 * time.Second
	DefaultRPCTimeout         = 500 * time.Millisecond
	DefaultMaxInflightRPCs    = 256

	eventQueueSize = 1024
)

var ErrStopped = errors.New("consensus: node stopped")

// Peer is the client side of the inter-node RPCs.
type Peer interface {
	RequestVote(ctx context.Context, req VoteRequest) (VoteReply, error)
	AppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesReply, error)
}

type iStore interface {
	Get(key string) (encoding.Record, error)
	Log(key, value string, index uint64) error
	LogEntries(entries []store.Entry, index uint64) error
	LastIndex() uint64
}

type Config struct {
	ID types.NodeID

	TickInterval       time.Duration
	HeartbeatInterval  time.Duration
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
	RPCTimeout         time.Duration
	MaxInflightRPCs    int

	// Seed feeds the election timeout jitter; 0 derives one from the id and
	// the clock.
	Seed uint64

	Logger  *slog.Logger
	Metrics metrics.Collector
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MinElectionTimeout <= 0 {
		c.MinElectionTimeout = DefaultMinElectionTimeout
	}
	if c.MaxElectionTimeout < c.MinElectionTimeout {
		c.MaxElectionTimeout = 2 * c.MinElectionTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.MaxInflightRPCs <= 0 {
		c.MaxInflightRPCs = DefaultMaxInflightRPCs
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop{}
	}
}

// Status is a point-in-time view of a node.
type Status struct {
	ID     types.NodeID `json:"id"`
	Role   types.Role   `json:"role"`
	Term   types.Term   `json:"term"`
	Leader types.NodeID `json:"leader,omitempty"`
}

type (
	voteEvent struct {
		req   VoteRequest
		reply chan VoteReply
	}
	appendEvent struct {
		req   AppendEntriesRequest
		reply chan AppendEntriesReply
	}
	proposeEvent struct {
		id    uuid.UUID
		entry LogEntry
		reply chan error
	}
	readEvent struct {
		key   string
		reply chan readResult
	}
	readResult struct {
		rec encoding.Record
		err error
	}
)

// state is one of follower, candidate or leader. tick and onMessage return
// the next state, or nil to stay.
type state interface {
	role() types.Role
	term() types.Term
	tick(now time.Time) state
	onMessage(ev any, now time.Time) state
	exit()
}

// Node is a consensus participant. All state changes happen on the goroutine
// running Run; the exported methods talk to it through the event queue.
type Node struct {
	id      types.NodeID
	cfg     Config
	peers   map[types.NodeID]Peer
	store   iStore
	log     *slog.Logger
	metrics metrics.Collector

	members   quorum.MajorityConfig
	memberIDs map[types.NodeID]uint64

	ctx    context.Context
	cancel context.CancelFunc
	pool   *ants.Pool
	rnd    *rand.Rand
	events chan any
	done   chan struct{}

	state state

	curTerm   atomic.Uint64
	curRole   atomic.String
	curLeader atomic.String
}

func New(cfg Config, st iStore, peers map[types.NodeID]Peer) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("empty node id: %w", dberrors.ErrInvalidArgument)
	}
	cfg.setDefaults()

	pool, err := ants.NewPool(cfg.MaxInflightRPCs, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create rpc pool: %w", err)
	}

	others := make(map[types.NodeID]Peer, len(peers))
	for id, p := range peers {
		if id != cfg.ID {
			others[id] = p
		}
	}

	all := []types.NodeID{cfg.ID}
	for id := range others {
		all = append(all, id)
	}
	slices.Sort(all)
	members := quorum.MajorityConfig{}
	memberIDs := make(map[types.NodeID]uint64, len(all))
	for i, id := range all {
		memberIDs[id] = uint64(i + 1)
		members[uint64(i+1)] = struct{}{}
	}

	seed := cfg.Seed
	if seed == 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(cfg.ID))
		seed = h.Sum64() ^ uint64(time.Now().UnixNano())
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		peers:     others,
		store:     st,
		log:       cfg.Logger.With("node", cfg.ID),
		metrics:   cfg.Metrics,
		members:   members,
		memberIDs: memberIDs,
		ctx:       ctx,
		cancel:    cancel,
		pool:      pool,
		rnd:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		events:    make(chan any, eventQueueSize),
		done:      make(chan struct{}),
	}
	n.setState(n.newFollower(0, false, time.Now()))
	return n, nil
}

// Run drives the tick loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		n.state.exit()
		n.cancel()
		n.pool.Release()
		close(n.done)
	}()

	n.log.Info("consensus node started", "peers", len(n.peers), "cluster_size", len(n.members))
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		n.step(time.Now())
		select {
		case <-ctx.Done():
			n.log.Info("consensus node stopped", "term", n.state.term())
			return nil
		case <-ticker.C:
		}
	}
}

// step runs one iteration: tick the current state, then handle at most one
// queued event.
func (n *Node) step(now time.Time) {
	if next := n.state.tick(now); next != nil {
		n.transition(next)
	}
	select {
	case ev := <-n.events:
		if next := n.state.onMessage(ev, now); next != nil {
			n.transition(next)
		}
	default:
	}
}

func (n *Node) transition(next state) {
	prev := n.state
	prev.exit()
	n.setState(next)
	n.log.Info("state changed",
		"from", prev.role(),
		"to", next.role(),
		"term", next.term())
}

func (n *Node) setState(s state) {
	n.state = s
	n.curRole.Store(string(s.role()))
	n.observeTerm(s.term())

	var roleValue float64
	switch s.role() {
	case types.RoleCandidate:
		roleValue = 1
	case types.RoleLeader:
		roleValue = 2
	}
	n.metrics.SetGauge(metrics.RaftRole, map[string]string{"node": string(n.id)}, roleValue)
}

func (n *Node) observeTerm(t types.Term) {
	n.curTerm.Store(uint64(t))
	n.metrics.SetGauge(metrics.RaftTerm, map[string]string{"node": string(n.id)}, float64(t))
}

func (n *Node) setLeader(id types.NodeID) {
	n.curLeader.Store(string(id))
}

func (n *Node) rpcDropped() {
	n.metrics.IncCounter(metrics.RaftRPCDropped, map[string]string{"node": string(n.id)}, 1)
}

// electionTimeout picks a fresh random timeout in [min, max).
func (n *Node) electionTimeout() time.Duration {
	span := int64(n.cfg.MaxElectionTimeout - n.cfg.MinElectionTimeout)
	if span <= 0 {
		return n.cfg.MinElectionTimeout
	}
	return n.cfg.MinElectionTimeout + time.Duration(n.rnd.Int64N(span))
}

func (n *Node) tally(votes map[uint64]bool) quorum.VoteResult {
	return n.members.VoteResult(votes)
}

func (n *Node) notLeader() error {
	return &dberrors.NotLeaderError{Leader: n.curLeader.Load()}
}

func (n *Node) Status() Status {
	return Status{
		ID:     n.id,
		Role:   types.Role(n.curRole.Load()),
		Term:   types.Term(n.curTerm.Load()),
		Leader: types.NodeID(n.curLeader.Load()),
	}
}

func (n *Node) ID() types.NodeID { return n.id }

// submit queues ev and waits for its single reply.
func submit[T any](ctx context.Context, n *Node, ev any, reply <-chan T) (T, error) {
	var zero T
	select {
	case n.events <- ev:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-n.done:
		return zero, ErrStopped
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-n.done:
		return zero, ErrStopped
	}
}

func (n *Node) RequestVote(ctx context.Context, req VoteRequest) (VoteReply, error) {
	reply := make(chan VoteReply, 1)
	return submit(ctx, n, voteEvent{req: req, reply: reply}, reply)
}

func (n *Node) AppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesReply, error) {
	reply := make(chan AppendEntriesReply, 1)
	return submit(ctx, n, appendEvent{req: req, reply: reply}, reply)
}

// Put replicates a write. It returns a NotLeaderError on non-leaders and
// ErrFailedToReplicate when the local write could not reach a majority.
func (n *Node) Put(ctx context.Context, key, value string) error {
	return n.propose(ctx, LogEntry{Key: key, Value: value})
}

// Delete replicates a tombstone for key.
func (n *Node) Delete(ctx context.Context, key string) error {
	return n.propose(ctx, LogEntry{Key: key, Tombstone: true})
}

func (n *Node) propose(ctx context.Context, e LogEntry) error {
	if e.Key == "" {
		return fmt.Errorf("empty key: %w", dberrors.ErrInvalidArgument)
	}
	reply := make(chan error, 1)
	res, err := submit(ctx, n, proposeEvent{id: uuid.New(), entry: e, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Get reads key from the leader's local store.
func (n *Node) Get(ctx context.Context, key string) (encoding.Record, error) {
	reply := make(chan readResult, 1)
	res, err := submit(ctx, n, readEvent{key: key, reply: reply}, reply)
	if err != nil {
		return encoding.Record{}, err
	}
	return res.rec, res.err
}

// replyNotLeader answers the client events every non-leader state rejects.
func (n *Node) replyNotLeader(ev any) bool {
	switch e := ev.(type) {
	case proposeEvent:
		e.reply <- n.notLeader()
	case readEvent:
		e.reply <- readResult{err: n.notLeader()}
	default:
		return false
	}
	return true
}
