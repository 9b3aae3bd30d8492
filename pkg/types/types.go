package types

// NodeID identifies a node in a cluster. It is the node's advertised host:port.
type NodeID string

// Term is a consensus epoch; it never decreases on a node.
type Term uint64

// LogIndex is a position in the replicated log.
type LogIndex uint64

// Role is the consensus state a node is currently in.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)
