package consensus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"nulldb/pkg/store"
	"nulldb/pkg/types"
)

type VoteRequest struct {
	Term         types.Term     `json:"term"`
	CandidateID  types.NodeID   `json:"candidate_id"`
	LastLogIndex types.LogIndex `json:"last_log_index"`
	LastLogTerm  types.Term     `json:"last_log_term"`
}

func (msg VoteRequest) String() string {
	return fmt.Sprintf("VoteRequest{term: %d, candidateId: %q, lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateID, msg.LastLogIndex, msg.LastLogTerm)
}

type VoteReply struct {
	Term    types.Term `json:"term"`
	Granted bool       `json:"granted"`
}

func (msg VoteReply) String() string {
	return fmt.Sprintf("VoteReply{term: %d, granted: %v}", msg.Term, msg.Granted)
}

// LogEntry is one replicated write. Tombstone entries carry no value.
type LogEntry struct {
	Key       string
	Value     string
	Tombstone bool
}

// logEntryJSON is the wire form of LogEntry. Key and value travel base64
// encoded when either is not valid UTF-8.
type logEntryJSON struct {
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
	Encoding  string `json:"enc,omitempty"`
}

func (e LogEntry) MarshalJSON() ([]byte, error) {
	w := logEntryJSON{Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}
	if !utf8.ValidString(e.Key) || !utf8.ValidString(e.Value) {
		w.Encoding = "base64"
		w.Key = base64.StdEncoding.EncodeToString([]byte(e.Key))
		w.Value = base64.StdEncoding.EncodeToString([]byte(e.Value))
	}
	return json.Marshal(w)
}

func (e *LogEntry) UnmarshalJSON(b []byte) error {
	var w logEntryJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Encoding {
	case "":
	case "base64":
		key, err := base64.StdEncoding.DecodeString(w.Key)
		if err != nil {
			return fmt.Errorf("log entry key: %w", err)
		}
		value, err := base64.StdEncoding.DecodeString(w.Value)
		if err != nil {
			return fmt.Errorf("log entry value: %w", err)
		}
		w.Key, w.Value = string(key), string(value)
	default:
		return fmt.Errorf("log entry: unknown encoding %q", w.Encoding)
	}
	*e = LogEntry{Key: w.Key, Value: w.Value, Tombstone: w.Tombstone}
	return nil
}

type AppendEntriesRequest struct {
	Term         types.Term     `json:"term"`
	LeaderID     types.NodeID   `json:"leader_id"`
	PrevLogIndex types.LogIndex `json:"prev_log_index"`
	PrevLogTerm  types.Term     `json:"prev_log_term"`
	Entries      []LogEntry     `json:"entries,omitempty"`
	LeaderCommit types.LogIndex `json:"leader_commit"`
}

func (msg AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderID, msg.PrevLogIndex, msg.PrevLogTerm, len(msg.Entries), msg.LeaderCommit)
}

type AppendEntriesReply struct {
	Term    types.Term `json:"term"`
	Success bool       `json:"success"`
}

func (msg AppendEntriesReply) String() string {
	return fmt.Sprintf("AppendEntriesReply{term: %d, success: %v}", msg.Term, msg.Success)
}

func toStoreEntries(entries []LogEntry) []store.Entry {
	out := make([]store.Entry, len(entries))
	for i, e := range entries {
		out[i] = store.Entry{Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}
	}
	return out
}
