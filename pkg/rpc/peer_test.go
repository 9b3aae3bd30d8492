package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"nulldb/pkg/consensus"
	"nulldb/pkg/types"
)

func TestPeerRequestVote(t *testing.T) {
	var got consensus.VoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, VotePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(consensus.VoteReply{Term: got.Term, Granted: true})
	}))
	defer srv.Close()

	p := NewPeer(srv.URL, nil)
	reply, err := p.RequestVote(context.Background(), consensus.VoteRequest{
		Term:         3,
		CandidateID:  "n1",
		LastLogIndex: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, consensus.VoteReply{Term: 3, Granted: true}, reply)
	assert.Equal(t, types.NodeID("n1"), got.CandidateID)
	assert.Equal(t, types.LogIndex(12), got.LastLogIndex)
}

func TestPeerAppendEntries(t *testing.T) {
	var got consensus.AppendEntriesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, AppendPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(consensus.AppendEntriesReply{Term: 2, Success: true})
	}))
	defer srv.Close()

	req := consensus.AppendEntriesRequest{
		Term:         2,
		LeaderID:     "n2",
		PrevLogIndex: 4,
		Entries: []consensus.LogEntry{
			{Key: "a", Value: "1"},
			{Key: "b", Tombstone: true},
		},
	}
	reply, err := NewPeer(srv.URL, nil).AppendEntries(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, req, got)
}

func TestPeerDoesNotRetryStatusErrors(t *testing.T) {
	calls := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		http.Error(w, "node stopped", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewPeer(srv.URL, nil).RequestVote(context.Background(), consensus.VoteRequest{Term: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPeerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewPeer(addr, nil).AppendEntries(ctx, consensus.AppendEntriesRequest{Term: 1})
	require.Error(t, err)
}

func TestPeerHonorsContext(t *testing.T) {
	// The handler never reads the body, so it may not notice the client
	// going away; release unblocks it before the server shuts down.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewPeer(srv.URL, nil).RequestVote(ctx, consensus.VoteRequest{Term: 1})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9000", baseURL("127.0.0.1:9000"))
	assert.Equal(t, "http://h:1", baseURL("http://h:1/"))
	assert.Equal(t, "https://h:1", baseURL("https://h:1"))
}
