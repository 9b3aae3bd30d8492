package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nulldb/pkg/consensus"
)

const (
	VotePath   = "/api/internal/raft/vote"
	AppendPath = "/api/internal/raft/append"

	contentTypeJSON  = "application/json"
	transportTimeout = 3 * time.Second
	maxRetries       = 2
	retryDelay       = 20 * time.Millisecond
)

// Peer sends consensus RPCs to one remote node as JSON over HTTP.
type Peer struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewPeer returns a Peer for addr, given as host:port or a full URL.
func NewPeer(addr string, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		baseURL: baseURL(addr),
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		log: logger.With("peer", addr),
	}
}

func (p *Peer) RequestVote(ctx context.Context, req consensus.VoteRequest) (consensus.VoteReply, error) {
	var reply consensus.VoteReply
	err := p.send(ctx, VotePath, req, &reply)
	return reply, err
}

func (p *Peer) AppendEntries(ctx context.Context, req consensus.AppendEntriesRequest) (consensus.AppendEntriesReply, error) {
	var reply consensus.AppendEntriesReply
	err := p.send(ctx, AppendPath, req, &reply)
	return reply, err
}

// send posts msg and decodes the reply. Transport failures are retried while
// ctx allows; a non-200 answer is not.
func (p *Peer) send(ctx context.Context, path string, msg, reply any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := p.sendHTTP(ctx, p.baseURL+path, body, reply)
		if err == nil {
			return nil
		}
		lastErr = err
		var status *statusError
		if errors.As(err, &status) {
			break
		}
		p.log.Debug("failed to send raft message, retrying",
			"attempt", attempt+1,
			"path", path,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("send %s: %w", path, ctx.Err())
		case <-time.After(retryDelay * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("send %s: %w", path, lastErr)
}

func (p *Peer) sendHTTP(ctx context.Context, url string, body []byte, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
