package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nulldb/pkg/consensus"
	"nulldb/pkg/dberrors"
)

const (
	DataPath    = "/v1/data/"
	CompactPath = "/v1/management/compact"
	StatusPath  = "/v1/management/status"
	HealthPath  = "/health"

	// StatusMisdirected is returned by a node that is not the leader.
	StatusMisdirected = http.StatusMisdirectedRequest

	// Error codes that tell apart the causes of a 503.
	CodeNodeStopped       = "node_stopped"
	CodeFailedToReplicate = "failed_to_replicate"

	defaultClientTimeout = 5 * time.Second
)

// Client talks to the client API of a node.
type Client struct {
	baseURL      string
	client       *http.Client
	followLeader bool
}

type ClientOption func(*Client)

// WithFollowLeader retries a request once against the leader a follower
// points to.
func WithFollowLeader() ClientOption {
	return func(c *Client) { c.followLeader = true }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.client.Timeout = d }
}

func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL(addr),
		client:  &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse mirrors the JSON body every client endpoint answers with.
type apiResponse struct {
	Status   string `json:"status,omitempty"`
	Value    string `json:"value,omitempty"`
	Encoding string `json:"enc,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
	Leader   string `json:"leader,omitempty"`
}

func (c *Client) Put(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, http.MethodPut, DataPath+url.PathEscape(key), value)
	return err
}

// Get returns the value of key. A deleted key yields dberrors.ErrValueDeleted
// and an unknown one dberrors.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, DataPath+url.PathEscape(key), "")
	if err != nil {
		return "", err
	}
	switch resp.Encoding {
	case "":
		return resp.Value, nil
	case "base64":
		v, err := base64.StdEncoding.DecodeString(resp.Value)
		if err != nil {
			return "", fmt.Errorf("decode value of %q: %w", key, err)
		}
		return string(v), nil
	default:
		return "", fmt.Errorf("value of %q: unknown encoding %q", key, resp.Encoding)
	}
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, DataPath+url.PathEscape(key), "")
	return err
}

func (c *Client) Compact(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, CompactPath, "")
	return err
}

func (c *Client) Status(ctx context.Context) (consensus.Status, error) {
	var st consensus.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+StatusPath, nil)
	if err != nil {
		return st, fmt.Errorf("create STATUS request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return st, fmt.Errorf("STATUS do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return st, fmt.Errorf("STATUS failed: %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode STATUS body: %w", err)
	}
	return st, nil
}

// Health reports whether the node answers its health check.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, HealthPath, "")
	return err
}

func (c *Client) do(ctx context.Context, method, path, body string) (apiResponse, error) {
	resp, err := c.doAt(ctx, c.baseURL, method, path, body)

	var nl *dberrors.NotLeaderError
	if c.followLeader && errors.As(err, &nl) && nl.Leader != "" {
		if leader := baseURL(nl.Leader); leader != c.baseURL {
			return c.doAt(ctx, leader, method, path, body)
		}
	}
	return resp, err
}

func (c *Client) doAt(ctx context.Context, base, method, path, body string) (apiResponse, error) {
	var reader io.Reader
	if body != "" || method == http.MethodPut {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return apiResponse{}, fmt.Errorf("create %s request: %w", method, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("%s do: %w", method, err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("read %s body: %w", method, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ar); err != nil {
			return apiResponse{}, fmt.Errorf("%s failed: %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}

	if resp.StatusCode == http.StatusOK {
		return ar, nil
	}
	return ar, statusToError(resp.StatusCode, ar)
}

// statusToError maps an API status back onto the dberrors sentinels.
func statusToError(code int, ar apiResponse) error {
	msg := ar.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusNotFound:
		return dberrors.ErrNotFound
	case http.StatusGone:
		return dberrors.ErrValueDeleted
	case StatusMisdirected:
		return &dberrors.NotLeaderError{Leader: ar.Leader}
	case http.StatusServiceUnavailable:
		if ar.Code == CodeNodeStopped {
			return fmt.Errorf("%w: %s", consensus.ErrStopped, msg)
		}
		return fmt.Errorf("%w: %s", dberrors.ErrFailedToReplicate, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", dberrors.ErrInvalidArgument, msg)
	default:
		return fmt.Errorf("remote error %d: %s", code, msg)
	}
}
