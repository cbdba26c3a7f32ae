// Package client implements intra-cluster PUT/GET re-entry: a node
// completing a map_to_n shuffle writes to a peer by re-entering the
// same HTTP protocol an ordinary client would use, rather than a
// second "shadow" write path. Retries 429/500, never 404/409.
//
// A small, typed wrapper around a configured *http.Client issuing
// plain HTTP requests with context-bound timeouts.
package client

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sharded4/s4/internal/s4err"
)

// Client issues control-channel calls against one peer node and
// streams the data-channel bytes itself, entirely in-process (no
// send/recv helper subprocess is needed client-side: the peer's recv
// binds a port and this Client just net.Dials it).
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a Client against a peer's "address:port" HTTP endpoint.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

type prepareResponse struct {
	JobID string `json:"job_id"`
	Port  int    `json:"port"`
}

func (c *Client) post(ctx context.Context, path string, query url.Values, body io.Reader) (*http.Response, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func statusToErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return s4err.New(s4err.KindMalformed, "%s", string(body))
	case http.StatusNotFound:
		return s4err.New(s4err.KindNotFound, "%s", string(body))
	case http.StatusConflict:
		return s4err.New(s4err.KindAlreadyExists, "%s", string(body))
	case http.StatusTooManyRequests:
		return s4err.New(s4err.KindBusy, "%s", string(body))
	default:
		return s4err.New(s4err.KindInternal, "peer returned %d: %s", resp.StatusCode, string(body))
	}
}

// Put re-enters the PUT protocol against a peer: prepare, stream bytes
// over the peer-allocated port, then confirm, exactly as a CLI client
// would.
func (c *Client) Put(ctx context.Context, k string, data []byte, computeChecksum func([]byte) string) error {
	q := url.Values{"key": {k}}
	resp, err := c.post(ctx, "/prepare_put", q, nil)
	if err != nil {
		return s4err.New(s4err.KindBusy, "prepare_put: %v", err)
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return err
	}

	var prep prepareResponse
	if err := json.NewDecoder(resp.Body).Decode(&prep); err != nil {
		return s4err.New(s4err.KindInternal, "decode prepare_put response: %v", err)
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return s4err.New(s4err.KindInternal, "parse peer base URL %q: %v", c.BaseURL, err)
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), strconv.Itoa(prep.Port)), c.HTTP.Timeout)
	if err != nil {
		return s4err.New(s4err.KindBusy, "dial peer transfer port: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return s4err.New(s4err.KindInternal, "stream to peer: %v", err)
	}
	conn.Close()

	checksum := computeChecksum(data)
	q = url.Values{"uuid": {prep.JobID}, "checksum": {checksum}}
	resp, err = c.post(ctx, "/confirm_put", q, nil)
	if err != nil {
		return s4err.New(s4err.KindBusy, "confirm_put: %v", err)
	}
	defer resp.Body.Close()
	return statusToErr(resp)
}

type prepareGetResponse struct {
	JobID string `json:"job_id"`
}

// Get re-enters the GET protocol against a peer: the client binds an
// ephemeral local port, tells the peer to stream to it via
// prepare_get, accepts the peer's send connection, then confirms with
// the checksum it computed while receiving — the client side of the
// same mirror-of-PUT protocol.
func (c *Client) Get(ctx context.Context, k string, computeChecksum func([]byte) string) ([]byte, error) {
	lis, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, s4err.New(s4err.KindInternal, "listen for peer send: %v", err)
	}
	defer lis.Close()
	_, portStr, err := net.SplitHostPort(lis.Addr().String())
	if err != nil {
		return nil, s4err.New(s4err.KindInternal, "parse listener address: %v", err)
	}

	q := url.Values{"key": {k}, "port": {portStr}}
	resp, err := c.post(ctx, "/prepare_get", q, nil)
	if err != nil {
		return nil, s4err.New(s4err.KindBusy, "prepare_get: %v", err)
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return nil, err
	}
	var prep prepareGetResponse
	if err := json.NewDecoder(resp.Body).Decode(&prep); err != nil {
		return nil, s4err.New(s4err.KindInternal, "decode prepare_get response: %v", err)
	}

	conn, err := lis.Accept()
	if err != nil {
		return nil, s4err.New(s4err.KindBusy, "accept peer send connection: %v", err)
	}
	data, err := io.ReadAll(conn)
	conn.Close()
	if err != nil {
		return nil, s4err.New(s4err.KindInternal, "read from peer: %v", err)
	}

	checksum := computeChecksum(data)
	q = url.Values{"uuid": {prep.JobID}, "checksum": {checksum}}
	resp, err = c.post(ctx, "/confirm_get", q, nil)
	if err != nil {
		return nil, s4err.New(s4err.KindBusy, "confirm_get: %v", err)
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return nil, err
	}
	return data, nil
}

// PutWithRetry wraps Put with an unlimited-retry-except-terminal
// policy: 429 and 500 retry with jittered backoff; 404 and 409 are
// terminal and returned immediately.
func (c *Client) PutWithRetry(ctx context.Context, k string, data []byte, computeChecksum func([]byte) string, backoff time.Duration) error {
	for attempt := 0; ; attempt++ {
		err := c.Put(ctx, k, data, computeChecksum)
		if err == nil {
			return nil
		}
		se, ok := s4err.As(err)
		if !ok || !se.Retryable() {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff, attempt)):
		}
	}
}

func jittered(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(min(attempt, 6)))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}
