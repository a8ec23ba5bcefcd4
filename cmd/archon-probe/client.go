// ABOUTME: Minimal transport client used by the probe commands.
// ABOUTME: Handles the handshake, correlated calls, and the SSE push channel.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/miiwins/archon/internal/protocol"
)

// Client speaks the transport against a single session.
type Client struct {
	endpoint string
	token    string
	http     *http.Client

	sessionID       string
	protocolVersion string
	mode            string
	nextID          atomic.Int64
}

func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{},
	}
}

// SessionID returns the negotiated session id, empty before Initialize.
func (c *Client) SessionID() string { return c.sessionID }

// Mode returns the delivery mode the server granted.
func (c *Client) Mode() string { return c.mode }

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Mode            string `json:"mode"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// Initialize opens a session in the requested mode. With mode empty the
// server picks based on the Accept header.
func (c *Client) Initialize(ctx context.Context, mode string) (*initializeResult, error) {
	params := map[string]string{}
	if mode != "" {
		params["mode"] = mode
	}
	msg, err := c.newRequest("initialize", params)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, msg, mode != "fallback")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reply, err := readMessage(resp.Body)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error
	}

	c.sessionID = resp.Header.Get(protocol.HeaderSessionID)
	if c.sessionID == "" {
		return nil, fmt.Errorf("server returned no session id")
	}

	var result initializeResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding initialize result: %w", err)
	}
	c.protocolVersion = result.ProtocolVersion
	c.mode = result.Mode
	return &result, nil
}

// Call sends a request and returns the server's response. On a fallback
// session the response arrives on the POST itself; on a streaming session it
// arrives on the push channel, so Call only works in fallback mode.
func (c *Client) Call(ctx context.Context, method string, params any) (*protocol.Message, error) {
	if c.mode != "fallback" {
		return nil, fmt.Errorf("call requires a fallback session, this one is %s", c.mode)
	}

	msg, err := c.newRequest(method, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, msg, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("session not found (expired or terminated)")
	}
	return readMessage(resp.Body)
}

// Submit sends a request on a streaming session; the response will arrive on
// the push channel.
func (c *Client) Submit(ctx context.Context, method string, params any) error {
	msg, err := c.newRequest(method, params)
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, msg, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		reply, err := readMessage(resp.Body)
		if err != nil {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		if reply.Error != nil {
			return reply.Error
		}
	}
	return nil
}

// Listen opens the push channel and invokes fn for every message until the
// context is canceled or the server closes the stream.
func (c *Client) Listen(ctx context.Context, fn func(*protocol.Message)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setSessionHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opening push channel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push channel refused: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		msg, err := protocol.DecodeBytes([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fn(msg)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading push channel: %w", err)
	}
	return nil
}

// Terminate destroys the session server-side.
func (c *Client) Terminate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setSessionHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("terminate failed: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(method string, params any) (*protocol.Message, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		raw = data
	}
	id, err := json.Marshal(c.nextID.Add(1))
	if err != nil {
		return nil, err
	}
	return &protocol.Message{
		JSONRPC: protocol.Version,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

func (c *Client) post(ctx context.Context, msg *protocol.Message, streaming bool) (*http.Response, error) {
	body, err := protocol.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "application/json, text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	c.setSessionHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

func (c *Client) setSessionHeaders(req *http.Request) {
	if c.sessionID != "" {
		req.Header.Set(protocol.HeaderSessionID, c.sessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set(protocol.HeaderProtocolVersion, c.protocolVersion)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readMessage(r io.Reader) (*protocol.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	msg, err := protocol.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return msg, nil
}
