// Package transport dispatches prompts to the chat relay and exposes the
// response as a lazy sequence of text fragments.
//
// The wire format is a line-oriented event stream: each event is a line
// `data: <JSON>` followed by a blank line, where the payload is either
// {"content": string} or {"error": string}, and the stream ends with a
// literal `data: [DONE]` line. This framing is shared with internal/relay
// and must not change.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/luoran/chatd/internal/store"
)

// ErrTransport marks network or backend failures during dispatch or
// streaming. Callers typically react by queueing the message offline.
var ErrTransport = errors.New("transport failure")

// maxLineSize bounds a single SSE line. Upstream deltas are small; this is
// generous headroom for error payloads.
const maxLineSize = 1 << 20

// ChatRequest is the relay's /api/chat request body.
type ChatRequest struct {
	Prompt   string             `json:"prompt,omitempty"`
	Provider string             `json:"provider,omitempty"`
	Images   []store.Attachment `json:"images,omitempty"`
	// Messages, when set, is a prebuilt OpenAI-style message array that the
	// relay forwards as-is instead of composing one from Prompt and Images.
	Messages  json.RawMessage `json:"messages,omitempty"`
	Model     string          `json:"model,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// Event is one decoded stream payload.
type Event struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Streamer issues a chat request and returns its fragment stream.
type Streamer interface {
	Stream(ctx context.Context, req ChatRequest) (*Stream, error)
}

// Client talks to a chatd relay over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a transport client for the relay at baseURL. No request
// timeout is set: streams are open-ended and deadlines belong to the
// caller's context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Stream dispatches the request and returns the fragment stream. The stream
// is finite and non-restartable; cancelling ctx aborts it mid-flight.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return NewStream(ctx, resp.Body), nil
}

// Stream yields response fragments in generation order. Recv returns io.EOF
// after the end marker; any other error terminates the stream for good.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
	err     error
}

// NewStream wraps a raw event-stream body. Used by Client and by tests that
// feed a stream directly.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Stream{ctx: ctx, body: body, scanner: scanner}
}

// Recv returns the next text fragment. It skips blank separator lines and
// empty-content events, returns io.EOF on the `[DONE]` marker or stream
// exhaustion, and surfaces {"error": ...} payloads as ErrTransport.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", s.err
	}

	for s.scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			return "", s.finish(err)
		}

		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return "", s.finish(io.EOF)
		}

		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// A malformed frame is skipped, not fatal; the stream either
			// recovers on the next frame or ends with an explicit signal.
			continue
		}
		if ev.Error != "" {
			return "", s.finish(fmt.Errorf("%w: %s", ErrTransport, ev.Error))
		}
		if ev.Content != "" {
			return ev.Content, nil
		}
	}

	if err := s.ctx.Err(); err != nil {
		return "", s.finish(err)
	}
	if err := s.scanner.Err(); err != nil {
		return "", s.finish(fmt.Errorf("%w: reading stream: %v", ErrTransport, err))
	}
	// Exhausted without a [DONE] marker: the producer closed cleanly after
	// its last fragment, treat as normal completion.
	return "", s.finish(io.EOF)
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	if s.err == nil {
		s.err = io.EOF
	}
	return s.body.Close()
}

func (s *Stream) finish(err error) error {
	s.done = true
	s.err = err
	s.body.Close()
	return err
}
