package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// UpstreamClient streams chat completions from an OpenAI-compatible
// endpoint.
type UpstreamClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewUpstreamClient creates a client for the given base URL and key.
func NewUpstreamClient(apiKey, baseURL string) *UpstreamClient {
	return &UpstreamClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type upstreamRequest struct {
	Model     string          `json:"model"`
	Messages  json.RawMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream"`
}

// StreamChat sends a streaming completion request and returns the delta
// stream. Rate-limit responses are retried with exponential backoff; any
// other non-200 fails immediately.
func (c *UpstreamClient) StreamChat(ctx context.Context, model string, messages json.RawMessage, maxTokens int) (*DeltaStream, error) {
	body, err := json.Marshal(upstreamRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling upstream request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		ds, err := c.doStream(ctx, body)
		if err == nil {
			return ds, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *UpstreamClient) doStream(ctx context.Context, body []byte) (*DeltaStream, error) {
	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing upstream request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	// Cancel the timeout context when the stream is closed.
	return newDeltaStream(&cancelOnClose{ReadCloser: resp.Body, cancel: cancel}), nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// DeltaStream decodes the upstream SSE chunk stream into plain content
// deltas.
type DeltaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newDeltaStream(body io.ReadCloser) *DeltaStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	return &DeltaStream{body: body, scanner: scanner}
}

type upstreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Recv returns the next non-empty content delta, io.EOF at the end of the
// stream, or the upstream error.
func (d *DeltaStream) Recv() (string, error) {
	if d.done {
		return "", io.EOF
	}

	for d.scanner.Scan() {
		data, ok := strings.CutPrefix(d.scanner.Text(), "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			d.done = true
			return "", io.EOF
		}

		var chunk upstreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			d.done = true
			return "", fmt.Errorf("upstream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return chunk.Choices[0].Delta.Content, nil
		}
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		return "", fmt.Errorf("reading upstream stream: %w", err)
	}
	return "", io.EOF
}

// Close releases the upstream connection.
func (d *DeltaStream) Close() error {
	d.done = true
	return d.body.Close()
}
