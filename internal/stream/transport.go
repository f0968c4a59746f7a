package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/protocol"
)

// TransportError is fatal to a turn: the connection failed, the backend
// answered with a non-success status, or the response carried no body.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: backend status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport opens event streams against the orchestrator backend.
type Transport struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewTransport creates a transport for the given backend base URL.
func NewTransport(endpoint string, timeout time.Duration, logger *zap.Logger) *Transport {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Transport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Stream is a live event stream: a line reader over the response body plus
// the handle needed to release the connection.
type Stream struct {
	Lines *LineReader
	body  io.ReadCloser
}

// Close releases the underlying connection.
func (s *Stream) Close() error { return s.body.Close() }

// Open posts a chat request and returns the line stream of the response.
// Cancelling ctx aborts the stream; subsequent reads fail like any other
// transport failure.
func (t *Transport) Open(ctx context.Context, req *protocol.ChatRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		t.logger.Warn("stream request rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody))
		return nil, &TransportError{Op: "open", Status: resp.StatusCode}
	}
	if resp.Body == nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("response without body")}
	}

	return &Stream{Lines: NewLineReader(resp.Body), body: resp.Body}, nil
}

// Chat posts a chat request to the buffered endpoint and decodes the single
// JSON response. Used by callers that do not need live progress.
func (t *Transport) Chat(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		t.logger.Warn("chat request rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody))
		return nil, &TransportError{Op: "chat", Status: resp.StatusCode}
	}

	var out protocol.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "decode", Err: err}
	}
	return &out, nil
}

// Models fetches the backend's available chat models.
func (t *Transport) Models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models: backend status %d", resp.StatusCode)
	}

	var result struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("models: %w", err)
	}
	return result.Models, nil
}
