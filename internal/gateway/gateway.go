// Package gateway binds the engine's external collaborators over HTTP: the
// document executor and the tracing system's span lookup. The engine
// orchestrates these calls, it never implements them.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// DocumentClient calls a document execution service. The service answers
// with an NDJSON stream: one chain event per line, terminated by a line
// carrying the final outcome.
type DocumentClient struct {
	baseURL string
	client  *http.Client
}

// NewDocumentClient creates a client for the executor service at baseURL.
func NewDocumentClient(baseURL string, timeout time.Duration) *DocumentClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &DocumentClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// streamLine is one NDJSON line of the executor response.
type streamLine struct {
	UUID    string                  `json:"uuid,omitempty"`
	Event   *schema.ChainEvent      `json:"event,omitempty"`
	Outcome *schema.DocumentOutcome `json:"outcome,omitempty"`
}

// Run starts a document execution and adapts the response stream to the
// DocumentRun contract. The events channel closes when the stream ends; the
// done channel then delivers the final outcome.
func (c *DocumentClient) Run(ctx context.Context, req schema.DocumentRequest) (*schema.DocumentRun, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal document request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "document executor unreachable").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"document executor returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	// The first line identifies the run.
	var first streamLine
	if !scanner.Scan() {
		resp.Body.Close()
		return nil, schema.NewError(schema.ErrCodeExecution, "document executor closed the stream early")
	}
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil {
		resp.Body.Close()
		return nil, schema.NewError(schema.ErrCodeExecution, "malformed executor handshake").WithCause(err)
	}

	events := make(chan schema.ChainEvent)
	done := make(chan schema.DocumentOutcome, 1)

	go func() {
		defer resp.Body.Close()
		defer close(events)

		var outcome schema.DocumentOutcome
		for scanner.Scan() {
			var line streamLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			switch {
			case line.Outcome != nil:
				outcome = *line.Outcome
			case line.Event != nil:
				select {
				case events <- *line.Event:
				case <-ctx.Done():
					outcome.Error = schema.NewError(schema.ErrCodeCancelled, "document run aborted").WithCause(ctx.Err())
					done <- outcome
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && outcome.Error == nil {
			outcome.Error = schema.NewError(schema.ErrCodeExecution, "document stream failed").WithCause(err)
		}
		done <- outcome
	}()

	return &schema.DocumentRun{UUID: first.UUID, Events: events, Done: done}, nil
}

var _ schema.DocumentExecutor = (*DocumentClient)(nil)

// SpanClient looks spans up in the tracing system.
type SpanClient struct {
	baseURL string
	client  *http.Client
}

// NewSpanClient creates a client for the tracing service at baseURL.
func NewSpanClient(baseURL string, timeout time.Duration) *SpanClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SpanClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Lookup fetches the span of a conversation. A span that has not
// materialized yet is NOT_FOUND, which the experiment workflow polls past.
func (c *SpanClient) Lookup(ctx context.Context, conversationUUID string) (*schema.Span, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/spans/"+conversationUUID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "tracing service unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "span for conversation %s not found", conversationUUID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "tracing service returned %d", resp.StatusCode)
	}

	span := &schema.Span{}
	if err := json.NewDecoder(resp.Body).Decode(span); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "malformed span response").WithCause(err)
	}
	return span, nil
}
