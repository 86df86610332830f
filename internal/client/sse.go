// ABOUTME: Server-sent events reader for GET /api/events
// ABOUTME: Parses event/data frames and hands them to a callback

package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Type string
	Data string
}

// StreamEvents subscribes to the node's signaling stream and calls onEvent
// for each event until ctx is cancelled or the server closes the stream.
// types filters by event type; none means all.
func (c *Client) StreamEvents(ctx context.Context, types []string, onEvent func(SSEEvent)) error {
	path := "/api/events"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	// The stream is long-lived, so the client timeout must not apply.
	hc := *c.http
	hc.Timeout = 0

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	err = parseSSEStream(resp.Body, onEvent)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// parseSSEStream reads SSE events from body. Comment lines are skipped.
func parseSSEStream(body io.Reader, onEvent func(SSEEvent)) error {
	scanner := bufio.NewScanner(body)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 && onEvent != nil {
				onEvent(SSEEvent{Type: eventType, Data: strings.Join(dataLines, "\n")})
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}
