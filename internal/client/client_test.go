package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Bearer string `json:"bearer"`
	Body   string `json:"body"`
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echo{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Bearer: r.Header.Get("Authorization"),
			Body:   string(body),
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClientRequests(t *testing.T) {
	ts := echoServer(t)
	c := New(ts.URL+"/", WithBearer("tok"))
	ctx := t.Context()

	var got echo
	require.NoError(t, c.Get(ctx, "api/pairs", &got))
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/api/pairs", got.Path)
	assert.Equal(t, "Bearer tok", got.Bearer)
	assert.Empty(t, got.Body)

	require.NoError(t, c.Post(ctx, "/api/pair/confirm", map[string]string{"code": "123456"}, &got))
	assert.Equal(t, http.MethodPost, got.Method)
	assert.JSONEq(t, `{"code":"123456"}`, got.Body)

	require.NoError(t, c.Delete(ctx, ts.URL+"/api/pairs/p1", &got), "absolute URLs bypass the base URL")
	assert.Equal(t, http.MethodDelete, got.Method)
	assert.Equal(t, "/api/pairs/p1", got.Path)

	require.NoError(t, c.Get(ctx, "/health", nil), "nil out discards the body")
}

func TestClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGone)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "pairing token expired", Code: CodeTokenExpired})
		case "/plain":
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(ts.URL)

	tests := []struct {
		path    string
		status  int
		code    string
		message string
	}{
		{"/json", http.StatusGone, CodeTokenExpired, "pairing token expired"},
		{"/plain", http.StatusBadGateway, "", "upstream exploded"},
		{"/empty", http.StatusNotFound, "", "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := c.Get(t.Context(), tt.path, nil)
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, tt.code, Code(fmt.Errorf("wrapped: %w", err)))
		})
	}

	assert.Empty(t, Code(errors.New("plain")))
}

func TestClientTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := New(ts.URL, WithTimeout(50*time.Millisecond))
	err := c.Get(context.Background(), "/slow", nil)
	require.Error(t, err)
	assert.Empty(t, Code(err))
}

func TestParseSSEStream(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"",
		"event: ready",
		`data: {"subscription":"s1"}`,
		"",
		"event: pairing_request",
		`data: {"a":1,`,
		`data: "b":2}`,
		"",
		"event: no_data",
		"",
	}, "\n")

	var events []SSEEvent
	require.NoError(t, parseSSEStream(strings.NewReader(stream), func(ev SSEEvent) {
		events = append(events, ev)
	}))

	require.Len(t, events, 2)
	assert.Equal(t, "ready", events[0].Type)
	assert.Equal(t, "pairing_request", events[1].Type)
	assert.Equal(t, "{\"a\":1,\n\"b\":2}", events[1].Data)
}

func TestStreamEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pairing_request,pairing_complete", r.URL.Query().Get("types"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ready\ndata: {}\n\nevent: pairing_complete\ndata: {\"pair_id\":\"p1\"}\n\n")
	}))
	defer ts.Close()

	var got []string
	err := New(ts.URL).StreamEvents(t.Context(), []string{"pairing_request", "pairing_complete"}, func(ev SSEEvent) {
		got = append(got, ev.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ready", "pairing_complete"}, got)
}

func TestStreamEventsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "local access only", Code: CodeForbidden})
	}))
	defer ts.Close()

	err := New(ts.URL).StreamEvents(t.Context(), nil, func(SSEEvent) {})
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, Code(err))
}
