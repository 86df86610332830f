package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readSSEFrame reads one event/data frame, skipping keepalive comments.
func readSSEFrame(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestSSEHandler_StreamsEvents(t *testing.T) {
	b := NewBroadcaster("dev-local", nil)
	defer b.Close()

	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types=pairing_complete", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, data := readSSEFrame(t, reader)
	assert.Equal(t, "ready", event)
	var ready map[string]string
	require.NoError(t, json.Unmarshal([]byte(data), &ready))
	assert.Equal(t, "dev-local", ready["device_id"])
	assert.NotEmpty(t, ready["subscription"])

	b.Publish(PairingFailed("tok", "expired"))
	b.Publish(PairingComplete("tok", "pair-1", "acct_1", "dev-peer"))

	event, data = readSSEFrame(t, reader)
	assert.Equal(t, "pairing_complete", event)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, EventPairingComplete, ev.Type)
	assert.Equal(t, "dev-local", ev.DeviceID)
	assert.Equal(t, "acct_1", ev.Field("account_id"))
}

func TestSSEHandler_UnsubscribesOnDisconnect(t *testing.T) {
	b := NewBroadcaster("dev-local", nil)
	defer b.Close()

	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	readSSEFrame(t, bufio.NewReader(resp.Body))
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()
	resp.Body.Close()

	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
