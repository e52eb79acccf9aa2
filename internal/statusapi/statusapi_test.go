package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleStatusServesSnapshot(t *testing.T) {
	s := New(":0", func() (interface{}, error) {
		return map[string]int{"peer_count": 3}, nil
	})
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body["peer_count"])
}

func TestHandleStatusSnapshotError(t *testing.T) {
	s := New(":0", func() (interface{}, error) {
		return nil, assert.AnError
	})
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStatusStreamBroadcastsEvents(t *testing.T) {
	s := New(":0", func() (interface{}, error) { return nil, nil })
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	s.Hub().Publish(Event{Type: "chunk_complete", Data: "a.bin#3"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "chunk_complete", ev.Type)
}
