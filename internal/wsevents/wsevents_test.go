package wsevents

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub()
	done := make(chan struct{})
	go h.Run(done)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})
	return h, srv
}

func TestHub_BroadcastsTaskCompletedToConnectedClient(t *testing.T) {
	h, srv := startTestHub(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the hub a moment to process the registration before broadcasting.
	time.Sleep(50 * time.Millisecond)
	h.EmitTaskCompleted("task-123")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "task_completed")
	assert.Contains(t, string(msg), "task-123")
}

func TestHub_DropsEventsWhenBroadcastChannelFull(t *testing.T) {
	h := NewHub()
	// deliberately do not run h.Run, so the broadcast channel never drains.

	for i := 0; i < 64; i++ {
		h.EmitStats(map[string]int{"n": i})
	}
	// one more emit past capacity must not block the test.
	h.EmitStats(map[string]int{"n": 999})
}
