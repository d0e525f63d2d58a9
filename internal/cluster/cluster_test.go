package cluster

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yayoboy/oxide-mesh/internal/shared"
	"github.com/yayoboy/oxide-mesh/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func localNodeFn(id string) func() shared.PeerNode {
	return func() shared.PeerNode {
		return shared.PeerNode{NodeID: id, Hostname: "local", Healthy: true, Enabled: true}
	}
}

func TestScoreNode_PenalizesActiveTasksHeavily(t *testing.T) {
	idle := shared.PeerNode{CPUPercent: 50, MemPercent: 50, ActiveTasks: 0}
	busy := shared.PeerNode{CPUPercent: 10, MemPercent: 10, ActiveTasks: 5}
	assert.Less(t, scoreNode(idle), scoreNode(busy))
}

func TestHandleDatagram_AddsNewPeer(t *testing.T) {
	c, err := New(openTestStore(t), 8888, time.Second, localNodeFn("local-1"))
	require.NoError(t, err)

	msg := shared.DiscoveryMessage{
		Type: shared.DiscoveryMessageType,
		Node: shared.PeerNode{NodeID: "peer-1", Hostname: "peer", IP: "10.0.0.2", Port: 9001},
	}
	payload := mustMarshal(t, msg)
	c.handleDatagram(payload, "local-1")

	peers := c.AllPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-1", peers[0].NodeID)
	assert.True(t, peers[0].Healthy)
}

func TestHandleDatagram_IgnoresOwnBroadcast(t *testing.T) {
	c, err := New(openTestStore(t), 8888, time.Second, localNodeFn("local-1"))
	require.NoError(t, err)

	msg := shared.DiscoveryMessage{Type: shared.DiscoveryMessageType, Node: shared.PeerNode{NodeID: "local-1"}}
	c.handleDatagram(mustMarshal(t, msg), "local-1")

	assert.Len(t, c.AllPeers(), 0)
}

func TestBestNodeForTask_PrefersLowerScore(t *testing.T) {
	c, err := New(openTestStore(t), 8888, time.Second, localNodeFn("local-1"))
	require.NoError(t, err)

	svc := map[string]shared.ServiceSummary{"ollama_local": {Type: shared.ServiceKindOllama}}
	c.peers["busy"] = &shared.PeerNode{NodeID: "busy", Healthy: true, Enabled: true, Services: svc, ActiveTasks: 5}
	c.peers["idle"] = &shared.PeerNode{NodeID: "idle", Healthy: true, Enabled: true, Services: svc, ActiveTasks: 0}

	best, ok := c.BestNodeForTask("ollama_local", nil)
	require.True(t, ok)
	assert.Equal(t, "idle", best.NodeID)
}

func TestMonitorHealth_SweepEvictsStalePeers(t *testing.T) {
	c, err := New(openTestStore(t), 8888, 10*time.Millisecond, localNodeFn("local-1"))
	require.NoError(t, err)

	c.mu.Lock()
	c.peers["stale"] = &shared.PeerNode{NodeID: "stale", Healthy: true, LastSeen: time.Now().Add(-time.Hour)}
	c.mu.Unlock()

	c.sweepOnce(10 * time.Millisecond)
	assert.Len(t, c.AllPeers(), 0)
}

func TestExecuteTaskOnNode_SendsPromptFilesAndPreferences(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSONResult(w, "ok from peer")
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	c, err := New(openTestStore(t), 8888, time.Second, localNodeFn("local-1"))
	require.NoError(t, err)

	node := shared.PeerNode{NodeID: "peer-1", IP: host, Port: port}
	prefs := map[string]string{"preferred_service": "qwen"}
	result, err := c.ExecuteTaskOnNode(context.Background(), node, "hi", []string{"a.go"}, prefs)
	require.NoError(t, err)
	assert.Equal(t, "ok from peer", result)

	assert.Equal(t, "hi", gotBody["prompt"])
	assert.Equal(t, []any{"a.go"}, gotBody["files"])
	assert.Equal(t, map[string]any{"preferred_service": "qwen"}, gotBody["preferences"])
}

func writeJSONResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"result": result})
}

func splitHostPort(t *testing.T, url string) (string, int) {
	t.Helper()
	trimmed := strings.TrimPrefix(url, "http://")
	host, portStr, err := net.SplitHostPort(trimmed)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
