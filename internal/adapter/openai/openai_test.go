package openai

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	"github.com/yayoboy/oxide-mesh/internal/errs"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
			flusher.Flush()
		}
	}))
}

func TestAdapter_Execute_ConcatenatesDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"hel"},"finish_reason":null}]}`,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	a := New(srv.URL, "")
	out, err := a.Execute(context.Background(), adapter.Request{Prompt: "hi", Model: "gpt", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestAdapter_Healthy_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(srv.URL, "secret-key")
	assert.True(t, a.Healthy(context.Background()))
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestStream_MapsUnauthorizedToSecurityKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := New(srv.URL, "bad-key")
	_, err := a.Stream(context.Background(), adapter.Request{Prompt: "hi", Model: "gpt"})
	require.Error(t, err)
	assert.Equal(t, errs.Security, errs.KindOf(err))
}

func TestStream_MapsConnectionFailureToUnavailable(t *testing.T) {
	a := New("http://127.0.0.1:1", "")
	_, err := a.Stream(context.Background(), adapter.Request{Prompt: "hi", Model: "gpt"})
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
}

func TestAdapter_Healthy_Unreachable(t *testing.T) {
	a := New("http://127.0.0.1:1", "")
	assert.False(t, a.Healthy(context.Background()))
}

// sanity check the SSE framing helper itself reads line by line the way
// the adapter's bufio.Scanner does.
func TestSSEServer_EmitsLineDelimitedEvents(t *testing.T) {
	srv := sseServer(t, []string{`data: {"choices":[]}`, `data: [DONE]`})
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var count int
	for scanner.Scan() {
		if scanner.Text() != "" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}
