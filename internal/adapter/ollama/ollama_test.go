package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
)

func TestAdapter_Execute_ConcatenatesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"hel","done":false}` + "\n"))
		w.Write([]byte(`{"response":"lo","done":false}` + "\n"))
		w.Write([]byte(`{"response":"","done":true}` + "\n"))
	}))
	defer srv.Close()

	a := New(srv.URL)
	out, err := a.Execute(context.Background(), adapter.Request{Prompt: "hi", Model: "mistral", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestAdapter_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := New(srv.URL)
	assert.True(t, a.Healthy(context.Background()))
}

func TestAdapter_Healthy_Unreachable(t *testing.T) {
	a := New("http://127.0.0.1:1")
	assert.False(t, a.Healthy(context.Background()))
}
