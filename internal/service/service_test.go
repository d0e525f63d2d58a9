package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yayoboy/oxide-mesh/internal/shared"
)

func TestAutoDetectModel_ExactMatch(t *testing.T) {
	got, ok := AutoDetectModel([]string{"mistral", "llama3"}, []string{"llama3"})
	assert.True(t, ok)
	assert.Equal(t, "llama3", got)
}

func TestAutoDetectModel_SubstringMatch(t *testing.T) {
	got, ok := AutoDetectModel([]string{"mistral-7b-instruct"}, []string{"mistral"})
	assert.True(t, ok)
	assert.Equal(t, "mistral-7b-instruct", got)
}

func TestAutoDetectModel_FallsBackToFirst(t *testing.T) {
	got, ok := AutoDetectModel([]string{"codellama"}, []string{"nonexistent"})
	assert.True(t, ok)
	assert.Equal(t, "codellama", got)
}

func TestAutoDetectModel_NoneAvailable(t *testing.T) {
	_, ok := AutoDetectModel(nil, []string{"anything"})
	assert.False(t, ok)
}

func TestEnsureHealthy_HealthyWithModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"mistral"}]}`))
	}))
	defer srv.Close()

	m := New(nil)
	svc := &shared.ServiceDescriptor{ID: "ollama_local", Kind: shared.ServiceKindOllama, BaseURL: srv.URL}

	result := m.EnsureHealthy(context.Background(), svc, []string{"mistral"})
	assert.True(t, result.Healthy)
	assert.Equal(t, "mistral", result.SelectedModel)
}

func TestEnsureHealthy_Unreachable(t *testing.T) {
	m := New(nil)
	svc := &shared.ServiceDescriptor{ID: "ollama_local", Kind: shared.ServiceKindOllama, BaseURL: "http://127.0.0.1:1"}

	result := m.EnsureHealthy(context.Background(), svc, nil)
	assert.False(t, result.Healthy)
}
