// Package service manages the lifecycle of local backend services: health
// checks, platform-specific autostart of a local Ollama daemon, model
// discovery, and auto-selection — grounded directly on the original
// utils/service_manager.py's ensure_ollama_running / _check_ollama_health
// / _start_ollama / get_available_models / auto_detect_model /
// ensure_service_healthy / start_health_monitoring.
package service

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yayoboy/oxide-mesh/internal/errs"
	"github.com/yayoboy/oxide-mesh/internal/procreg"
	"github.com/yayoboy/oxide-mesh/internal/shared"
)

// HealthResult is the composed outcome of ensure_service_healthy: is the
// backend up, what models does it offer, and which one would be used.
type HealthResult struct {
	Healthy      bool
	Models       []string
	SelectedModel string
}

// Manager autostarts and health-checks configured services.
type Manager struct {
	client   *http.Client
	registry *procreg.Registry

	mu       sync.Mutex
	stopFns  map[string]context.CancelFunc
}

// New constructs a Manager. registry is used to track any daemon process
// the manager itself spawns (e.g. a local `ollama serve`).
func New(registry *procreg.Registry) *Manager {
	return &Manager{
		client:   &http.Client{Timeout: 3 * time.Second},
		registry: registry,
		stopFns:  make(map[string]context.CancelFunc),
	}
}

// EnsureRunning health-checks svc and, if down and autostart-eligible,
// attempts to start it locally, polling until healthy or timeout —
// matching ensure_ollama_running. Only meaningful for ollama_http
// services with a local base URL; other kinds return their current
// health without attempting to start anything.
func (m *Manager) EnsureRunning(ctx context.Context, svc *shared.ServiceDescriptor, timeout time.Duration) (bool, error) {
	if m.checkHealth(ctx, svc) {
		return true, nil
	}
	if svc.Kind != shared.ServiceKindOllama || !isLocalHost(svc.BaseURL) {
		return false, nil
	}

	if err := m.startOllama(ctx); err != nil {
		log.Warn().Err(err).Msg("service: failed to autostart ollama")
		return false, nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.checkHealth(ctx, svc) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return false, nil
}

// checkHealth matches _check_ollama_health but generalizes to any
// service kind using its own health endpoint.
func (m *Manager) checkHealth(ctx context.Context, svc *shared.ServiceDescriptor) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	path := "/api/tags"
	if svc.Kind == shared.ServiceKindOpenAI {
		path = "/models"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(svc.BaseURL, "/")+path, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// startOllama dispatches to a platform-specific autostart strategy,
// matching _start_ollama's macOS/Linux/Windows branches. The spawned
// process is registered with procreg so it's cleaned up on shutdown.
func (m *Manager) startOllama(ctx context.Context) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		if exec.Command("pgrep", "-f", "Ollama.app").Run() == nil {
			return nil // already running under the app bundle
		}
		cmd = exec.Command("open", "-a", "Ollama")
	case "linux":
		if exec.Command("systemctl", "--user", "start", "ollama").Run() == nil {
			return nil
		}
		cmd = exec.Command("ollama", "serve")
	case "windows":
		cmd = exec.Command("ollama", "serve")
	default:
		return errs.New(errs.Config, "service: unsupported platform for ollama autostart: "+runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.Unavailable, "service: starting ollama", err)
	}
	if m.registry != nil {
		m.registry.Register(cmd)
	}
	return nil
}

// AvailableModels lists models offered by svc, matching
// get_available_models's ollama/openai_compatible branches.
func (m *Manager) AvailableModels(ctx context.Context, svc *shared.ServiceDescriptor) ([]string, error) {
	switch svc.Kind {
	case shared.ServiceKindOllama:
		return m.ollamaModels(ctx, svc)
	case shared.ServiceKindOpenAI:
		return m.openaiModels(ctx, svc)
	default:
		return nil, nil
	}
}

func (m *Manager) ollamaModels(ctx context.Context, svc *shared.ServiceDescriptor) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(svc.BaseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "service: listing ollama models", err)
	}
	defer resp.Body.Close()

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.Protocol, "service: decoding ollama model list", err)
	}
	out := make([]string, len(body.Models))
	for i, mdl := range body.Models {
		out[i] = mdl.Name
	}
	return out, nil
}

func (m *Manager) openaiModels(ctx context.Context, svc *shared.ServiceDescriptor) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(svc.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	if svc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+svc.APIKey)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "service: listing openai-compatible models", err)
	}
	defer resp.Body.Close()

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.Protocol, "service: decoding model list", err)
	}
	out := make([]string, len(body.Data))
	for i, d := range body.Data {
		out[i] = d.ID
	}
	return out, nil
}

// AutoDetectModel picks from available according to preferred, matching
// auto_detect_model: exact match first, then case-insensitive substring,
// then the first available model.
func AutoDetectModel(available []string, preferred []string) (string, bool) {
	for _, p := range preferred {
		for _, a := range available {
			if a == p {
				return a, true
			}
		}
	}
	for _, p := range preferred {
		pl := strings.ToLower(p)
		for _, a := range available {
			if strings.Contains(strings.ToLower(a), pl) {
				return a, true
			}
		}
	}
	if len(available) > 0 {
		return available[0], true
	}
	return "", false
}

// EnsureHealthy composes a health check, model listing, and auto-detect
// into one result, matching ensure_service_healthy.
func (m *Manager) EnsureHealthy(ctx context.Context, svc *shared.ServiceDescriptor, preferred []string) HealthResult {
	if !m.checkHealth(ctx, svc) {
		return HealthResult{Healthy: false}
	}
	models, err := m.AvailableModels(ctx, svc)
	if err != nil {
		log.Warn().Err(err).Str("service", svc.ID).Msg("service: healthy but failed to list models")
		return HealthResult{Healthy: true}
	}
	selected, _ := AutoDetectModel(models, preferred)
	return HealthResult{Healthy: true, Models: models, SelectedModel: selected}
}

// StartHealthMonitoring runs a background poll of svc every interval
// until ctx is cancelled or StopHealthMonitoring is called, matching
// start_health_monitoring/stop_health_monitoring's per-service task
// tracking.
func (m *Manager) StartHealthMonitoring(ctx context.Context, svc *shared.ServiceDescriptor, interval time.Duration, onResult func(HealthResult)) {
	monitorCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if existing, ok := m.stopFns[svc.ID]; ok {
		existing()
	}
	m.stopFns[svc.ID] = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				onResult(m.EnsureHealthy(monitorCtx, svc, nil))
			}
		}
	}()
}

// StopHealthMonitoring cancels the background poll for serviceID, if any.
func (m *Manager) StopHealthMonitoring(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.stopFns[serviceID]; ok {
		cancel()
		delete(m.stopFns, serviceID)
	}
}

func isLocalHost(baseURL string) bool {
	return strings.Contains(baseURL, "localhost") || strings.Contains(baseURL, "127.0.0.1")
}
