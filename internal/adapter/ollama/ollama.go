// Package ollama implements adapter.Adapter against an Ollama-style HTTP
// server, grounded directly on the teacher's node-agent/main.go
// callOllama/streamOllama/postJSON (POST to /api/generate, newline-
// delimited JSON streaming) generalized so the base URL and model are
// configurable per ServiceDescriptor instead of hardcoded flags.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	"github.com/yayoboy/oxide-mesh/internal/errs"
)

// Adapter talks to an Ollama-compatible /api/generate and /api/tags
// endpoint.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New constructs an Adapter bound to baseURL (e.g. http://localhost:11434).
func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 0}, // per-request timeout via context
	}
}

func (a *Adapter) Kind() string { return "ollama_http" }

// Healthy issues a GET /api/tags, matching _check_ollama_health.
func (a *Adapter) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Execute runs Stream (a streaming POST /api/generate) to completion and
// returns the concatenated chunk text.
func (a *Adapter) Execute(ctx context.Context, req adapter.Request) (string, error) {
	ch, err := a.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for chunk := range ch {
		if chunk.Err != nil {
			return buf.String(), chunk.Err
		}
		buf.WriteString(chunk.Text)
	}
	return buf.String(), nil
}

// Stream issues a streaming POST /api/generate and decodes the
// newline-delimited JSON response body, one Chunk per line.
func (a *Adapter) Stream(ctx context.Context, req adapter.Request) (<-chan adapter.Chunk, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		_ = cancel // cancellation propagates via ctx.Done in the reader goroutine
	}

	body, err := json.Marshal(generateRequest{Model: req.Model, Prompt: req.Prompt, Stream: true})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "ollama: encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "ollama: building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, "ollama: request timed out", err)
		}
		return nil, errs.Wrap(errs.Unavailable, "ollama: request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errs.New(errs.Protocol, "ollama: unexpected status "+resp.Status)
	}

	out := make(chan adapter.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var gr generateResponse
			if err := json.Unmarshal(line, &gr); err != nil {
				log.Warn().Err(err).Msg("ollama: skipping malformed stream line")
				continue
			}
			select {
			case out <- adapter.Chunk{Text: gr.Response, Done: gr.Done}:
			case <-ctx.Done():
				return
			}
			if gr.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			select {
			case out <- adapter.Chunk{Err: errs.Wrap(errs.Protocol, "ollama: stream read error", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
