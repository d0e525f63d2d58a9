// Package openai implements adapter.Adapter against an OpenAI-compatible
// chat completions endpoint (used for openrouter, lmstudio, and any other
// OpenAI-wire-protocol backend), grounded on the teacher's postJSON/HTTP
// plumbing in node-agent/main.go generalized to the OpenAI chat/completions
// shape and its text/event-stream (SSE) streaming format, per
// SPEC_FULL.md §4.1.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	"github.com/yayoboy/oxide-mesh/internal/errs"
)

// Adapter talks to an OpenAI-compatible chat completions and models
// endpoint at baseURL+"/chat/completions" and baseURL+"/models". No "/v1"
// segment is added: baseURL must already include any version prefix.
type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New constructs an Adapter bound to baseURL, authenticating with apiKey
// (sent as a Bearer token) if non-empty.
func New(baseURL, apiKey string) *Adapter {
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: &http.Client{}}
}

func (a *Adapter) Kind() string { return "openai_http" }

func (a *Adapter) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

// Healthy issues a GET /models, matching the original's get_available_models
// openai_compatible branch used as a liveness probe.
func (a *Adapter) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	a.authorize(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChoiceDelta struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type chatStreamChunk struct {
	Choices []chatChoiceDelta `json:"choices"`
}

// Execute runs Stream (a streaming request) to completion and concatenates
// the streamed deltas.
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

// Stream issues a streaming POST /chat/completions and decodes the SSE
// response, one Chunk per "data: {...}" event, terminating on "data: [DONE]".
func (a *Adapter) Stream(ctx context.Context, req adapter.Request) (<-chan adapter.Chunk, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		_ = cancel
	}

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
		Stream:   true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "openai: encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "openai: building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	a.authorize(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, "openai: request timed out", err)
		}
		return nil, errs.Wrap(errs.Unavailable, "openai: request failed", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, errs.New(errs.Security, "openai: authentication rejected ("+resp.Status+")")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errs.New(errs.Protocol, "openai: unexpected status "+resp.Status)
	}

	out := make(chan adapter.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				select {
				case out <- adapter.Chunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			done := chunk.Choices[0].FinishReason != nil
			select {
			case out <- adapter.Chunk{Text: text, Done: done}:
			case <-ctx.Done():
				return
			}
			if done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- adapter.Chunk{Err: errs.Wrap(errs.Protocol, "openai: stream read error", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
