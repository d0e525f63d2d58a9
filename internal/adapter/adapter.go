// Package adapter defines the uniform streaming interface every backend
// family (CLI subprocess, Ollama-style HTTP, OpenAI-compatible HTTP)
// implements, grounded on the teacher's node-agent/main.go executeHandler
// pair (makeExecuteHandler / makeExecuteStreamHandler) generalized from
// "one hardcoded Ollama call" into a pluggable interface, per SPEC_FULL.md
// §4.1.
package adapter

import (
	"context"
	"time"
)

// Request is everything an adapter needs to run one task against its
// backend. Prompt has already had any file contents folded in by the
// caller (see BuildPrompt).
type Request struct {
	Prompt    string
	Model     string
	Timeout   time.Duration
	Metadata  map[string]string
}

// Chunk is one piece of a streamed response. Done is true exactly once,
// on the final chunk (which may carry trailing Text).
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Adapter is implemented by each backend family. Execute blocks for the
// full non-streaming result; Stream returns incrementally on the
// returned channel, which is always closed by the adapter once a Chunk
// with Done=true (or Err != nil) has been sent.
type Adapter interface {
	// Kind identifies which backend family this adapter implements.
	Kind() string

	// Healthy reports whether the backend currently looks reachable,
	// used by the router's availability gate.
	Healthy(ctx context.Context) bool

	// Execute runs req to completion and returns the full text.
	Execute(ctx context.Context, req Request) (string, error)

	// Stream runs req and emits incremental Chunks on the returned
	// channel until Done or an error chunk is sent.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// BuildPrompt folds file contents into the user prompt the way the
// original orchestrator's _build_prompt_with_context did: the prompt
// first, then each file under a "### <path>" heading and a fenced block.
func BuildPrompt(prompt string, files map[string]string) string {
	if len(files) == 0 {
		return prompt
	}
	out := prompt + "\n\n"
	for path, content := range files {
		out += "### " + path + "\n```\n" + content + "\n```\n\n"
	}
	return out
}
