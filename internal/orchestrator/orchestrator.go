// Package orchestrator drives a task through its full life cycle:
// classify, enrich with memory, route, execute (with retry/fallback,
// parallel fan-out, or broadcast-all), record cost, and persist the
// result. Grounded end-to-end on the original core/orchestrator.py,
// including its conversation-id scheme (an MD5 hash of the prompt's
// first 100 characters plus an hour bucket — kept as originally
// specified per SPEC_FULL.md §9, Open Question 2) and its
// context-enrichment prompt rewrite.
package orchestrator

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	"github.com/yayoboy/oxide-mesh/internal/classifier"
	"github.com/yayoboy/oxide-mesh/internal/cost"
	"github.com/yayoboy/oxide-mesh/internal/errs"
	"github.com/yayoboy/oxide-mesh/internal/memory"
	"github.com/yayoboy/oxide-mesh/internal/parallel"
	"github.com/yayoboy/oxide-mesh/internal/pathvalidator"
	"github.com/yayoboy/oxide-mesh/internal/router"
	"github.com/yayoboy/oxide-mesh/internal/service"
	"github.com/yayoboy/oxide-mesh/internal/shared"
	"github.com/yayoboy/oxide-mesh/internal/taskstore"
)

// AdapterResolver maps a configured service id to its live Adapter and
// descriptor. The orchestrator never constructs adapters itself — the
// caller supplies the resolver (cmd/oxide-node builds adapters from the
// loaded config) — it only asks for one.
type AdapterResolver func(serviceID string) (adapter.Adapter, *shared.ServiceDescriptor, bool)

// Orchestrator composes the classifier, router, memory, cost tracker,
// task store, and path validator into the single entry point
// ExecuteTask, matching the original's Orchestrator.process_task.
type Orchestrator struct {
	Router           *router.Router
	Resolve          AdapterResolver
	Tasks            *taskstore.Store
	Costs            *cost.Tracker
	Memory           *memory.Memory
	Paths            *pathvalidator.Validator
	Services         *service.Manager
	MaxParallel      int
	MaxRetries       int
	RetryEnabled     bool
	AutostartTimeout time.Duration
}

// Outcome is the result of ExecuteTask — either a single combined result
// string, or per-service broadcast results for parallel/broadcast-all
// modes.
type Outcome struct {
	Task       *shared.TaskRecord
	ResultText string
}

// StreamChunk is one piece of incremental output from a single service,
// tagged so a caller fanning a task out across several backends (parallel
// or broadcast-all) can tell which one it came from.
type StreamChunk struct {
	ServiceID string
	Text      string
	Done      bool
	Err       error
	Timestamp time.Time
}

// ChunkHandler receives StreamChunks as they arrive. May be nil, in which
// case the orchestrator still runs normally but nothing is delivered
// incrementally — only the final Outcome.
type ChunkHandler func(StreamChunk)

// ExecuteTask runs prompt (with optional attached files) through the full
// pipeline and returns the final, persisted TaskRecord. onChunk, if
// non-nil, is invoked with every chunk as it streams in from whichever
// service(s) end up handling the task.
func (o *Orchestrator) ExecuteTask(ctx context.Context, prompt string, filePaths []string, prefs shared.ExecutePreferences, onChunk ChunkHandler) (*Outcome, error) {
	fileContents, validFiles, totalBytes, warnings := o.readFiles(filePaths)
	for _, w := range warnings {
		log.Warn().Msg(w)
	}

	info := classifier.Classify(prompt, filePaths, totalBytes)

	convID := prefs.ConversationID
	if convID == "" {
		convID = generateConversationID(prompt, time.Now())
	}

	effectivePrompt := prompt
	if o.Memory != nil && prefs.UseMemoryOrDefault() {
		effectivePrompt = o.enrichWithMemory(info.Category, prompt)
	}

	task, err := o.Tasks.Create(prompt, filePaths, preferencesToMap(prefs))
	if err != nil {
		return nil, err
	}
	task.Category = info.Category

	decision, err := o.Router.Route(info, prefs.PreferredService, prefs.BroadcastAll)
	if err != nil {
		_ = o.Tasks.MarkFailed(task.ID, err, "")
		return nil, err
	}

	timeout := decision.Timeout
	if prefs.TimeoutSeconds > 0 {
		timeout = time.Duration(prefs.TimeoutSeconds) * time.Second
	}

	switch decision.Mode {
	case shared.ModeParallel:
		return o.executeParallel(ctx, task, decision, effectivePrompt, fileContents, validFiles, timeout, convID, onChunk)
	case shared.ModeBroadcastAll:
		return o.executeBroadcast(ctx, task, decision, effectivePrompt, fileContents, timeout, convID, onChunk)
	default:
		fullPrompt := adapter.BuildPrompt(effectivePrompt, fileContents)
		return o.executeSingle(ctx, task, decision, fullPrompt, timeout, convID, onChunk)
	}
}

func (o *Orchestrator) executeSingle(ctx context.Context, task *shared.TaskRecord, decision shared.RouterDecision, prompt string, timeout time.Duration, convID string, onChunk ChunkHandler) (*Outcome, error) {
	candidates := append([]string{decision.Primary}, decision.Fallbacks...)

	var lastErr error
	var lastPartial string
	for _, serviceID := range candidates {
		if serviceID == "" {
			continue
		}
		if err := o.Tasks.MarkRunning(task.ID, serviceID, task.Category, shared.ModeSingle); err != nil {
			return nil, err
		}

		text, err := o.runWithRetries(ctx, serviceID, prompt, timeout, onChunk)
		if err == nil {
			if err := o.finish(task, serviceID, text, convID); err != nil {
				return nil, err
			}
			return &Outcome{Task: task, ResultText: text}, nil
		}

		lastErr = err
		lastPartial = text
		log.Warn().Str("service", serviceID).Err(err).Msg("orchestrator: service failed, trying next candidate")
		if errs.Fatal(errs.KindOf(err)) {
			break
		}
	}

	_ = o.Tasks.MarkFailed(task.ID, lastErr, lastPartial)
	return nil, lastErr
}

// runWithRetries calls streamOnService once, then retries the same
// service up to MaxRetries-1 additional times (MaxRetries attempts in
// all) while the error is Retryable
// (Protocol only — see errs.Retryable), stopping early on a Fatal error
// or once the error stops being retryable. RetryEnabled=false disables
// the retry loop entirely, matching the original's retry_enabled
// execution setting.
func (o *Orchestrator) runWithRetries(ctx context.Context, serviceID, prompt string, timeout time.Duration, onChunk ChunkHandler) (string, error) {
	text, err := o.streamOnService(ctx, serviceID, prompt, timeout, onChunk)
	if err == nil || !o.RetryEnabled {
		return text, err
	}

	for attempt := 1; attempt < o.MaxRetries; attempt++ {
		kind := errs.KindOf(err)
		if !errs.Retryable(kind) {
			break
		}
		log.Debug().Str("service", serviceID).Int("retry", attempt).Msg("orchestrator: retrying after retryable error")
		text, err = o.streamOnService(ctx, serviceID, prompt, timeout, onChunk)
		if err == nil {
			return text, nil
		}
	}
	return text, err
}

func (o *Orchestrator) executeParallel(ctx context.Context, task *shared.TaskRecord, decision shared.RouterDecision, prompt string, fileContents map[string]string, files []string, timeout time.Duration, convID string, onChunk ChunkHandler) (*Outcome, error) {
	services := append([]string{decision.Primary}, decision.Fallbacks...)
	if err := o.Tasks.MarkRunning(task.ID, strings.Join(services, ","), task.Category, shared.ModeParallel); err != nil {
		return nil, err
	}

	shardPrompts := o.buildShardPrompts(prompt, fileContents, files, services)

	results := parallel.ExecuteStreaming(ctx, services, o.workerLimit(),
		func(ctx context.Context, serviceID string) (<-chan adapter.Chunk, error) {
			return o.adapterStream(ctx, serviceID, shardPrompts[serviceID], timeout)
		},
		o.forwardChunk(onChunk),
	)

	combined := parallel.Aggregate(results)
	if combined == "" {
		err := errs.New(errs.Unavailable, "orchestrator: every service in the parallel fan-out failed")
		_ = o.Tasks.MarkFailed(task.ID, err, concatPartials(results))
		return nil, err
	}

	if err := o.finishBroadcast(task, results, combined, convID); err != nil {
		return nil, err
	}
	return &Outcome{Task: task, ResultText: combined}, nil
}

func (o *Orchestrator) executeBroadcast(ctx context.Context, task *shared.TaskRecord, decision shared.RouterDecision, prompt string, fileContents map[string]string, timeout time.Duration, convID string, onChunk ChunkHandler) (*Outcome, error) {
	if err := o.Tasks.MarkRunning(task.ID, strings.Join(decision.Services, ","), task.Category, shared.ModeBroadcastAll); err != nil {
		return nil, err
	}

	fullPrompt := adapter.BuildPrompt(prompt, fileContents)
	results := parallel.ExecuteStreaming(ctx, decision.Services, o.workerLimit(),
		func(ctx context.Context, serviceID string) (<-chan adapter.Chunk, error) {
			return o.adapterStream(ctx, serviceID, fullPrompt, timeout)
		},
		o.forwardChunk(onChunk),
	)

	combined := parallel.Aggregate(results)
	if err := o.finishBroadcast(task, results, combined, convID); err != nil {
		return nil, err
	}
	return &Outcome{Task: task, ResultText: combined}, nil
}

// buildShardPrompts partitions files across services by zipping
// ShardFiles' output to services by index, so every service in a
// parallel fan-out gets a disjoint subset of the attached files baked
// into its own prompt instead of everyone repeating the full set.
func (o *Orchestrator) buildShardPrompts(prompt string, fileContents map[string]string, files []string, services []string) map[string]string {
	shards := parallel.ShardFiles(files, len(services))
	out := make(map[string]string, len(services))
	for i, serviceID := range services {
		var shardFiles map[string]string
		if i < len(shards) && len(shards[i]) > 0 {
			shardFiles = make(map[string]string, len(shards[i]))
			for _, f := range shards[i] {
				shardFiles[f] = fileContents[f]
			}
		}
		out[serviceID] = adapter.BuildPrompt(prompt, shardFiles)
	}
	return out
}

// forwardChunk adapts a ChunkHandler to the parallel package's
// lower-level ChunkEvent callback shape. Returns nil (rather than a
// no-op closure) when onChunk is nil, so ExecuteStreaming can skip the
// call entirely.
func (o *Orchestrator) forwardChunk(onChunk ChunkHandler) func(parallel.ChunkEvent) {
	if onChunk == nil {
		return nil
	}
	return func(ev parallel.ChunkEvent) {
		onChunk(StreamChunk{
			ServiceID: ev.ServiceID,
			Text:      ev.Chunk.Text,
			Done:      ev.Chunk.Done,
			Err:       ev.Chunk.Err,
			Timestamp: ev.Timestamp,
		})
	}
}

func concatPartials(results []parallel.Result) string {
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(r.Text)
	}
	return sb.String()
}

func (o *Orchestrator) workerLimit() int {
	if o.MaxParallel > 0 {
		return o.MaxParallel
	}
	return 4
}

// adapterStream resolves serviceID to its live Adapter, eagerly ensures
// it's running and healthy (autostarting local services such as Ollama
// when needed), and opens a streaming request. It does not consume the
// returned channel — callers (streamOnService, or parallel.ExecuteStreaming
// via a StreamRunner) own draining it.
func (o *Orchestrator) adapterStream(ctx context.Context, serviceID, prompt string, timeout time.Duration) (<-chan adapter.Chunk, error) {
	a, svc, ok := o.Resolve(serviceID)
	if !ok {
		return nil, errs.New(errs.Config, "orchestrator: unknown service "+serviceID)
	}
	if o.Services != nil {
		if _, err := o.Services.EnsureRunning(ctx, svc, o.autostartTimeout()); err != nil {
			log.Warn().Str("service", serviceID).Err(err).Msg("orchestrator: autostart failed, attempting request anyway")
		}
	}
	return a.Stream(ctx, adapter.Request{Prompt: prompt, Model: svc.DefaultModel, Timeout: timeout})
}

// streamOnService drains a single service's stream, forwarding each chunk
// to onChunk as it arrives and returning the accumulated text. On a
// mid-stream error the text accumulated so far is still returned
// alongside the error, so the caller can preserve partial output.
func (o *Orchestrator) streamOnService(ctx context.Context, serviceID, prompt string, timeout time.Duration, onChunk ChunkHandler) (string, error) {
	ch, err := o.adapterStream(ctx, serviceID, prompt, timeout)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	for c := range ch {
		if onChunk != nil {
			onChunk(StreamChunk{ServiceID: serviceID, Text: c.Text, Done: c.Done, Err: c.Err, Timestamp: time.Now()})
		}
		if c.Err != nil {
			return buf.String(), c.Err
		}
		buf.WriteString(c.Text)
		if c.Done {
			break
		}
	}
	return buf.String(), nil
}

func (o *Orchestrator) autostartTimeout() time.Duration {
	if o.AutostartTimeout > 0 {
		return o.AutostartTimeout
	}
	return 30 * time.Second
}

func (o *Orchestrator) finish(task *shared.TaskRecord, serviceID, text, convID string) error {
	if o.Costs != nil {
		if _, err := o.Costs.RecordCost(task.ID, serviceID, nil, nil, task.Prompt, text); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to record cost")
		}
	}
	if o.Memory != nil {
		if _, err := o.Memory.AddContext(convID, shared.RoleUser, task.Prompt, nil); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to persist user turn to memory")
		}
		if _, err := o.Memory.AddContext(convID, shared.RoleAssistant, text, map[string]string{"service": serviceID}); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to persist assistant turn to memory")
		}
	}
	if err := o.Tasks.MarkCompleted(task.ID, text, nil); err != nil {
		return err
	}
	task.Status = shared.TaskCompleted
	task.AssignedService = serviceID
	task.Result = text
	return nil
}

func (o *Orchestrator) finishBroadcast(task *shared.TaskRecord, results []parallel.Result, combined, convID string) error {
	broadcast := parallel.ToBroadcastResults(results)
	if o.Costs != nil {
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			if _, err := o.Costs.RecordCost(task.ID, r.ServiceID, nil, nil, task.Prompt, r.Text); err != nil {
				log.Warn().Err(err).Msg("orchestrator: failed to record cost")
			}
		}
	}
	if o.Memory != nil {
		if _, err := o.Memory.AddContext(convID, shared.RoleUser, task.Prompt, nil); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to persist user turn to memory")
		}
		if _, err := o.Memory.AddContext(convID, shared.RoleAssistant, combined, nil); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to persist assistant turn to memory")
		}
	}
	if err := o.Tasks.MarkCompleted(task.ID, combined, broadcast); err != nil {
		return err
	}
	task.Status = shared.TaskCompleted
	task.Result = combined
	task.Broadcast = broadcast
	return nil
}

// enrichWithMemory prepends matching prior context (pulled across
// similar past conversations, not just this one — see
// memory.ContextForTask) to prompt, the Go analogue of the original's
// context-aware prompt rewrite in process_task when use_memory is true.
func (o *Orchestrator) enrichWithMemory(category shared.Category, prompt string) string {
	recent, err := o.Memory.ContextForTask(category, prompt, 6, 24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("orchestrator: failed to load context for task")
		return prompt
	}
	if len(recent) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString("Previous relevant conversation history:\n")
	for i := len(recent) - 1; i >= 0; i-- {
		sb.WriteString("- [" + string(recent[i].Role) + "] " + recent[i].Content + "\n")
	}
	sb.WriteString("\nCurrent task:\n")
	sb.WriteString(prompt)
	return sb.String()
}

// readFiles validates and reads every attached path independently: a
// rejected path or an unreadable file is skipped and reported as a
// warning rather than aborting the whole task (SPEC_FULL.md §7 — "fatal
// for that file; request continues without it"). validFiles preserves
// the original ordering of paths that were actually read, for callers
// that need to shard by file (executeParallel).
func (o *Orchestrator) readFiles(paths []string) (contents map[string]string, validFiles []string, totalBytes int64, warnings []string) {
	if len(paths) == 0 {
		return nil, nil, 0, nil
	}

	resolved, warnings := o.Paths.ValidateAll(paths)
	contents = make(map[string]string, len(resolved))
	for _, p := range paths {
		realPath, ok := resolved[p]
		if !ok {
			continue
		}
		data, err := os.ReadFile(realPath)
		if err != nil {
			warnings = append(warnings, "orchestrator: reading file "+p+": "+err.Error())
			continue
		}
		contents[p] = string(data)
		validFiles = append(validFiles, p)
		totalBytes += int64(len(data))
	}
	return contents, validFiles, totalBytes, warnings
}

func preferencesToMap(p shared.ExecutePreferences) map[string]string {
	m := map[string]string{}
	if p.PreferredService != "" {
		m["preferred_service"] = p.PreferredService
	}
	if p.TaskType != "" {
		m["task_type"] = p.TaskType
	}
	if p.ConversationID != "" {
		m["conversation_id"] = p.ConversationID
	}
	return m
}

// generateConversationID mirrors _generate_conversation_id exactly: an
// hour-bucketed MD5 hash of the prompt's first 100 characters. Two
// distinct prompts that share an hour bucket and a 100-char prefix
// collide into the same conversation by design — kept as originally
// specified (SPEC_FULL.md §9, Open Question 2), not treated as a bug.
func generateConversationID(prompt string, now time.Time) string {
	truncated := prompt
	if len(truncated) > 100 {
		truncated = truncated[:100]
	}
	hourBucket := now.Unix() / 3600 * 3600
	hashInput := fmt.Sprintf("%s_%d", truncated, hourBucket)
	sum := md5.Sum([]byte(hashInput))
	return "conv_" + fmt.Sprintf("%x", sum)[:12]
}
