// Package parallel fans a task out across multiple services concurrently
// and aggregates their results, modeled on the teacher's goroutine/channel
// worker patterns (orchestrator/websocket.go's read/write pumps, and
// node-agent's concurrent request handling) generalized into an explicit
// bounded worker pool — the original Python orchestrator used asyncio
// gather for this; SPEC_FULL.md §4.5 calls out goroutines+channels as the
// direct Go analogue.
package parallel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	"github.com/yayoboy/oxide-mesh/internal/shared"
)

// StreamRunner invokes a single service by id and returns its incremental
// response channel. The orchestrator supplies a closure that resolves the
// service id to its configured Adapter and calls Stream.
type StreamRunner func(ctx context.Context, serviceID string) (<-chan adapter.Chunk, error)

// Result is one service's outcome from a fan-out execution. Text holds
// whatever was accumulated before Err, if any, was encountered — a
// failed service may still contribute partial text.
type Result struct {
	ServiceID string
	Text      string
	Err       error
}

// ChunkEvent tags one adapter.Chunk with the service that produced it and
// the time it was observed, the structured record the orchestrator
// forwards to its caller for multiplexed (broadcast-all) streaming.
type ChunkEvent struct {
	ServiceID string
	Chunk     adapter.Chunk
	Timestamp time.Time
}

// ExecuteStreaming runs run concurrently for every id in serviceIDs,
// bounded to at most maxWorkers in flight at once, forwarding every chunk
// to onChunk (if non-nil) as it arrives and returning one Result per id
// in the same order as serviceIDs (not completion order) — a stable
// return order keeps aggregation deterministic regardless of which
// backend answers first.
func ExecuteStreaming(ctx context.Context, serviceIDs []string, maxWorkers int, run StreamRunner, onChunk func(ChunkEvent)) []Result {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	results := make([]Result, len(serviceIDs))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i, id := range serviceIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ch, err := run(ctx, id)
			if err != nil {
				results[i] = Result{ServiceID: id, Err: err}
				return
			}
			var buf strings.Builder
			for c := range ch {
				if onChunk != nil {
					onChunk(ChunkEvent{ServiceID: id, Chunk: c, Timestamp: time.Now()})
				}
				if c.Err != nil {
					results[i] = Result{ServiceID: id, Text: buf.String(), Err: c.Err}
					return
				}
				buf.WriteString(c.Text)
				if c.Done {
					break
				}
			}
			results[i] = Result{ServiceID: id, Text: buf.String()}
		}(i, id)
	}
	wg.Wait()
	return results
}

// Aggregate concatenates successful results under a "## Results from
// <service>" heading per service, preserving the order services were
// passed in to ExecuteStreaming (the router's decision order, not
// completion order); failed services are omitted from the text but
// still reported in BroadcastResult form via ToBroadcastResults.
func Aggregate(results []Result) string {
	out := ""
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		out += "## Results from " + r.ServiceID + "\n" + r.Text + "\n\n"
	}
	return out
}

// ToBroadcastResults converts raw fan-out results into the persisted
// shared.BroadcastResult shape recorded on a TaskRecord.
func ToBroadcastResults(results []Result) []shared.BroadcastResult {
	out := make([]shared.BroadcastResult, 0, len(results))
	for _, r := range results {
		br := shared.BroadcastResult{
			ServiceID: r.ServiceID,
			Bytes:     len(r.Text),
			Chunks:    1,
		}
		if r.Err != nil {
			br.Error = r.Err.Error()
			br.Chunks = 0
		}
		out = append(out, br)
	}
	return out
}

// ShardFiles splits files into up to n roughly-even groups, the parallel
// analogue of the classifier's file-count threshold: once a task crosses
// the parallel threshold, its files are divided across the services
// selected for fan-out rather than every service repeating the full set.
func ShardFiles(files []string, n int) [][]string {
	if n <= 0 {
		n = 1
	}
	if n > len(files) {
		n = len(files)
	}
	if n == 0 {
		return nil
	}
	shards := make([][]string, n)
	for i, f := range files {
		shards[i%n] = append(shards[i%n], f)
	}
	return shards
}
