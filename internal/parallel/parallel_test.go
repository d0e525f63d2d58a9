package parallel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
)

func chunksOf(text string, err error) <-chan adapter.Chunk {
	ch := make(chan adapter.Chunk, 2)
	if err != nil {
		ch <- adapter.Chunk{Err: err}
	} else {
		ch <- adapter.Chunk{Text: text, Done: true}
	}
	close(ch)
	return ch
}

func TestExecuteStreaming_PreservesOrderRegardlessOfCompletionOrder(t *testing.T) {
	ids := []string{"a", "b", "c"}
	results := ExecuteStreaming(context.Background(), ids, 3, func(ctx context.Context, id string) (<-chan adapter.Chunk, error) {
		if id == "b" {
			return chunksOf("", errors.New("boom")), nil
		}
		return chunksOf("ok:"+id, nil), nil
	}, nil)

	assert.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ServiceID)
	assert.Equal(t, "b", results[1].ServiceID)
	assert.Equal(t, "c", results[2].ServiceID)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "ok:a", results[0].Text)
}

func TestExecuteStreaming_ForwardsChunksToOnChunk(t *testing.T) {
	ids := []string{"a"}
	var seen []string
	results := ExecuteStreaming(context.Background(), ids, 1, func(ctx context.Context, id string) (<-chan adapter.Chunk, error) {
		return chunksOf("hello", nil), nil
	}, func(ev ChunkEvent) {
		seen = append(seen, ev.ServiceID+":"+ev.Chunk.Text)
	})

	assert.Equal(t, "hello", results[0].Text)
	assert.Equal(t, []string{"a:hello"}, seen)
}

func TestAggregate_PreservesInputOrder(t *testing.T) {
	results := []Result{
		{ServiceID: "zeta", Text: "z-out"},
		{ServiceID: "alpha", Text: "a-out"},
		{ServiceID: "beta", Err: errors.New("down")},
	}
	out := Aggregate(results)
	assert.Contains(t, out, "## Results from zeta")
	assert.Contains(t, out, "## Results from alpha")
	assert.NotContains(t, out, "beta")
	assert.Less(t, indexOf(out, "zeta"), indexOf(out, "alpha"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestShardFiles_EvenDistribution(t *testing.T) {
	shards := ShardFiles([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Len(t, shards, 2)
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	assert.Equal(t, 5, total)
}

func TestShardFiles_NMoreThanFiles(t *testing.T) {
	shards := ShardFiles([]string{"a"}, 5)
	assert.Len(t, shards, 1)
}

func TestShardFiles_Empty(t *testing.T) {
	shards := ShardFiles(nil, 3)
	assert.Nil(t, shards)
}
