package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	"github.com/yayoboy/oxide-mesh/internal/procreg"
)

func TestAdapter_Execute_StreamsStdoutLines(t *testing.T) {
	a := New("cat", nil, procreg.New())
	out, err := a.Execute(context.Background(), adapter.Request{Prompt: "hello\nworld"})
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", out)
}

func TestAdapter_Execute_RegistersAndUnregistersProcess(t *testing.T) {
	reg := procreg.New()
	t.Cleanup(reg.Shutdown)
	a := New("cat", nil, reg)

	_, err := a.Execute(context.Background(), adapter.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Count())
}

func TestAdapter_Execute_NonZeroExitReturnsError(t *testing.T) {
	a := New("false", nil, procreg.New())
	_, err := a.Execute(context.Background(), adapter.Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestAdapter_Healthy_UnknownExecutable(t *testing.T) {
	a := New("definitely-not-a-real-executable", nil, procreg.New())
	assert.False(t, a.Healthy(context.Background()))
}

func TestAdapter_Stream_CancelledContextStopsEarly(t *testing.T) {
	a := New("sleep", []string{"5"}, procreg.New())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ch, err := a.Stream(ctx, adapter.Request{Prompt: ""})
	require.NoError(t, err)
	for range ch {
	}
	assert.Error(t, ctx.Err())
}
