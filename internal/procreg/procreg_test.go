package procreg

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	t.Cleanup(r.Shutdown)
	return r
}

func TestRegister_TracksRunningProcess(t *testing.T) {
	r := newTestRegistry(t)
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	r.Register(cmd)
	assert.Equal(t, 1, r.Count())
}

func TestRegister_IgnoresNilCommandOrProcess(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(nil)
	r.Register(&exec.Cmd{})
	assert.Equal(t, 0, r.Count())
}

func TestUnregister_RemovesFromTrackedSet(t *testing.T) {
	r := newTestRegistry(t)
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	r.Register(cmd)
	r.Unregister(cmd)
	assert.Equal(t, 0, r.Count())
}

func TestCleanupAll_TerminatesTrackedProcesses(t *testing.T) {
	r := newTestRegistry(t)
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	r.Register(cmd)

	done := make(chan struct{})
	go func() {
		r.CleanupAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("CleanupAll did not return in time")
	}
	assert.Equal(t, 0, r.Count())
}

func TestCleanupAll_EmptyRegistryIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	r.CleanupAll()
	assert.Equal(t, 0, r.Count())
}
