// Package procreg is the process-wide registry of spawned subprocesses,
// grounded on the original process_manager.py and on the teacher's
// graceful-shutdown signal handling in node-agent/main.go. Every CLI
// adapter invocation registers here so a caller cancellation or process
// exit can't leak a child.
package procreg

import (
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry tracks live *exec.Cmd processes so they can be swept on
// shutdown. Tests should construct their own Registry rather than
// mutating a package-level global (§9 design notes).
type Registry struct {
	mu       sync.Mutex
	procs    map[*exec.Cmd]struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Registry and wires SIGINT/SIGTERM handling.
func New() *Registry {
	r := &Registry{
		procs:  make(map[*exec.Cmd]struct{}),
		stopCh: make(chan struct{}),
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("procreg: received signal, cleaning up")
			r.CleanupAll()
		case <-r.stopCh:
		}
	}()
	return r
}

// Register adds a running command to the tracked set.
func (r *Registry) Register(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[cmd] = struct{}{}
}

// Unregister removes cmd from the tracked set, called on natural exit.
func (r *Registry) Unregister(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, cmd)
}

// Count returns the number of currently tracked processes — used by
// cancellation tests to assert no subprocess leaked.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// CleanupAll walks every tracked process: graceful terminate, then
// force-kill after a short grace window. Prevents reentrant cleanup.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(r.procs))
	for c := range r.procs {
		procs = append(procs, c)
	}
	r.procs = make(map[*exec.Cmd]struct{})
	r.mu.Unlock()

	for _, cmd := range procs {
		terminateOne(cmd)
	}
}

func terminateOne(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	log.Debug().Int("pid", pid).Msg("procreg: terminating process")
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Int("pid", pid).Msg("procreg: process terminated gracefully")
	case <-time.After(5 * time.Second):
		log.Warn().Int("pid", pid).Msg("procreg: force killing process after grace period")
		_ = cmd.Process.Kill()
		<-done
	}
}

// Shutdown stops the signal-handling goroutine without killing tracked
// processes — used by tests to avoid leaking goroutines across cases.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
