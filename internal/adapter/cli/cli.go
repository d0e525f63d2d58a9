// Package cli implements adapter.Adapter by shelling out to a local CLI
// executable (e.g. a vendor's command-line coding assistant), grounded on
// the teacher's exec.Cmd usage patterns together with the original's
// subprocess-based adapters; every spawned process is registered with
// procreg.Registry so cancellation or shutdown can't leak a child.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/yayoboy/oxide-mesh/internal/adapter"
	"github.com/yayoboy/oxide-mesh/internal/errs"
	"github.com/yayoboy/oxide-mesh/internal/procreg"
)

// Adapter runs executable with the prompt passed on stdin and streams
// stdout line by line as chunks.
type Adapter struct {
	executable string
	args       []string
	registry   *procreg.Registry
}

// New constructs an Adapter that invokes executable(args...), registering
// spawned processes with reg for cleanup.
func New(executable string, args []string, reg *procreg.Registry) *Adapter {
	return &Adapter{executable: executable, args: args, registry: reg}
}

func (a *Adapter) Kind() string { return "cli" }

// Healthy runs `executable --version` with a short timeout as a liveness
// probe — CLI tools universally support this flag.
func (a *Adapter) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.executable, "--version")
	return cmd.Run() == nil
}

// Execute runs the command to completion and returns combined stdout.
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

// Stream spawns the executable, writes req.Prompt to its stdin, closes
// stdin, and streams stdout line by line as Chunks.
func (a *Adapter) Stream(ctx context.Context, req adapter.Request) (<-chan adapter.Chunk, error) {
	cmd := exec.CommandContext(ctx, a.executable, a.args...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "cli: attaching stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "cli: attaching stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "cli: failed to start "+a.executable, err)
	}
	if a.registry != nil {
		a.registry.Register(cmd)
	}

	out := make(chan adapter.Chunk)
	go func() {
		defer close(out)
		if a.registry != nil {
			defer a.registry.Unregister(cmd)
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case out <- adapter.Chunk{Text: scanner.Text() + "\n"}:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}

		var errBuf bytes.Buffer
		_, _ = errBuf.ReadFrom(stderr)

		waitErr := cmd.Wait()
		if waitErr != nil {
			kind := errs.Protocol
			switch ctx.Err() {
			case context.DeadlineExceeded:
				kind = errs.Timeout
			case context.Canceled:
				kind = errs.Cancelled
			}
			msg := "cli: " + a.executable + " exited with error"
			if errBuf.Len() > 0 {
				msg += ": " + strings.TrimSpace(errBuf.String())
			}
			select {
			case out <- adapter.Chunk{Err: errs.Wrap(kind, msg, waitErr)}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- adapter.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
