// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package runner executes external commands with bounded output capture
// and hard timeout enforcement. It is the single choke point through
// which pip and the sandbox supervisor are invoked.
package runner

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// MaxCaptureBytes caps how much of each output stream is retained.
// Anything past the cap is drained and discarded so the child never
// blocks on a full pipe.
const MaxCaptureBytes = 1 << 20

// TimeoutExitCode is reported when the command is killed at its
// deadline, mirroring the shell convention for timed-out commands.
const TimeoutExitCode = 124

const truncationMarker = "\n[output truncated]\n"

// Result captures the observable outcome of one command execution.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	TimedOut        bool
	Duration        time.Duration
}

// Runner executes a command described by Spec.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Spec describes one command invocation. Argv is passed verbatim with
// no shell interpretation. Env replaces the inherited environment
// entirely when non-nil.
type Spec struct {
	Argv    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// ProcessRunner runs commands via os/exec.
type ProcessRunner struct{}

// NewProcessRunner constructs a ProcessRunner.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{}
}

// Run starts the command, captures up to MaxCaptureBytes of each output
// stream, and kills the process group when the timeout elapses. A
// timed-out run reports exit code 124 and TimedOut=true; it is not an
// error. The returned error covers spawn failures only.
func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, fmt.Errorf("runner: empty argv")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("runner: start %s: %w", spec.Argv[0], err)
	}

	var stdout, stderr cappedBuffer
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		stdout.readFrom(stdoutPipe)
	}()
	go func() {
		defer readers.Done()
		stderr.readFrom(stderrPipe)
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	res := Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		return res, nil
	}

	res.ExitCode = exitCode(waitErr)
	return res, nil
}

// exitCode maps a Wait error to a process exit code. A signal-killed
// process without a deadline is reported as -1 by os/exec; keep that.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedBuffer retains at most MaxCaptureBytes and keeps draining past
// the cap so the writer never stalls.
type cappedBuffer struct {
	mu        sync.Mutex
	data      []byte
	truncated bool
}

func (b *cappedBuffer) readFrom(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.append(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (b *cappedBuffer) append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := MaxCaptureBytes - len(b.data)
	if remaining <= 0 {
		b.truncated = true
		return
	}
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
		b.truncated = true
	}
	b.data = append(b.data, chunk...)
}

// String returns the captured text, with a trailing marker when the
// stream was cut at the cap.
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.data) + truncationMarker
	}
	return string(b.data)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
