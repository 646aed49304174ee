// Package probe runs telemetry probe processes and turns their standard
// output into a queue of decoded JSON documents.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/gauge/internal/model"
	"github.com/tinytelemetry/gauge/internal/queue"
)

const (
	// readChunkSize is how much stdout is read per iteration.
	readChunkSize = 4096

	// maxStderr bounds the diagnostic text kept from a child.
	maxStderr = 64 * 1024

	// waitDelay bounds how long Wait blocks on stderr after the child exits.
	waitDelay = 2 * time.Second
)

// Spec describes how to run one probe.
type Spec struct {
	Name       string
	Binary     string
	Args       []string
	Separators string

	// Repeat re-spawns a probe that prints one document and exits. Zero
	// means the probe streams for the life of the job.
	Repeat time.Duration

	// VersionArgs, when set, print the probe version (e.g. "sensors -v").
	VersionArgs []string
}

// CommandLine renders the spec as a shell-like string for logs.
func (s Spec) CommandLine() string {
	return strings.Join(append([]string{s.Binary}, s.Args...), " ")
}

// SpawnError reports a probe that could not be started.
type SpawnError struct {
	Source string
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("probe %q: spawn %s: %v", e.Source, e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a probe that exited while it was expected to keep
// producing output. Stderr holds whatever the child wrote to stderr.
type ExitError struct {
	Source   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("probe %q exited prematurely (code %d)", e.Source, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// State is the lifecycle of a Job.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

// Status is a point-in-time view of a Job.
type Status struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	State     State  `json:"state"`
	Documents uint64 `json:"documents"`
	Queued    int    `json:"queued"`
	Error     string `json:"error,omitempty"`
}

// Job runs one probe for the life of the process and delivers its documents
// to an unbounded queue. A Job is not restarted after it fails.
type Job struct {
	spec Spec
	out  *queue.Unbounded[model.Document]
	log  *zap.Logger

	documents atomic.Uint64

	mu    sync.Mutex
	state State
	err   error
}

// NewJob creates a job for spec. Call Run to start it.
func NewJob(spec Spec, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		spec:  spec,
		out:   queue.NewUnbounded[model.Document](),
		log:   log.With(zap.String("source", spec.Name)),
		state: StatePending,
	}
}

// Name returns the source name.
func (j *Job) Name() string { return j.spec.Name }

// Documents returns the read end of the job's queue. It is closed with the
// job's failure once Run returns.
func (j *Job) Documents() *queue.Unbounded[model.Document] { return j.out }

// Status reports the job's current state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		Name:      j.spec.Name,
		Command:   j.spec.CommandLine(),
		State:     j.state,
		Documents: j.documents.Load(),
		Queued:    j.out.Len(),
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}

// Run spawns the probe and feeds its documents into the queue until ctx is
// cancelled or the probe fails. The child is killed and reaped on every
// return path. Run always closes the queue before returning.
func (j *Job) Run(ctx context.Context) (err error) {
	j.setState(StateRunning, nil)
	defer func() {
		if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
			j.setState(StateStopped, nil)
			j.out.CloseWithError(ctx.Err())
			err = nil
			return
		}
		j.setState(StateFailed, err)
		j.out.CloseWithError(err)
		j.log.Error("probe job failed", zap.Error(err))
	}()

	j.log.Info("starting probe", zap.String("cmd", j.spec.CommandLine()))

	if j.spec.Repeat <= 0 {
		return j.runOnce(ctx)
	}

	ticker := time.NewTicker(j.spec.Repeat)
	defer ticker.Stop()
	for {
		if err := j.runOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runOnce runs the probe until it exits. It returns nil only for a clean
// exit of a repeating probe with no partial document left over.
func (j *Job) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, j.spec.Binary, j.spec.Args...)
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Source: j.spec.Name, Binary: j.spec.Binary, Err: err}
	}
	stderr := &boundedBuffer{max: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &SpawnError{Source: j.spec.Name, Binary: j.spec.Binary, Err: err}
	}

	waited := false
	defer func() {
		if !waited {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}()

	// A grandchild holding stdout open would otherwise block Read past
	// cancellation.
	stopClose := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stopClose()

	framer := NewFramer(j.spec.Separators)
	chunk := make([]byte, readChunkSize)
	for {
		n, rerr := stdout.Read(chunk)
		if n > 0 {
			docs, ferr := framer.Feed(chunk[:n])
			for _, doc := range docs {
				if err := j.out.Send(doc); err != nil {
					return fmt.Errorf("probe %q: deliver document: %w", j.spec.Name, err)
				}
				j.documents.Add(1)
			}
			if ferr != nil {
				return fmt.Errorf("probe %q: %w", j.spec.Name, ferr)
			}
		}
		if rerr == nil {
			continue
		}
		if !errors.Is(rerr, io.EOF) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("probe %q: read stdout: %w", j.spec.Name, rerr)
		}

		// EOF: the child closed stdout, which in practice means it exited.
		waitErr := cmd.Wait()
		waited = true
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitErr == nil && j.spec.Repeat > 0 && framer.Buffered() == 0 {
			return nil
		}
		exitErr := &ExitError{
			Source:   j.spec.Name,
			ExitCode: cmd.ProcessState.ExitCode(),
			Stderr:   stderr.String(),
			Err:      waitErr,
		}
		if waitErr == nil && framer.Buffered() > 0 {
			exitErr.Err = fmt.Errorf("%d bytes of an incomplete document left", framer.Buffered())
		}
		return exitErr
	}
}

// Version runs the probe's version command and returns its trimmed output.
func (j *Job) Version(ctx context.Context) (string, error) {
	if len(j.spec.VersionArgs) == 0 {
		return "", nil
	}
	out, err := exec.CommandContext(ctx, j.spec.Binary, j.spec.VersionArgs...).Output()
	if err != nil {
		return "", fmt.Errorf("probe %q: version: %w", j.spec.Name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (j *Job) setState(s State, err error) {
	j.mu.Lock()
	j.state = s
	j.err = err
	j.mu.Unlock()
}

// boundedBuffer keeps the first max bytes written to it.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += len(p) - room
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return fmt.Sprintf("%s... (%d bytes truncated)", b.buf, b.dropped)
	}
	return string(b.buf)
}
