package probe

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinytelemetry/gauge/internal/jsonptr"
	"github.com/tinytelemetry/gauge/internal/model"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellSpec(name, script string) Spec {
	return Spec{Name: name, Binary: "sh", Args: []string{"-c", script}}
}

func recvN(t *testing.T, j *Job, n int) []model.Document {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var docs []model.Document
	for i := 0; i < n; i++ {
		d, err := j.Documents().Recv(ctx)
		if err != nil {
			t.Fatalf("Recv document %d: %v", i, err)
		}
		docs = append(docs, d)
	}
	return docs
}

func TestJobStreamsDocumentsInOrder(t *testing.T) {
	requireShell(t)

	// Split documents across writes so frames straddle read boundaries.
	script := `printf '{"a":{"b":1}}{"a":'; sleep 0.05; printf '{"b":3}}{"a":{"b"'; sleep 0.05; printf ':5}}'; exec sleep 30`
	j := NewJob(shellSpec("stream", script), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	docs := recvN(t, j, 3)
	path := jsonptr.New("a", "b")
	var got []float64
	for _, d := range docs {
		v, ok := path.Float64(d)
		if !ok {
			t.Fatalf("document %v has no /a/b", d)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]float64{1, 3, 5}, got); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel; child not killed")
	}
	if st := j.Status(); st.State != StateStopped || st.Documents != 3 {
		t.Fatalf("status = %+v, want stopped with 3 documents", st)
	}
}

func TestJobNonZeroExitFailsWithStderr(t *testing.T) {
	requireShell(t)

	j := NewJob(shellSpec("broken", `echo "no such device" >&2; exit 3`), nil)
	err := j.Run(context.Background())

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run error = %v, want *ExitError", err)
	}
	if exitErr.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", exitErr.ExitCode)
	}
	if !strings.Contains(exitErr.Stderr, "no such device") {
		t.Fatalf("stderr = %q, want captured diagnostic", exitErr.Stderr)
	}
	if j.Status().Documents != 0 {
		t.Fatalf("documents = %d, want 0", j.Status().Documents)
	}

	// The failure is visible to the consumer through the queue.
	_, rerr := j.Documents().Recv(context.Background())
	if !errors.As(rerr, &exitErr) {
		t.Fatalf("Recv after failure = %v, want the exit error", rerr)
	}
	if j.Status().State != StateFailed {
		t.Fatalf("state = %s, want failed", j.Status().State)
	}
}

func TestJobFailureDoesNotAffectSibling(t *testing.T) {
	requireShell(t)

	bad := NewJob(shellSpec("bad", `exit 1`), nil)
	good := NewJob(shellSpec("good", `while true; do printf '{"v":1}'; sleep 0.02; done`), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	badDone := make(chan error, 1)
	goodDone := make(chan error, 1)
	go func() { badDone <- bad.Run(ctx) }()
	go func() { goodDone <- good.Run(ctx) }()

	select {
	case err := <-badDone:
		if err == nil {
			t.Fatal("bad job returned nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bad job did not fail")
	}

	recvN(t, good, 5)
	if good.Status().State != StateRunning {
		t.Fatalf("good job state = %s, want running", good.Status().State)
	}

	cancel()
	<-goodDone
}

func TestJobCleanExitOfStreamingProbeIsPremature(t *testing.T) {
	requireShell(t)

	j := NewJob(shellSpec("short", `printf '{"v":1}'`), nil)
	err := j.Run(context.Background())

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run error = %v, want *ExitError", err)
	}
	// The document printed before exit is still delivered.
	docs := recvN(t, j, 1)
	if v, _ := jsonptr.New("v").Float64(docs[0]); v != 1 {
		t.Fatalf("document = %v", docs[0])
	}
}

func TestJobRepeatRerunsOneShotProbe(t *testing.T) {
	requireShell(t)

	spec := shellSpec("oneshot", `printf '{"v":2}\n'`)
	spec.Repeat = 10 * time.Millisecond
	j := NewJob(spec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	recvN(t, j, 3)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v, want nil after cancel", err)
	}
}

func TestJobSpawnError(t *testing.T) {
	j := NewJob(Spec{Name: "missing", Binary: "/nonexistent/probe-binary"}, nil)
	err := j.Run(context.Background())

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Run error = %v, want *SpawnError", err)
	}
}

func TestJobMalformedOutputFails(t *testing.T) {
	requireShell(t)

	j := NewJob(shellSpec("garbage", `printf 'not json'; exec sleep 30`), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := j.Run(ctx)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Run error = %v, want ErrMalformed", err)
	}
}

func TestSpecFor(t *testing.T) {
	tests := []struct {
		name    string
		src     model.SourceConfig
		want    Spec
		wantErr bool
	}{
		{
			name: "sensors",
			src:  model.SourceConfig{Kind: model.KindSensors},
			want: Spec{Name: "sensors", Binary: "sensors", Args: []string{"-j"}, Repeat: time.Second, VersionArgs: []string{"-v"}},
		},
		{
			name: "intel_gpu_top",
			src:  model.SourceConfig{Kind: model.KindIntelGPUTop, Device: "drm:/dev/dri/card0"},
			want: Spec{
				Name:       "intel_gpu_top",
				Binary:     "intel_gpu_top",
				Args:       []string{"-s", "1000", "-J", "-d", "drm:/dev/dri/card0"},
				Separators: "[],",
			},
		},
		{
			name:    "intel_gpu_top without device",
			src:     model.SourceConfig{Kind: model.KindIntelGPUTop},
			wantErr: true,
		},
		{
			name: "command",
			src:  model.SourceConfig{Name: "fan", Kind: model.KindCommand, Binary: "fanprobe", Args: []string{"--json"}, RepeatMS: 500},
			want: Spec{Name: "fan", Binary: "fanprobe", Args: []string{"--json"}, Repeat: 500 * time.Millisecond},
		},
		{
			name:    "command without binary",
			src:     model.SourceConfig{Kind: model.KindCommand},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			src:     model.SourceConfig{Kind: "nvidia-smi"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SpecFor(tt.src, time.Second)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SpecFor succeeded, want error: %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SpecFor: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("spec mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
