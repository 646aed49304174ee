package main

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tinytelemetry/gauge/internal/cycle"
	"github.com/tinytelemetry/gauge/internal/duckdb"
	"github.com/tinytelemetry/gauge/internal/httpserver"
	"github.com/tinytelemetry/gauge/internal/journal"
	"github.com/tinytelemetry/gauge/internal/model"
)

type pipelineStack struct {
	store   *duckdb.Store
	journal *journal.Journal
	api     *httpserver.Server
	apiAddr string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runErr error
}

// startPipeline runs the probe jobs for cfg, the cycle loop, a DuckDB sink
// and the HTTP API, the way runServer wires them.
func startPipeline(t *testing.T, cfg appConfig) *pipelineStack {
	t.Helper()

	dir := t.TempDir()
	store, err := duckdb.NewStore(filepath.Join(dir, "gauge-e2e.duckdb"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	j, err := journal.Open(filepath.Join(dir, "points.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobs, sources, err := buildJobs(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}

	reg := prometheus.NewRegistry()
	orch, err := cycle.New(cycle.Config{
		Interval:    cfg.SampleInterval(),
		SampleCount: cfg.SampleCount,
	}, sources, store, cycle.WithJournal(j), cycle.WithMetrics(cycle.NewMetrics(reg)))
	if err != nil {
		t.Fatalf("cycle.New: %v", err)
	}

	api := httpserver.NewServer("127.0.0.1:0", httpserver.Deps{
		Points:   store,
		Stats:    orch.Stats,
		Jobs:     jobStatuses(jobs),
		Gatherer: reg,
	})
	if err := api.Start(); err != nil {
		t.Fatalf("http Start: %v", err)
	}

	stack := &pipelineStack{store: store, journal: j, api: api, apiAddr: api.Addr(), cancel: cancel}
	for _, job := range jobs {
		stack.wg.Add(1)
		go func() {
			defer stack.wg.Done()
			_ = job.Run(ctx)
		}()
	}
	stack.wg.Add(1)
	go func() {
		defer stack.wg.Done()
		stack.runErr = orch.Run(ctx)
	}()

	t.Cleanup(func() {
		stack.cancel()
		stack.wg.Wait()
		if stack.runErr != nil {
			t.Errorf("cycle loop failed: %v", stack.runErr)
		}
		_ = stack.api.Stop()
		_ = stack.journal.Close()
		_ = stack.store.Close()
	})
	return stack
}

func waitEventually(t *testing.T, timeout, interval time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("eventually timeout: %s", msg)
		}
		time.Sleep(interval)
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func pipelineConfig() appConfig {
	return appConfig{
		SampleIntervalMS: 50,
		SampleCount:      2,
		Commands: []model.SourceConfig{
			{
				// Back-to-back documents with no delimiter between them.
				Name:    "load",
				Enabled: true,
				Binary:  "sh",
				Args:    []string{"-c", `i=0; while :; do printf '{"load":{"m1":%d}}' $i; i=$((i+1)); sleep 0.01; done`},
				Values:  []model.ValueMapping{{Name: "m1", Segments: []string{"load", "m1"}}},
			},
			{
				// One document per run, like sensors -j.
				Name:     "temps",
				Enabled:  true,
				Binary:   "sh",
				Args:     []string{"-c", `printf '{"coretemp":{"temp1_input":40.5}}'`},
				RepeatMS: 10,
				Tags:     []model.Tag{{Name: "host", Value: "bench"}},
				Values:   []model.ValueMapping{{Name: "temp", Segments: []string{"coretemp", "temp1_input"}}},
			},
		},
	}
}

func TestPipeline_ProbesToStoreAndAPI(t *testing.T) {
	stack := startPipeline(t, pipelineConfig())
	ctx := context.Background()

	waitEventually(t, 10*time.Second, 20*time.Millisecond, func() bool {
		counts, err := stack.store.MeasurementCounts(ctx)
		return err == nil && counts["load"] >= 2 && counts["temps"] >= 2
	}, "points from both sources did not reach the store")

	var latest struct {
		Points []model.Point `json:"points"`
		Count  int           `json:"count"`
	}
	getJSON(t, "http://"+stack.apiAddr+"/api/points/latest?limit=50", &latest)
	if latest.Count == 0 {
		t.Fatal("latest points endpoint returned nothing")
	}

	var sawTemps bool
	for _, p := range latest.Points {
		if p.Measurement != "temps" {
			continue
		}
		sawTemps = true
		if p.Fields["temp"] != 40.5 {
			t.Fatalf("temps.temp = %v, want 40.5", p.Fields["temp"])
		}
		if p.Tags["host"] != "bench" {
			t.Fatalf("temps tags = %v, want host=bench", p.Tags)
		}
	}
	if !sawTemps {
		t.Fatalf("no temps point in %+v", latest.Points)
	}

	// Every written batch is committed.
	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		pending := 0
		_ = stack.journal.Replay(func(uint64, []model.Point) error {
			pending++
			return nil
		})
		return pending <= 1
	}, "journal kept uncommitted batches")
}

func TestPipeline_FailedProbeIsExcluded(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Commands = append(cfg.Commands, model.SourceConfig{
		Name:    "broken",
		Enabled: true,
		Binary:  "sh",
		Args:    []string{"-c", "echo 'no sensors found' >&2; exit 2"},
		Values:  []model.ValueMapping{{Name: "v", Segments: []string{"v"}}},
	})
	stack := startPipeline(t, cfg)

	var health struct {
		Status      string            `json:"status"`
		Active      []string          `json:"active_sources"`
		DeadSources map[string]string `json:"dead_sources"`
	}
	waitEventually(t, 10*time.Second, 20*time.Millisecond, func() bool {
		getJSON(t, "http://"+stack.apiAddr+"/api/health", &health)
		return health.DeadSources["broken"] != ""
	}, "failed probe was not reported")

	if health.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", health.Status)
	}
	if len(health.Active) != 2 {
		t.Fatalf("active sources = %v, want load and temps", health.Active)
	}

	ctx := context.Background()
	waitEventually(t, 10*time.Second, 20*time.Millisecond, func() bool {
		counts, err := stack.store.MeasurementCounts(ctx)
		return err == nil && counts["load"] >= 2 && counts["broken"] == 0
	}, "healthy sources stopped producing after a sibling failed")
}
