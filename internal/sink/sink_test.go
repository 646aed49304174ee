package sink

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tinytelemetry/gauge/internal/model"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func samplePoints() []model.Point {
	return []model.Point{
		{Measurement: "sensors", Tags: map[string]string{"host": "bench"}, Fields: map[string]float64{"cpu": 41.5, "nvme": 38.25}, Time: testTime},
		{Measurement: "intel_gpu_top", Tags: map[string]string{"gpu": "0"}, Fields: map[string]float64{"render": 12.5}, Time: testTime},
	}
}

type fakeSink struct {
	name    string
	err     error
	closed  bool
	batches [][]model.Point
	order   *[]string
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) WritePoints(_ context.Context, points []model.Point) error {
	f.batches = append(f.batches, points)
	return f.err
}

func (f *fakeSink) Close() error {
	f.closed = true
	if f.order != nil {
		*f.order = append(*f.order, f.name)
	}
	return nil
}

func TestMultiWritesEverySinkAndJoinsErrors(t *testing.T) {
	errDown := errors.New("down")
	a := &fakeSink{name: "a", err: errDown}
	b := &fakeSink{name: "b"}
	m := NewMulti(a, b)

	err := m.WritePoints(context.Background(), samplePoints())
	if !errors.Is(err, errDown) {
		t.Fatalf("WritePoints error = %v, want wrapped errDown", err)
	}
	if !strings.Contains(err.Error(), "a: down") {
		t.Fatalf("error %q does not name the failing sink", err)
	}
	if len(a.batches) != 1 || len(b.batches) != 1 {
		t.Fatalf("batches a=%d b=%d, want 1 each", len(a.batches), len(b.batches))
	}
}

func TestMultiClosesInReverseOrder(t *testing.T) {
	var order []string
	m := NewMulti(&fakeSink{name: "first", order: &order}, &fakeSink{name: "second", order: &order})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if strings.Join(order, ",") != "second,first" {
		t.Fatalf("close order = %v", order)
	}
}

func TestLogSinkLogsEachPoint(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLog(zap.New(core))

	if err := s.WritePoints(context.Background(), samplePoints()); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}
	entries := logs.FilterMessage("point").All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	if got := entries[0].ContextMap()["measurement"]; got != "sensors" {
		t.Fatalf("measurement = %v", got)
	}
}

func TestWaitUntilRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := WaitUntil(context.Background(), RetrySettings{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestWaitUntilStopsOnPermanent(t *testing.T) {
	errAuth := errors.New("bad credentials")
	calls := 0
	err := WaitUntil(context.Background(), DefaultRetry(time.Second), func() error {
		calls++
		return Permanent(errAuth)
	})
	if !errors.Is(err, errAuth) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want errAuth after one call", err, calls)
	}
}

func TestWaitUntilGivesUp(t *testing.T) {
	start := time.Now()
	err := WaitUntil(context.Background(), RetrySettings{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  50 * time.Millisecond,
	}, func() error { return errors.New("refused") })
	if err == nil {
		t.Fatal("WaitUntil succeeded, want error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("WaitUntil ignored MaxElapsedTime")
	}
}
