package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	query  string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.query = r.URL.RawQuery
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"bucket not found"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func openTestInflux(t *testing.T, f *fakeInflux) *Influx {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	s, err := OpenInflux(context.Background(), InfluxConfig{
		Host: srv.URL, Org: "home", Bucket: "telemetry", Token: "secret",
	}, DefaultRetry(2*time.Second))
	if err != nil {
		t.Fatalf("OpenInflux: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInfluxWritesLineProtocol(t *testing.T) {
	f := &fakeInflux{}
	s := openTestInflux(t, f)

	if err := s.WritePoints(context.Background(), samplePoints()); err != nil {
		t.Fatalf("WritePoints: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) != 1 {
		t.Fatalf("got %d write requests, want 1 per batch", len(f.bodies))
	}
	body := f.bodies[0]
	for _, want := range []string{
		"sensors,host=bench cpu=41.5,nvme=38.25 ",
		"intel_gpu_top,gpu=0 render=12.5 ",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %q missing %q", body, want)
		}
	}
	if !strings.Contains(f.query, "bucket=telemetry") || !strings.Contains(f.query, "org=home") {
		t.Fatalf("query = %q", f.query)
	}
}

func TestInfluxWriteErrorSurfaces(t *testing.T) {
	f := &fakeInflux{status: http.StatusNotFound}
	s := openTestInflux(t, f)

	if err := s.WritePoints(context.Background(), samplePoints()); err == nil {
		t.Fatal("WritePoints succeeded against a failing server")
	}
}

func TestOpenInfluxRequiresAddress(t *testing.T) {
	if _, err := OpenInflux(context.Background(), InfluxConfig{Host: "http://localhost:8086"}, DefaultRetry(time.Second)); err == nil {
		t.Fatal("OpenInflux accepted a config without org and bucket")
	}
}
