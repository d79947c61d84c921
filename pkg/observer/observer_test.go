package observer

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

type fakeProvider struct {
	name string
	data map[string]interface{}
}

func (f fakeProvider) Name() string                     { return f.name }
func (f fakeProvider) Snapshot() map[string]interface{} { return f.data }

func TestCollectAggregatesAcrossProviders(t *testing.T) {
	h := NewHub()
	h.Register(fakeProvider{name: "fallback", data: map[string]interface{}{"state": "quic_basic", "errors": 3}})
	h.Register(fakeProvider{name: "session", data: map[string]interface{}{"active": 2}})

	snap := h.Collect(time.Now())
	if len(snap.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(snap.Components))
	}
	if snap.Components["fallback"]["state"] != "quic_basic" {
		t.Fatalf("unexpected fallback snapshot: %+v", snap.Components["fallback"])
	}
}

func TestUnregisterRemovesProvider(t *testing.T) {
	h := NewHub()
	h.Register(fakeProvider{name: "p", data: map[string]interface{}{"x": 1}})
	h.Unregister("p")

	snap := h.Collect(time.Now())
	if _, ok := snap.Components["p"]; ok {
		t.Fatalf("provider should have been removed")
	}
}

func TestSubscribeReceivesPublishedSnapshots(t *testing.T) {
	h := NewHub()
	h.Register(fakeProvider{name: "p", data: map[string]interface{}{"x": 1}})
	ch := h.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx, 10*time.Millisecond)
	defer cancel()

	select {
	case snap := <-ch:
		if len(snap.Components) != 1 {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a published snapshot")
	}
}

func TestSnapshotHTTPEndpointServesJSON(t *testing.T) {
	h := NewHub()
	h.Register(fakeProvider{name: "p", data: map[string]interface{}{"x": 1}})

	r := mux.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest("GET", "/api/v1/snapshot", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	h := NewHub()
	h.Register(fakeProvider{name: "p", data: map[string]interface{}{"x": 42}})
	h.Collect(time.Now())

	r := mux.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "safetransfer_component_value") {
		t.Fatalf("expected metric name in output, got: %s", rec.Body.String())
	}
}
