// Package observer implements the read-only pull-based observability
// surface (§6): a Snapshot() API per component aggregated by a Hub and
// exported three ways — Prometheus gauges, a JSON HTTP endpoint, and an
// in-process channel for embedding. No dashboard UI is built. Grounded on
// thelastdreamer-MultiWANBond/pkg/metrics/collector.go's per-category
// snapshot-table shape, re-expressed with prometheus/client_golang and
// gorilla/mux in place of the teacher's hand-rolled text exporters (both
// deps are present, unused, in the teacher's go.mod per SPEC_FULL.md's
// dependency table).
package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider is implemented by any component willing to report a named
// snapshot of scalar metrics. Values should be numeric where possible;
// non-numeric values still appear in the JSON snapshot but are skipped by
// the Prometheus export.
type Provider interface {
	Name() string
	Snapshot() map[string]interface{}
}

// Snapshot is one point-in-time aggregation across every registered
// provider.
type Snapshot struct {
	Timestamp  time.Time                         `json:"timestamp"`
	Components map[string]map[string]interface{} `json:"components"`
}

// Hub owns the provider registry and the Prometheus registry backing it.
// Grounded on Collector's per-category-map-plus-mutex shape, collapsed to a
// single provider map since this layer's providers self-describe their own
// fields rather than the teacher's fixed WAN/flow/system categories.
type Hub struct {
	mu        sync.RWMutex
	providers map[string]Provider

	registry *prometheus.Registry
	gauge    *prometheus.GaugeVec

	subMu       sync.Mutex
	subscribers []chan Snapshot
}

// NewHub constructs an empty Hub with its own Prometheus registry, so
// embedding applications can mount it without colliding with the default
// global registry.
func NewHub() *Hub {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "safetransfer",
		Name:      "component_value",
		Help:      "Scalar value reported by a component's observer snapshot.",
	}, []string{"provider", "key"})
	reg.MustRegister(gauge)

	return &Hub{
		providers: make(map[string]Provider),
		registry:  reg,
		gauge:     gauge,
	}
}

// Register adds or replaces a provider under its own Name().
func (h *Hub) Register(p Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers[p.Name()] = p
}

// Unregister removes a provider, e.g. when its owning session closes.
func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.providers, name)
}

// Collect pulls every provider's Snapshot, mirrors numeric fields into the
// Prometheus gauge vector, and returns the aggregate.
func (h *Hub) Collect(now time.Time) Snapshot {
	h.mu.RLock()
	providers := make([]Provider, 0, len(h.providers))
	for _, p := range h.providers {
		providers = append(providers, p)
	}
	h.mu.RUnlock()

	components := make(map[string]map[string]interface{}, len(providers))
	for _, p := range providers {
		data := p.Snapshot()
		components[p.Name()] = data
		for key, val := range data {
			if f, ok := numeric(val); ok {
				h.gauge.WithLabelValues(p.Name(), key).Set(f)
			}
		}
	}

	return Snapshot{Timestamp: now, Components: components}
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Subscribe returns a channel that receives every Snapshot produced by Run,
// for embedding applications that want push-style delivery without HTTP.
// The channel is buffered by one and drops snapshots if the reader falls
// behind, so a slow consumer never blocks collection.
func (h *Hub) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	h.subMu.Lock()
	h.subscribers = append(h.subscribers, ch)
	h.subMu.Unlock()
	return ch
}

func (h *Hub) publish(snap Snapshot) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Run collects and publishes a Snapshot every interval until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			h.publish(h.Collect(t))
		}
	}
}

// MetricsHandler serves the Prometheus text exposition format.
func (h *Hub) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// RegisterRoutes mounts /metrics and the read-only JSON snapshot endpoint
// at /api/v1/snapshot on r.
func (h *Hub) RegisterRoutes(r *mux.Router) {
	r.Handle("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/snapshot", func(w http.ResponseWriter, req *http.Request) {
		snap := h.Collect(time.Now())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	}).Methods(http.MethodGet)
}
