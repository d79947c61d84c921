// Package pathmon implements the path-health monitor (C3): per-path rolling
// RTT/loss/throughput history and the triggers that flag a path for
// handover. Grounded on thelastdreamer-MultiWANBond/pkg/health's rolling
// check-result windows and threshold-based status derivation, generalized
// from whole-WAN up/down/degraded status to the spec's advisory trigger
// vocabulary (RTT spike / high loss / path down).
package pathmon

import (
	"sync"
	"time"
)

// Tag identifies a path (bearer) by a stable name, e.g. "Wi-Fi", "5G",
// "Satellite", "Multipath".
type Tag string

// MonitoringWindow is the default rolling-history trim window (spec §4.3).
const MonitoringWindow = 200 * time.Millisecond

const (
	rttSpikeFactor      = 1.4
	highLossThreshold   = 0.07
	pathDownSilence     = 5 * time.Second
	baselineMinSamples  = 10
)

// Trigger enumerates the advisory handover triggers a path can raise.
type Trigger string

const (
	TriggerNone     Trigger = ""
	TriggerRTTSpike Trigger = "rtt_spike"
	TriggerHighLoss Trigger = "high_loss"
	TriggerPathDown Trigger = "path_down"
)

type sample struct {
	at    time.Time
	value float64
}

// Stats is a point-in-time snapshot of a path's health, consumed by the
// scheduler for scoring and health gates (§4.4) and by the observer
// interface (§6).
type Stats struct {
	Tag               Tag
	RTT               time.Duration
	Loss              float64 // fraction 0..1
	ThroughputMbps    float64
	BaselineRTT       time.Duration
	QueueDepth        int
	ActiveStreams     int
	CongestionWindow  int
	LastHandover      time.Time
	LastRTTSampleAt   time.Time
	Trigger           Trigger
}

// Path tracks rolling health history for one bearer.
type Path struct {
	mu sync.Mutex

	tag Tag

	rttHistory        []sample
	lossHistory       []sample
	throughputHistory []sample

	baselineRTT time.Duration

	queueDepth       int
	activeStreams    int
	congestionWindow int
	lastHandover     time.Time
	lastRTTSampleAt  time.Time
}

// NewPath creates an empty Path for the given tag.
func NewPath(tag Tag) *Path {
	return &Path{tag: tag}
}

func trim(samples []sample, now time.Time) []sample {
	cut := 0
	for cut < len(samples) && now.Sub(samples[cut].at) > MonitoringWindow {
		cut++
	}
	if cut == 0 {
		return samples
	}
	return append([]sample(nil), samples[cut:]...)
}

// SampleRTT records an RTT observation at time `at`.
func (p *Path) SampleRTT(at time.Time, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rttHistory = append(trim(p.rttHistory, at), sample{at: at, value: float64(rtt)})
	p.lastRTTSampleAt = at

	if len(p.rttHistory) >= baselineMinSamples {
		p.baselineRTT = time.Duration(median(p.rttHistory))
	} else if p.baselineRTT == 0 {
		p.baselineRTT = rtt
	}
}

// SampleLoss records a loss-fraction observation (0..1) at time `at`.
func (p *Path) SampleLoss(at time.Time, loss float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lossHistory = append(trim(p.lossHistory, at), sample{at: at, value: loss})
}

// SampleThroughput records a throughput observation (Mbps) at time `at`.
func (p *Path) SampleThroughput(at time.Time, mbps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.throughputHistory = append(trim(p.throughputHistory, at), sample{at: at, value: mbps})
}

// SetQueueDepth records the current outbound queue depth attributed to this path.
func (p *Path) SetQueueDepth(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueDepth = n
}

// SetActiveStreams records the current number of active streams on this path.
func (p *Path) SetActiveStreams(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeStreams = n
}

// MarkHandover records that a handover away from this path just occurred.
func (p *Path) MarkHandover(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHandover = at
}

func median(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = s.value
	}
	// insertion sort: sample windows are small (bounded by MonitoringWindow)
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		return (vals[mid-1] + vals[mid]) / 2
	}
	return vals[mid]
}

func mean(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.value
	}
	return sum / float64(len(samples))
}

// Snapshot evaluates the current triggers and returns a Stats snapshot.
// `now` is supplied by the caller so tests can control time deterministically.
func (p *Path) Snapshot(now time.Time) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var latestRTT time.Duration
	if len(p.rttHistory) > 0 {
		latestRTT = time.Duration(p.rttHistory[len(p.rttHistory)-1].value)
	}
	lossMean := mean(trim(p.lossHistory, now))
	throughputMean := mean(trim(p.throughputHistory, now))

	stats := Stats{
		Tag:              p.tag,
		RTT:              latestRTT,
		Loss:             lossMean,
		ThroughputMbps:   throughputMean,
		BaselineRTT:      p.baselineRTT,
		QueueDepth:       p.queueDepth,
		ActiveStreams:    p.activeStreams,
		CongestionWindow: p.congestionWindow,
		LastHandover:     p.lastHandover,
		LastRTTSampleAt:  p.lastRTTSampleAt,
	}
	stats.Trigger = evaluateTrigger(stats, now, len(p.rttHistory) > 0)
	return stats
}

func evaluateTrigger(stats Stats, now time.Time, hasRTTSample bool) Trigger {
	if hasRTTSample {
		if now.Sub(stats.LastRTTSampleAt) > pathDownSilence {
			return TriggerPathDown
		}
	} else {
		return TriggerPathDown
	}

	if stats.BaselineRTT > 0 && float64(stats.RTT) > float64(stats.BaselineRTT)*rttSpikeFactor {
		return TriggerRTTSpike
	}
	if stats.Loss > highLossThreshold {
		return TriggerHighLoss
	}
	return TriggerNone
}

// Tag reports the path's stable identifier.
func (p *Path) Tag() Tag { return p.tag }

// Table owns the set of known paths (§5's "partition state into
// (path_table, ...)" guidance): it is the sole mutator of the path map.
type Table struct {
	mu    sync.RWMutex
	paths map[Tag]*Path
}

// NewTable creates an empty path table.
func NewTable() *Table {
	return &Table{paths: make(map[Tag]*Path)}
}

// Ensure returns the Path for tag, creating it if this is the first time it
// has been seen.
func (t *Table) Ensure(tag Tag) *Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.paths[tag]; ok {
		return p
	}
	p := NewPath(tag)
	t.paths[tag] = p
	return p
}

// Get returns the Path for tag, or nil if unknown.
func (t *Table) Get(tag Tag) *Path {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paths[tag]
}

// Remove drops a path from the table (e.g. a bearer that is permanently gone).
func (t *Table) Remove(tag Tag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, tag)
}

// Snapshot returns a health snapshot for every known path.
func (t *Table) Snapshot(now time.Time) []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Stats, 0, len(t.paths))
	for _, p := range t.paths {
		out = append(out, p.Snapshot(now))
	}
	return out
}

// Tags returns the stable tags of every known path.
func (t *Table) Tags() []Tag {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Tag, 0, len(t.paths))
	for tag := range t.paths {
		out = append(out, tag)
	}
	return out
}
