// Package handover implements the handover coordinator (C5): it listens to
// path-monitor triggers and, when a healthier alternative exists, relocates
// in-flight work from the flagged path to the alternative without dropping
// any packet. Grounded on
// thelastdreamer-MultiWANBond/pkg/router/failover.go's failover/failback
// cooldown and callback-emission idiom, generalized from whole-WAN failover
// to per-in-flight-record relocation driven by the scheduler's scoring.
package handover

import (
	"sync"
	"time"

	"github.com/fieldlink/safetransfer/pkg/transport/pathmon"
	"github.com/fieldlink/safetransfer/pkg/transport/scheduler"
	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// Reason identifies why a handover was performed.
type Reason string

const (
	ReasonRTTSpike Reason = "rtt_spike"
	ReasonHighLoss Reason = "high_loss"
	ReasonPathDown Reason = "path_down"
	ReasonManual   Reason = "manual"
)

// Event is emitted for every completed handover (spec §4.5 step 4).
type Event struct {
	Timestamp     time.Time
	From          pathmon.Tag
	To            pathmon.Tag
	Reason        Reason
	PriorityMoved int // count of Critical/High records moved
	BulkMoved     int
	MediumMoved   int
}

// cooldown suppresses further handovers away from the same path for a
// minimum duration (spec §4.5 step 5).
const cooldown = 5 * time.Second

// scoreBetterThreshold is the minimum relative improvement (spec §4.5: "at
// least 10% higher") a candidate path's score must show over the flagged
// path for the same priority before a handover is considered.
const scoreBetterThreshold = 1.10

// Coordinator relocates in-flight work between paths in response to
// path-monitor triggers.
type Coordinator struct {
	mu        sync.Mutex
	paths     *pathmon.Table
	sched     *scheduler.Scheduler
	events    []Event
	listeners []func(Event)
}

// New creates a Coordinator bound to the shared path table and scheduler.
func New(paths *pathmon.Table, sched *scheduler.Scheduler) *Coordinator {
	return &Coordinator{paths: paths, sched: sched}
}

// Subscribe registers a callback invoked (synchronously, after the
// coordinator's own bookkeeping) whenever a handover completes. Modeled as
// message passing rather than the coordinator and scheduler holding mutual
// references, per spec §9's design note on breaking the cyclic
// scheduler/coordinator relationship.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func triggerReason(t pathmon.Trigger) Reason {
	switch t {
	case pathmon.TriggerRTTSpike:
		return ReasonRTTSpike
	case pathmon.TriggerHighLoss:
		return ReasonHighLoss
	case pathmon.TriggerPathDown:
		return ReasonPathDown
	default:
		return ""
	}
}

// scorePriorities are the priorities the coordinator checks, in the order
// spec §4.5 step 1-3 relocates in-flight records: Critical/High first is
// implicit in the scheduler's Relocate, but candidate-scoring here only
// needs to find *one* priority the candidate is healthy+better for.
var scorePriorities = []scheduler.Priority{
	scheduler.PriorityCritical,
	scheduler.PriorityHigh,
	scheduler.PriorityMedium,
	scheduler.PriorityBulk,
}

// pathScore delegates to scheduler.Score, so the coordinator compares
// candidates with the same formulas the scheduler uses to select paths.
func pathScore(p scheduler.Priority, stats pathmon.Stats) float64 {
	return scheduler.Score(p, stats)
}

func pathHealthy(p scheduler.Priority, stats pathmon.Stats) bool {
	return scheduler.Healthy(p, stats)
}

// Evaluate checks every known path for a raised trigger and, for each
// flagged path, looks for a healthy alternative that scores at least 10%
// better for some priority. If found, it performs the handover and returns
// the resulting events (possibly empty).
func (c *Coordinator) Evaluate(now time.Time) []Event {
	snaps := c.paths.Snapshot(now)

	var produced []Event
	for _, flagged := range snaps {
		if flagged.Trigger == pathmon.TriggerNone {
			continue
		}
		if now.Sub(flagged.LastHandover) < cooldown {
			continue // suppressed: still in cooldown from a prior handover off this path
		}

		best, _, ok := c.findBetterAlternative(flagged, snaps)
		if !ok {
			continue
		}

		ev := c.perform(flagged.Tag, best, triggerReason(flagged.Trigger), now)
		produced = append(produced, ev)
	}
	return produced
}

func (c *Coordinator) findBetterAlternative(flagged pathmon.Stats, snaps []pathmon.Stats) (pathmon.Tag, scheduler.Priority, bool) {
	for _, priority := range scorePriorities {
		flaggedScore := pathScore(priority, flagged)

		for _, cand := range snaps {
			if cand.Tag == flagged.Tag {
				continue
			}
			if !pathHealthy(priority, cand) {
				continue
			}
			candScore := pathScore(priority, cand)
			if flaggedScore <= 0 {
				if candScore > 0 {
					return cand.Tag, priority, true
				}
				continue
			}
			if candScore >= flaggedScore*scoreBetterThreshold {
				return cand.Tag, priority, true
			}
		}
	}
	return "", 0, false
}

// perform executes the relocation and records the event. Calling it twice
// for the same (from, to) within the cooldown is idempotent: the second call
// is suppressed by Evaluate's cooldown check, and ForceHandover explicitly
// re-checks cooldown via HandoverRejected.
func (c *Coordinator) perform(from, to pathmon.Tag, reason Reason, now time.Time) Event {
	before := c.sched.InFlightCountsByPriority(from)
	c.sched.Relocate(from, to)

	ev := Event{
		Timestamp:     now,
		From:          from,
		To:            to,
		Reason:        reason,
		PriorityMoved: before[scheduler.PriorityCritical] + before[scheduler.PriorityHigh],
		BulkMoved:     before[scheduler.PriorityBulk],
		MediumMoved:   before[scheduler.PriorityMedium],
	}

	if p := c.paths.Get(from); p != nil {
		p.MarkHandover(now)
	}

	c.mu.Lock()
	c.events = append(c.events, ev)
	listeners := append([]func(Event){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}

	return ev
}

// ForceHandover performs a manual handover, honoring the same cooldown rule
// triggers do. Returns a HandoverRejected-tagged error if preconditions
// (existing candidate path, cooldown) are unmet.
func (c *Coordinator) ForceHandover(from, to pathmon.Tag, now time.Time) (Event, error) {
	if p := c.paths.Get(from); p != nil {
		snap := p.Snapshot(now)
		if now.Sub(snap.LastHandover) < cooldown {
			return Event{}, xerrors.New(xerrors.TagHandoverRejected, "path still in handover cooldown")
		}
	}
	if c.paths.Get(to) == nil {
		return Event{}, xerrors.New(xerrors.TagHandoverRejected, "target path unknown")
	}

	return c.perform(from, to, ReasonManual, now), nil
}

// Events returns a copy of every handover event recorded so far.
func (c *Coordinator) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}
