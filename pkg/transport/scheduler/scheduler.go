// Package scheduler implements the priority-aware multipath scheduler (C4):
// four FIFO priority queues, priority-specific path scoring and health
// gates, and in-flight tracking. Grounded on
// thelastdreamer-MultiWANBond/pkg/router/router.go's mode-based path scoring
// and selection, generalized from a single load-balance mode to the spec's
// four fixed priority-specific scoring formulas and health gates.
package scheduler

import (
	"container/list"
	"sync"
	"time"

	"github.com/fieldlink/safetransfer/pkg/transport/pathmon"
	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// Priority is strictly ordered: Critical preempts High preempts Medium
// preempts Bulk.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityBulk

	numPriorities = int(PriorityBulk) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// ScheduledPacket is one unit of outbound work awaiting a path assignment.
type ScheduledPacket struct {
	Priority      Priority
	Payload       []byte
	StreamID      uint64
	Sequence      uint64
	PreferredPath pathmon.Tag // empty means no preference
	EnqueueTime   time.Time
}

// InFlightKey identifies a single in-flight record.
type InFlightKey struct {
	Path     pathmon.Tag
	StreamID uint64
	Sequence uint64
}

// InFlightRecord is created on dequeue+send and destroyed on ack or handover.
type InFlightRecord struct {
	Path     pathmon.Tag
	StreamID uint64
	Sequence uint64
	Priority Priority
	SentAt   time.Time
}

// HoldTimeouts configures, per priority, how long a packet may sit at the
// head of its queue with no healthy path before the scheduler surfaces a
// PathUnavailable/Timeout failure to the caller. A zero duration means
// "never time out" (used by default for Bulk, per spec §9 Open Question:
// the exact drain policy when no path is healthy is left to configuration).
type HoldTimeouts map[Priority]time.Duration

// DefaultHoldTimeouts returns the scheduler's default hold policy: Bulk waits
// indefinitely; higher priorities surface failure after a few seconds.
func DefaultHoldTimeouts() HoldTimeouts {
	return HoldTimeouts{
		PriorityCritical: 2 * time.Second,
		PriorityHigh:     3 * time.Second,
		PriorityMedium:   5 * time.Second,
		PriorityBulk:     0,
	}
}

// queue is a plain FIFO of ScheduledPacket.
type queue struct {
	items *list.List
}

func newQueue() *queue { return &queue{items: list.New()} }

func (q *queue) push(p ScheduledPacket) { q.items.PushBack(p) }

func (q *queue) peek() (ScheduledPacket, bool) {
	if q.items.Len() == 0 {
		return ScheduledPacket{}, false
	}
	return q.items.Front().Value.(ScheduledPacket), true
}

func (q *queue) pop() (ScheduledPacket, bool) {
	e := q.items.Front()
	if e == nil {
		return ScheduledPacket{}, false
	}
	q.items.Remove(e)
	return e.Value.(ScheduledPacket), true
}

func (q *queue) len() int { return q.items.Len() }

// Scheduler owns the priority queue table and the in-flight table. It reads
// (never mutates) the shared pathmon.Table to score and gate candidate paths.
type Scheduler struct {
	mu       sync.Mutex
	queues   [numPriorities]*queue
	inFlight map[InFlightKey]InFlightRecord
	paths    *pathmon.Table
	hold     HoldTimeouts

	// mediumRotation is the round-robin cursor used when selecting a path
	// for Medium-priority packets (spec §4.4: "Medium uses round-robin
	// across healthy paths to avoid starving any single bearer").
	mediumRotation int
}

// New creates a Scheduler bound to the given path table.
func New(paths *pathmon.Table, hold HoldTimeouts) *Scheduler {
	if hold == nil {
		hold = DefaultHoldTimeouts()
	}
	s := &Scheduler{
		paths:    paths,
		inFlight: make(map[InFlightKey]InFlightRecord),
		hold:     hold,
	}
	for i := range s.queues {
		s.queues[i] = newQueue()
	}
	return s
}

// Enqueue places a packet into its priority's FIFO queue.
func (s *Scheduler) Enqueue(p ScheduledPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[p.Priority].push(p)
}

// QueueDepth reports how many packets are currently queued at a priority.
func (s *Scheduler) QueueDepth(p Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[p].len()
}

// Score computes the priority-specific score for a candidate path, per the
// formulas in spec §4.4. All inputs are in canonical units (ms, fraction,
// Mbps). Exported so the handover coordinator can compare candidate paths
// using the same formula the scheduler itself uses.
func Score(p Priority, stats pathmon.Stats) float64 {
	rttMs := float64(stats.RTT) / float64(time.Millisecond)
	loss := stats.Loss
	throughput := stats.ThroughputMbps

	switch p {
	case PriorityCritical:
		rttScore := 1 / (1 + rttMs/10)
		return rttScore - 10*loss
	case PriorityHigh:
		rttScore := 1 / (1 + rttMs/20)
		bonus := throughput / 100
		if bonus > 0.2 {
			bonus = 0.2
		}
		return rttScore - 5*loss + bonus
	case PriorityMedium:
		rttScore := 1 / (1 + rttMs/50)
		bonus := throughput / 200
		if bonus > 0.5 {
			bonus = 0.5
		}
		return rttScore + bonus - 2*loss
	case PriorityBulk:
		throughputTerm := throughput / 500
		if throughputTerm > 1.0 {
			throughputTerm = 1.0
		}
		rttPenalty := rttMs / 200
		if rttPenalty > 0.3 {
			rttPenalty = 0.3
		}
		return throughputTerm - rttPenalty
	default:
		return 0
	}
}

// Healthy reports whether a path passes the priority-specific gate (§4.4).
// Exported for the handover coordinator's candidate evaluation.
func Healthy(p Priority, stats pathmon.Stats) bool {
	rttMs := float64(stats.RTT) / float64(time.Millisecond)

	switch p {
	case PriorityCritical:
		return rttMs < 100 && stats.Loss < 0.05 && stats.QueueDepth < 100
	case PriorityHigh:
		return rttMs < 200 && stats.Loss < 0.07 && stats.QueueDepth < 200
	case PriorityMedium:
		return rttMs < 500 && stats.Loss < 0.10 && stats.QueueDepth < 500
	case PriorityBulk:
		return stats.Loss < 0.15
	default:
		return false
	}
}

// eligiblePaths returns the healthy-for-priority paths, in a stable tag
// order (sorted) so round-robin cursors behave deterministically.
func eligiblePaths(p Priority, snaps []pathmon.Stats) []pathmon.Stats {
	out := make([]pathmon.Stats, 0, len(snaps))
	for _, s := range snaps {
		if Healthy(p, s) {
			out = append(out, s)
		}
	}
	// simple insertion sort by tag for determinism; path counts are small
	for i := 1; i < len(out); i++ {
		v := out[i]
		j := i - 1
		for j >= 0 && out[j].Tag > v.Tag {
			out[j+1] = out[j]
			j--
		}
		out[j+1] = v
	}
	return out
}

// selectPath applies spec §4.4 Selection: preferred path if healthy,
// otherwise highest score (Medium instead round-robins across eligible
// paths), tie-broken by lower queue depth.
func (s *Scheduler) selectPath(priority Priority, preferred pathmon.Tag) (pathmon.Tag, bool) {
	now := time.Now()
	snaps := s.paths.Snapshot(now)
	eligible := eligiblePaths(priority, snaps)
	if len(eligible) == 0 {
		return "", false
	}

	if preferred != "" {
		for _, st := range eligible {
			if st.Tag == preferred {
				return preferred, true
			}
		}
	}

	if priority == PriorityMedium {
		chosen := eligible[s.mediumRotation%len(eligible)]
		s.mediumRotation++
		return chosen.Tag, true
	}

	best := eligible[0]
	for _, st := range eligible[1:] {
		bs, cs := Score(priority, best), Score(priority, st)
		if cs > bs || (cs == bs && st.QueueDepth < best.QueueDepth) {
			best = st
		}
	}
	return best.Tag, true
}

// Dequeue pops the highest-priority non-empty queue's head packet, selects a
// path for it, and records an in-flight entry. It returns ok=false if every
// queue is empty, and a PathUnavailable error if the head packet exists but
// no path is currently healthy for its priority.
func (s *Scheduler) Dequeue() (ScheduledPacket, pathmon.Tag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pr := Priority(0); int(pr) < numPriorities; pr++ {
		pkt, ok := s.queues[pr].peek()
		if !ok {
			continue
		}

		path, ok := s.selectPath(pr, pkt.PreferredPath)
		if !ok {
			if timeout, has := s.hold[pr]; has && timeout > 0 && time.Since(pkt.EnqueueTime) > timeout {
				s.queues[pr].pop()
				return pkt, "", false, xerrors.New(xerrors.TagTimeout, "no healthy path before hold timeout")
			}
			return ScheduledPacket{}, "", false, xerrors.New(xerrors.TagPathUnavailable, "no healthy path for priority "+pr.String())
		}

		s.queues[pr].pop()
		s.recordInFlightLocked(path, pkt)
		return pkt, path, true, nil
	}

	return ScheduledPacket{}, "", false, nil
}

func (s *Scheduler) recordInFlightLocked(path pathmon.Tag, pkt ScheduledPacket) {
	key := InFlightKey{Path: path, StreamID: pkt.StreamID, Sequence: pkt.Sequence}
	s.inFlight[key] = InFlightRecord{
		Path:     path,
		StreamID: pkt.StreamID,
		Sequence: pkt.Sequence,
		Priority: pkt.Priority,
		SentAt:   time.Now(),
	}
}

// DequeueBatch serves up to n packets across priorities by calling Dequeue
// repeatedly, so each packet's path comes from Dequeue's per-priority
// selection; packets are not spread round-robin across healthy paths beyond
// what that selection does. The batch ends when every queue is empty or the
// head packet has no healthy path (that packet stays queued). A head packet
// whose hold timeout has passed is removed by Dequeue, left out of the
// result, and the batch continues; the returned error is always nil.
func (s *Scheduler) DequeueBatch(n int) ([]struct {
	Packet ScheduledPacket
	Path   pathmon.Tag
}, error) {
	out := make([]struct {
		Packet ScheduledPacket
		Path   pathmon.Tag
	}, 0, n)

	for len(out) < n {
		s.mu.Lock()
		empty := true
		for pr := Priority(0); int(pr) < numPriorities; pr++ {
			if s.queues[pr].len() > 0 {
				empty = false
				break
			}
		}
		s.mu.Unlock()
		if empty {
			break
		}

		pkt, path, ok, err := s.Dequeue()
		if err != nil && !ok {
			if xerrors.Is(err, xerrors.TagPathUnavailable) {
				break
			}
			continue
		}
		if !ok {
			break
		}
		out = append(out, struct {
			Packet ScheduledPacket
			Path   pathmon.Tag
		}{Packet: pkt, Path: path})
	}

	return out, nil
}

// Ack removes the in-flight record for (path, streamID, sequence), if present.
func (s *Scheduler) Ack(path pathmon.Tag, streamID, sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, InFlightKey{Path: path, StreamID: streamID, Sequence: sequence})
}

// InFlightOn returns a copy of every in-flight record currently on path.
func (s *Scheduler) InFlightOn(path pathmon.Tag) []InFlightRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InFlightRecord, 0)
	for k, rec := range s.inFlight {
		if k.Path == path {
			out = append(out, rec)
		}
	}
	return out
}

// InFlightCount returns the total number of in-flight records, optionally
// filtered to a single path (empty tag means "all paths").
func (s *Scheduler) InFlightCount(path pathmon.Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == "" {
		return len(s.inFlight)
	}
	n := 0
	for k := range s.inFlight {
		if k.Path == path {
			n++
		}
	}
	return n
}

// InFlightCountsByPriority returns the number of in-flight records on path,
// broken down by priority. Used by the handover coordinator to report how
// many records of each class a relocation moved.
func (s *Scheduler) InFlightCountsByPriority(path pathmon.Tag) map[Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Priority]int, numPriorities)
	for k, rec := range s.inFlight {
		if k.Path == path {
			counts[rec.Priority]++
		}
	}
	return counts
}

// Relocate moves every in-flight record from one path to another, in the
// spec-mandated priority order (Critical/High first, then Bulk, then
// Medium — see §4.5 step 1-3). It is the primitive the handover coordinator
// builds on; the scheduler itself never decides *when* to relocate.
func (s *Scheduler) Relocate(from, to pathmon.Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var critHigh, bulk, medium []InFlightKey
	for k, rec := range s.inFlight {
		if k.Path != from {
			continue
		}
		switch rec.Priority {
		case PriorityCritical, PriorityHigh:
			critHigh = append(critHigh, k)
		case PriorityBulk:
			bulk = append(bulk, k)
		case PriorityMedium:
			medium = append(medium, k)
		}
	}

	moved := 0
	for _, group := range [][]InFlightKey{critHigh, bulk, medium} {
		for _, k := range group {
			rec := s.inFlight[k]
			delete(s.inFlight, k)
			rec.Path = to
			newKey := InFlightKey{Path: to, StreamID: rec.StreamID, Sequence: rec.Sequence}
			s.inFlight[newKey] = rec
			moved++
		}
	}
	return moved
}
