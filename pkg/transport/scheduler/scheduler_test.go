package scheduler

import (
	"testing"
	"time"

	"github.com/fieldlink/safetransfer/pkg/transport/pathmon"
)

func healthyPath(table *pathmon.Table, tag pathmon.Tag, rtt time.Duration, loss, throughput float64) {
	p := table.Ensure(tag)
	now := time.Now()
	for i := 0; i < 12; i++ {
		p.SampleRTT(now, rtt)
	}
	p.SampleLoss(now, loss)
	p.SampleThroughput(now, throughput)
}

func TestPriorityOrdering(t *testing.T) {
	table := pathmon.NewTable()
	healthyPath(table, "Wi-Fi", 20*time.Millisecond, 0.01, 50)

	s := New(table, nil)
	s.Enqueue(ScheduledPacket{Priority: PriorityBulk, StreamID: 1, Sequence: 1, EnqueueTime: time.Now()})
	s.Enqueue(ScheduledPacket{Priority: PriorityCritical, StreamID: 1, Sequence: 2, EnqueueTime: time.Now()})

	pkt, _, ok, err := s.Dequeue()
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if pkt.Priority != PriorityCritical {
		t.Fatalf("expected Critical dequeued first, got %v", pkt.Priority)
	}
}

func TestHealthGateExcludesUnhealthyPath(t *testing.T) {
	table := pathmon.NewTable()
	healthyPath(table, "Bad", 150*time.Millisecond, 0.01, 10) // rtt >= 100ms fails Critical gate

	s := New(table, nil)
	s.Enqueue(ScheduledPacket{Priority: PriorityCritical, StreamID: 1, Sequence: 1, EnqueueTime: time.Now()})

	_, _, ok, err := s.Dequeue()
	if ok {
		t.Fatalf("expected no path available for Critical on unhealthy path")
	}
	if err == nil {
		t.Fatalf("expected PathUnavailable error")
	}
}

func TestInFlightRelocate(t *testing.T) {
	table := pathmon.NewTable()
	healthyPath(table, "A", 20*time.Millisecond, 0.0, 50)
	healthyPath(table, "B", 25*time.Millisecond, 0.0, 50)

	s := New(table, nil)
	for i := 0; i < 5; i++ {
		s.Enqueue(ScheduledPacket{Priority: PriorityCritical, StreamID: 1, Sequence: uint64(i), PreferredPath: "A", EnqueueTime: time.Now()})
	}
	for i := 0; i < 5; i++ {
		if _, _, ok, err := s.Dequeue(); err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
	}

	if got := s.InFlightCount("A"); got != 5 {
		t.Fatalf("expected 5 in-flight on A, got %d", got)
	}

	moved := s.Relocate("A", "B")
	if moved != 5 {
		t.Fatalf("expected 5 records moved, got %d", moved)
	}
	if got := s.InFlightCount("A"); got != 0 {
		t.Fatalf("expected 0 in-flight remaining on A, got %d", got)
	}
	if got := s.InFlightCount("B"); got != 5 {
		t.Fatalf("expected 5 in-flight on B, got %d", got)
	}
}

func TestCriticalNeverScheduledOnUnhealthyPath(t *testing.T) {
	table := pathmon.NewTable()
	healthyPath(table, "Marginal", 99*time.Millisecond, 0.049, 10)
	healthyPath(table, "Bad", 101*time.Millisecond, 0.06, 200)

	s := New(table, nil)
	for i := 0; i < 20; i++ {
		s.Enqueue(ScheduledPacket{Priority: PriorityCritical, StreamID: 1, Sequence: uint64(i), EnqueueTime: time.Now()})
	}
	for i := 0; i < 20; i++ {
		_, path, ok, err := s.Dequeue()
		if err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
		if path != "Marginal" {
			t.Fatalf("expected only the healthy path to be selected, got %q", path)
		}
	}
}
