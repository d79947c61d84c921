package handover

import (
	"testing"
	"time"

	"github.com/fieldlink/safetransfer/pkg/transport/pathmon"
	"github.com/fieldlink/safetransfer/pkg/transport/scheduler"
)

func seedHealthy(table *pathmon.Table, tag pathmon.Tag, at time.Time, rtt time.Duration, loss, throughput float64) {
	p := table.Ensure(tag)
	for i := 0; i < 12; i++ {
		p.SampleRTT(at, rtt)
	}
	p.SampleLoss(at, loss)
	p.SampleThroughput(at, throughput)
}

func TestEvaluateHandsOverOnRTTSpike(t *testing.T) {
	table := pathmon.NewTable()
	now := time.Now()

	seedHealthy(table, "Wi-Fi", now, 20*time.Millisecond, 0.0, 50)
	seedHealthy(table, "5G", now, 25*time.Millisecond, 0.0, 50)

	sched := scheduler.New(table, nil)
	for i := 0; i < 3; i++ {
		sched.Enqueue(scheduler.ScheduledPacket{
			Priority: scheduler.PriorityCritical, StreamID: 1, Sequence: uint64(i),
			PreferredPath: "Wi-Fi", EnqueueTime: now,
		})
	}
	for i := 0; i < 3; i++ {
		if _, _, ok, err := sched.Dequeue(); err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
	}
	if got := sched.InFlightCount("Wi-Fi"); got != 3 {
		t.Fatalf("expected 3 in-flight on Wi-Fi, got %d", got)
	}

	// Spike Wi-Fi's RTT well past its baseline to raise TriggerRTTSpike.
	spikeAt := now.Add(time.Millisecond)
	table.Get("Wi-Fi").SampleRTT(spikeAt, 200*time.Millisecond)

	coord := New(table, sched)
	var seen []Event
	coord.Subscribe(func(ev Event) { seen = append(seen, ev) })

	events := coord.Evaluate(spikeAt)
	if len(events) != 1 {
		t.Fatalf("expected exactly one handover event, got %d", len(events))
	}
	ev := events[0]
	if ev.From != "Wi-Fi" || ev.To != "5G" {
		t.Fatalf("expected handover Wi-Fi->5G, got %s->%s", ev.From, ev.To)
	}
	if ev.Reason != ReasonRTTSpike {
		t.Fatalf("expected rtt_spike reason, got %s", ev.Reason)
	}
	if ev.PriorityMoved != 3 {
		t.Fatalf("expected 3 critical/high records moved, got %d", ev.PriorityMoved)
	}
	if len(seen) != 1 {
		t.Fatalf("expected subscriber to observe 1 event, got %d", len(seen))
	}

	if got := sched.InFlightCount("Wi-Fi"); got != 0 {
		t.Fatalf("expected 0 in-flight remaining on Wi-Fi, got %d", got)
	}
	if got := sched.InFlightCount("5G"); got != 3 {
		t.Fatalf("expected 3 in-flight relocated to 5G, got %d", got)
	}
}

func TestEvaluateIsIdempotentWithinCooldown(t *testing.T) {
	table := pathmon.NewTable()
	now := time.Now()

	seedHealthy(table, "Wi-Fi", now, 20*time.Millisecond, 0.0, 50)
	seedHealthy(table, "5G", now, 25*time.Millisecond, 0.0, 50)

	sched := scheduler.New(table, nil)
	coord := New(table, sched)

	spikeAt := now.Add(time.Millisecond)
	table.Get("Wi-Fi").SampleRTT(spikeAt, 200*time.Millisecond)

	first := coord.Evaluate(spikeAt)
	if len(first) != 1 {
		t.Fatalf("expected one handover on first evaluation, got %d", len(first))
	}

	// Trigger is still raised and the path is still flagged, but we're
	// inside the cooldown window: a second Evaluate must not re-handover.
	again := coord.Evaluate(spikeAt.Add(time.Second))
	if len(again) != 0 {
		t.Fatalf("expected no handover within cooldown, got %d", len(again))
	}

	if len(coord.Events()) != 1 {
		t.Fatalf("expected exactly one recorded event, got %d", len(coord.Events()))
	}
}

func TestForceHandoverRejectsUnknownTarget(t *testing.T) {
	table := pathmon.NewTable()
	seedHealthy(table, "Wi-Fi", time.Now(), 20*time.Millisecond, 0.0, 50)
	sched := scheduler.New(table, nil)
	coord := New(table, sched)

	_, err := coord.ForceHandover("Wi-Fi", "Ghost", time.Now())
	if err == nil {
		t.Fatalf("expected error forcing handover to unknown path")
	}
}

func TestForceHandoverRespectsCooldown(t *testing.T) {
	table := pathmon.NewTable()
	now := time.Now()
	seedHealthy(table, "Wi-Fi", now, 20*time.Millisecond, 0.0, 50)
	seedHealthy(table, "5G", now, 25*time.Millisecond, 0.0, 50)

	sched := scheduler.New(table, nil)
	coord := New(table, sched)

	if _, err := coord.ForceHandover("Wi-Fi", "5G", now); err != nil {
		t.Fatalf("first forced handover: %v", err)
	}
	if _, err := coord.ForceHandover("Wi-Fi", "5G", now.Add(time.Second)); err == nil {
		t.Fatalf("expected second forced handover to be rejected within cooldown")
	}
	if _, err := coord.ForceHandover("Wi-Fi", "5G", now.Add(cooldown+time.Second)); err != nil {
		t.Fatalf("expected forced handover to succeed after cooldown elapses: %v", err)
	}
}
