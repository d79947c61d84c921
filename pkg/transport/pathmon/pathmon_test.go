package pathmon

import (
	"testing"
	"time"
)

func TestRTTSpikeTrigger(t *testing.T) {
	p := NewPath("Wi-Fi")
	start := time.Now()

	for i := 0; i < 10; i++ {
		p.SampleRTT(start.Add(time.Duration(i)*time.Millisecond), 30*time.Millisecond)
	}
	snap := p.Snapshot(start.Add(10 * time.Millisecond))
	if snap.Trigger != TriggerNone {
		t.Fatalf("expected no trigger before spike, got %v", snap.Trigger)
	}

	spikeAt := start.Add(11 * time.Millisecond)
	p.SampleRTT(spikeAt, 100*time.Millisecond) // >= 40% over 30ms baseline
	snap = p.Snapshot(spikeAt)
	if snap.Trigger != TriggerRTTSpike {
		t.Fatalf("expected RTT spike trigger, got %v", snap.Trigger)
	}
}

func TestHighLossTrigger(t *testing.T) {
	p := NewPath("5G")
	now := time.Now()
	p.SampleRTT(now, 20*time.Millisecond)
	p.SampleLoss(now, 0.1)

	snap := p.Snapshot(now)
	if snap.Trigger != TriggerHighLoss {
		t.Fatalf("expected high loss trigger, got %v", snap.Trigger)
	}
}

func TestPathDownTrigger(t *testing.T) {
	p := NewPath("Satellite")
	now := time.Now()
	p.SampleRTT(now, 50*time.Millisecond)

	later := now.Add(6 * time.Second)
	snap := p.Snapshot(later)
	if snap.Trigger != TriggerPathDown {
		t.Fatalf("expected path down trigger, got %v", snap.Trigger)
	}
}

func TestNoSamplesIsPathDown(t *testing.T) {
	p := NewPath("Unseen")
	snap := p.Snapshot(time.Now())
	if snap.Trigger != TriggerPathDown {
		t.Fatalf("expected path down trigger for never-sampled path, got %v", snap.Trigger)
	}
}
