package receiver

import (
	"bytes"
	"testing"
	"time"

	"github.com/fieldlink/safetransfer/pkg/transport/fec"
	"github.com/fieldlink/safetransfer/pkg/transport/packet"
)

func TestInOrderDataDelivery(t *testing.T) {
	r := New(16)
	for i := uint64(0); i < 3; i++ {
		raw := packet.New(packet.TypeData, i, 0, 0, 0, []byte{byte(i)}).Serialize()
		out, err := r.Ingest(1, raw, fec.AlgorithmReedSolomon, fec.PresetDefault)
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if len(out) != 1 || out[0] != byte(i) {
			t.Fatalf("expected immediate delivery of byte %d, got %v", i, out)
		}
	}
}

func TestOutOfOrderDataBuffersUntilContiguous(t *testing.T) {
	r := New(16)

	raw2 := packet.New(packet.TypeData, 2, 0, 0, 0, []byte{2}).Serialize()
	out, _ := r.Ingest(1, raw2, fec.AlgorithmReedSolomon, fec.PresetDefault)
	if out != nil {
		t.Fatalf("expected no delivery before sequence 0/1 arrive, got %v", out)
	}

	raw0 := packet.New(packet.TypeData, 0, 0, 0, 0, []byte{0}).Serialize()
	out, _ = r.Ingest(1, raw0, fec.AlgorithmReedSolomon, fec.PresetDefault)
	if !bytes.Equal(out, []byte{0}) {
		t.Fatalf("expected delivery of byte 0, got %v", out)
	}

	raw1 := packet.New(packet.TypeData, 1, 0, 0, 0, []byte{1}).Serialize()
	out, _ = r.Ingest(1, raw1, fec.AlgorithmReedSolomon, fec.PresetDefault)
	if !bytes.Equal(out, []byte{1, 2}) {
		t.Fatalf("expected delivery of bytes 1 and 2 together, got %v", out)
	}
}

func TestSequenceNeverDeliveredTwice(t *testing.T) {
	r := New(16)
	raw := packet.New(packet.TypeData, 0, 0, 0, 0, []byte{9}).Serialize()
	if out, _ := r.Ingest(1, raw, fec.AlgorithmReedSolomon, fec.PresetDefault); !bytes.Equal(out, []byte{9}) {
		t.Fatalf("expected first delivery, got %v", out)
	}
	if out, _ := r.Ingest(1, raw, fec.AlgorithmReedSolomon, fec.PresetDefault); out != nil {
		t.Fatalf("expected no re-delivery of an already-consumed sequence, got %v", out)
	}
}

func TestFECRecoversDroppedDataShards(t *testing.T) {
	preset := fec.Preset{DataShards: 4, ParityShards: 2}
	enc, err := fec.NewEncoder(fec.AlgorithmReedSolomon, preset)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	payload := bytes.Repeat([]byte{0x55}, 400)
	shards, info, err := enc.EncodeBlock(7, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	r := New(16)
	const baseSeq = uint64(100)

	// Drop shard 0 and 1 (two of four data shards); deliver shard 2, 3 and
	// both parity shards. With k=4, any 4 of 6 shards suffice.
	order := []int{2, 3, 4, 5}
	var lastOut []byte
	for _, idx := range order {
		typ := packet.TypeData
		if idx >= info.DataShards {
			typ = packet.TypeFecParity
		}
		raw := packet.New(typ, baseSeq+uint64(idx), 7, uint16(idx), uint16(info.TotalShards()), shards[idx]).Serialize()
		out, ferr := r.Ingest(1, raw, fec.AlgorithmReedSolomon, preset)
		if ferr != nil {
			t.Fatalf("ingest shard %d: %v", idx, ferr)
		}
		if out != nil {
			lastOut = out
		}
	}

	want := payload[:info.ShardSize*info.DataShards]
	if !bytes.Equal(lastOut, want) {
		t.Fatalf("expected recovered+already-contiguous bytes to match original payload, got len=%d want len=%d", len(lastOut), len(want))
	}

	stats := r.Snapshot()
	if stats.FECRecovered != 1 {
		t.Fatalf("expected 1 FEC-recovered block, got %d", stats.FECRecovered)
	}
}

func TestChecksumFailureDropsNonFECPacket(t *testing.T) {
	r := New(16)
	raw := packet.New(packet.TypeData, 0, 0, 0, 0, []byte{1, 2, 3}).Serialize()
	raw[len(raw)-1] ^= 0xFF // corrupt last payload byte

	out, err := r.Ingest(1, raw, fec.AlgorithmReedSolomon, fec.PresetDefault)
	if out != nil {
		t.Fatalf("expected no delivery for corrupted non-FEC packet, got %v", out)
	}
	if err == nil {
		t.Fatalf("expected integrity error")
	}
	if r.Snapshot().ChecksumFailures != 1 {
		t.Fatalf("expected checksum failure counted")
	}
}

func TestSweepDiscardsIdleStreams(t *testing.T) {
	r := New(16)
	raw := packet.New(packet.TypeData, 5, 0, 0, 0, []byte{1}).Serialize()
	if _, err := r.Ingest(1, raw, fec.AlgorithmReedSolomon, fec.PresetDefault); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	removed := r.Sweep(time.Now().Add(time.Hour), time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 idle stream swept, got %d", removed)
	}
	if _, ok := r.ExpectedSequence(1); ok {
		t.Fatalf("expected stream state to be gone after sweep")
	}
}
