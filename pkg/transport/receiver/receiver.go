// Package receiver implements the inbound packet pipeline (C6): checksum
// verification, FEC-block feeding and recovery, per-stream reassembly, and
// contiguous-prefix delivery to the session layer. Grounded on
// Lzww0608-safe-udp/session.go's receive-buffer bookkeeping generalized from
// a single KCP receive window to the spec's per-stream reassembly maps keyed
// by the canonical (stream_id, sequence) pair (spec §9 Open Question 3).
package receiver

import (
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/fieldlink/safetransfer/pkg/transport/fec"
	"github.com/fieldlink/safetransfer/pkg/transport/packet"
	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// StreamID identifies a logical stream within a connection. The wire packet
// header carries no stream field of its own (the encrypted substrate's
// multiplexed-stream boundary supplies it, per §6's external-interface
// note) — callers pass the owning stream's identifier alongside each raw
// buffer they hand to Ingest.
type StreamID uint64

// Stats mirrors the receiver statistics named in spec §6's Observer
// interface.
type Stats struct {
	PacketsReceived       uint64
	Reassembled           uint64
	ChecksumFailures      uint64
	FECRecovered          uint64
	DecompressionFailures uint64
	BytesReceived         uint64
	BytesDecompressed     uint64
	ParseFailures         uint64
}

type streamState struct {
	expected   uint64
	baseSeeded bool
	received   map[uint64][]byte
	lastUpdate time.Time
}

// pendingFEC tracks the owning stream and sequence base for an in-flight FEC
// block. Shard i of a block occupies stream sequence baseSeq+i, the
// convention this receiver assumes of its senders so it can place a shard it
// never directly saw once the block decodes (FecBlockID 0 is reserved to
// mean "not FEC-protected").
type pendingFEC struct {
	stream    StreamID
	info      fec.BlockInfo
	baseSeq   uint64
	baseKnown bool
}

// Receiver owns the reassembly maps for every known stream plus the shared
// FEC decoder. One Receiver instance typically backs one connection (which
// may multiplex many streams via the substrate).
type Receiver struct {
	mu      sync.Mutex
	streams map[StreamID]*streamState
	decoder *fec.Decoder
	blocks  map[uint32]*pendingFEC

	decompress bool
	stats      Stats
}

// Option configures a Receiver at construction time.
type Option func(*Receiver)

// WithDecompression enables transparent snappy decompression of delivered
// bytes. Disabled by default; the caller that constructs the Receiver
// decides whether to enable it.
func WithDecompression(enabled bool) Option {
	return func(r *Receiver) { r.decompress = enabled }
}

// New creates a Receiver with a FEC decoder bounded to maxPendingBlocks
// partially-assembled blocks (spec §4.2 Eviction).
func New(maxPendingBlocks int, opts ...Option) *Receiver {
	r := &Receiver{
		streams: make(map[StreamID]*streamState),
		decoder: fec.NewDecoder(maxPendingBlocks),
		blocks:  make(map[uint32]*pendingFEC),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Receiver) streamLocked(id StreamID) *streamState {
	st, ok := r.streams[id]
	if !ok {
		st = &streamState{received: make(map[uint64][]byte)}
		r.streams[id] = st
	}
	return st
}

func (r *Receiver) trackBlockLocked(id StreamID, blockID uint32, info fec.BlockInfo, sequence uint64, shardIndex uint16) *pendingFEC {
	pb, ok := r.blocks[blockID]
	if !ok {
		pb = &pendingFEC{stream: id, info: info}
		r.blocks[blockID] = pb
	}
	if !pb.baseKnown {
		pb.baseSeq = sequence - uint64(shardIndex)
		pb.baseKnown = true
	}
	return pb
}

// Ingest parses one raw wire packet belonging to stream id, advances that
// stream's reassembly state, and returns any newly contiguous bytes ready
// for delivery to the session layer. A nil, nil return means the packet was
// accepted (or absorbed into pending FEC state) but nothing new is yet
// deliverable.
//
// alg/preset describe the FEC parameters in effect for this stream — the
// receiver has no independent channel to learn them and relies on the
// caller (session layer) having negotiated them at handshake time.
func (r *Receiver) Ingest(id StreamID, raw []byte, alg fec.Algorithm, preset fec.Preset) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkt, err := packet.Deserialize(raw)
	if err != nil && xerrors.Is(err, xerrors.TagMalformedPacket) {
		r.stats.ParseFailures++
		return nil, err
	}

	r.stats.PacketsReceived++
	r.stats.BytesReceived += uint64(len(raw))

	checksumOK := err == nil
	if !checksumOK {
		r.stats.ChecksumFailures++
		if pkt.Type != packet.TypeData || pkt.FecBlockID == 0 {
			return nil, err
		}
		// Header fields (sequence, fec_block_id, shard_index) are not
		// covered by the payload checksum and remain trustworthy even when
		// the payload itself is corrupt. Spec §4.6 step 2: a corrupted Data
		// shard of an already-known FEC block is still fed to the decoder,
		// on the chance the surviving good shards let reconstruction
		// recover the block anyway.
		if _, tracked := r.blocks[pkt.FecBlockID]; !tracked {
			return nil, err
		}
		info := fec.BlockInfo{BlockID: pkt.FecBlockID, Algorithm: alg, DataShards: preset.DataShards, ParityShards: preset.ParityShards, ShardSize: len(pkt.Payload)}
		r.trackBlockLocked(id, pkt.FecBlockID, info, pkt.Sequence, pkt.ShardIndex)
		out, ferr := r.feedShardLocked(pkt.FecBlockID, int(pkt.ShardIndex), pkt.Payload, info)
		if ferr != nil || out == nil {
			return nil, err
		}
		return out, nil
	}

	switch pkt.Type {
	case packet.TypeData:
		return r.ingestDataLocked(id, pkt, alg, preset)

	case packet.TypeFecParity:
		return r.ingestParityLocked(id, pkt, alg, preset)

	case packet.TypeHandover, packet.TypeAck, packet.TypeHeartbeat:
		return nil, nil

	default:
		r.stats.ParseFailures++
		return nil, xerrors.New(xerrors.TagMalformedPacket, "unknown packet type")
	}
}

func (r *Receiver) ingestDataLocked(id StreamID, pkt *packet.Packet, alg fec.Algorithm, preset fec.Preset) ([]byte, error) {
	st := r.streamLocked(id)
	st.lastUpdate = time.Now()

	r.deliverLocked(st, pkt.Sequence, pkt.Payload)

	if pkt.FecBlockID == 0 {
		return r.advanceLocked(st), nil
	}

	// A correctly-received shard still needs to be fed to the decoder: if a
	// sibling shard is genuinely lost, the decoder needs every good shard it
	// can get to reach the block's threshold.
	info := fec.BlockInfo{BlockID: pkt.FecBlockID, Algorithm: alg, DataShards: preset.DataShards, ParityShards: preset.ParityShards, ShardSize: len(pkt.Payload)}
	r.trackBlockLocked(id, pkt.FecBlockID, info, pkt.Sequence, pkt.ShardIndex)

	out, err := r.feedShardLocked(pkt.FecBlockID, int(pkt.ShardIndex), pkt.Payload, info)
	if err != nil {
		return r.advanceLocked(st), nil
	}
	if out != nil {
		return out, nil
	}
	return r.advanceLocked(st), nil
}

// seedExpectedLocked gives a stream that has never advanced a starting point
// other than the zero value: if a FEC block's base sequence (or anything
// already buffered for the stream) sits below the stream's never-touched
// default expected=0, nothing would ever satisfy advanceLocked's lookup at
// expected and the stream would buffer forever. Seeds expected to the lowest
// sequence known for the stream so far, and only ever runs once per stream.
func (r *Receiver) seedExpectedLocked(st *streamState, candidate uint64) {
	if st.baseSeeded {
		return
	}
	st.baseSeeded = true
	if st.expected != 0 {
		return
	}
	lowest := candidate
	for seq := range st.received {
		if seq < lowest {
			lowest = seq
		}
	}
	st.expected = lowest
}

// deliverLocked places payload at sequence in st's received map if it has
// not already been consumed or stored (invariant: a sequence is never
// delivered twice).
func (r *Receiver) deliverLocked(st *streamState, sequence uint64, payload []byte) {
	if sequence < st.expected {
		return
	}
	if _, dup := st.received[sequence]; dup {
		return
	}
	st.received[sequence] = payload
}

func (r *Receiver) advanceLocked(st *streamState) []byte {
	var out []byte
	for {
		chunk, ok := st.received[st.expected]
		if !ok {
			break
		}
		out = append(out, chunk...)
		delete(st.received, st.expected)
		st.expected++
		r.stats.Reassembled++
	}
	if out == nil {
		return nil
	}
	return r.decompressLocked(out)
}

func (r *Receiver) decompressLocked(raw []byte) []byte {
	if !r.decompress {
		return raw
	}
	out, err := snappy.Decode(nil, raw)
	if err != nil {
		r.stats.DecompressionFailures++
		return raw
	}
	r.stats.BytesDecompressed += uint64(len(out))
	return out
}

func (r *Receiver) ingestParityLocked(id StreamID, pkt *packet.Packet, alg fec.Algorithm, preset fec.Preset) ([]byte, error) {
	info := fec.BlockInfo{
		BlockID:      pkt.FecBlockID,
		Algorithm:    alg,
		DataShards:   preset.DataShards,
		ParityShards: preset.ParityShards,
		ShardSize:    len(pkt.Payload),
	}
	r.trackBlockLocked(id, pkt.FecBlockID, info, pkt.Sequence, pkt.ShardIndex)

	out, err := r.feedShardLocked(pkt.FecBlockID, int(pkt.ShardIndex), pkt.Payload, info)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// feedShardLocked hands one shard to the FEC decoder and, if the block
// becomes fully reconstructed, synthesizes delivery of every constituent
// data shard that was not already delivered directly — each at its true
// stream sequence (pendingFEC.baseSeq + shard index), satisfying "exactly
// one delivery per constituent original data shard" (spec §4.6 invariant
// iii).
func (r *Receiver) feedShardLocked(blockID uint32, shardIndex int, data []byte, info fec.BlockInfo) ([]byte, error) {
	// The wire header does not carry the block's original payload length, so
	// the reconstructed block is taken as every data shard in full.
	info.TotalOriginalSize = info.DataShards * info.ShardSize
	payload, decoded, err := r.decoder.AddShard(info, shardIndex, data)
	if err != nil {
		return nil, err
	}
	if !decoded {
		return nil, nil
	}

	pending, ok := r.blocks[blockID]
	if !ok || !pending.baseKnown {
		r.decoder.Evict(blockID)
		delete(r.blocks, blockID)
		return nil, nil
	}
	delete(r.blocks, blockID)
	r.decoder.Evict(blockID)
	r.stats.FECRecovered++

	st := r.streamLocked(pending.stream)
	st.lastUpdate = time.Now()
	r.seedExpectedLocked(st, pending.baseSeq)

	shardSize := info.ShardSize
	for i := 0; i < info.DataShards; i++ {
		start := i * shardSize
		if start >= len(payload) {
			break
		}
		end := start + shardSize
		if end > len(payload) {
			end = len(payload)
		}
		r.deliverLocked(st, pending.baseSeq+uint64(i), append([]byte(nil), payload[start:end]...))
	}

	return r.advanceLocked(st), nil
}

// Snapshot returns a copy of the receiver's running statistics.
func (r *Receiver) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Sweep discards stream reassembly state that has been idle longer than ttl
// (spec §4.6 "Bounded state"). It does not touch pending FEC block tracking,
// which is bounded independently by the decoder's own cache limit.
func (r *Receiver) Sweep(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, st := range r.streams {
		if now.Sub(st.lastUpdate) > ttl {
			delete(r.streams, id)
			removed++
		}
	}
	return removed
}

// ExpectedSequence reports the next sequence a stream is waiting on, or
// false if the stream is unknown.
func (r *Receiver) ExpectedSequence(id StreamID) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[id]
	if !ok {
		return 0, false
	}
	return st.expected, true
}
