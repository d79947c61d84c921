package fec

import (
	"container/list"
	"sync"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// pendingBlock tracks shards received so far for one in-flight FEC block.
type pendingBlock struct {
	info     BlockInfo
	shards   [][]byte
	present  int
	decoded  bool
	elem     *list.Element // position in the decoder's LRU eviction list
}

// Decoder accumulates shards across possibly-out-of-order arrivals and
// reconstructs original payloads once enough shards are present (spec §4.2
// Decode/Eviction). It keeps a bounded number of partially assembled blocks;
// once that bound is exceeded the oldest-by-arrival block is evicted, per
// spec's "policy: LRU over arrival time".
type Decoder struct {
	mu       sync.Mutex
	rs       *RSCodec
	xor      *XORCodec
	maxCache int
	blocks   map[uint32]*pendingBlock
	order    *list.List // front = oldest arrival
}

// NewDecoder creates a Decoder that tracks at most maxCache blocks at a time,
// decoded or not (a decoded block stays tracked until Evict removes it).
func NewDecoder(maxCache int) *Decoder {
	if maxCache <= 0 {
		maxCache = 64
	}
	return &Decoder{
		rs:       NewRSCodec(),
		xor:      NewXORCodec(),
		maxCache: maxCache,
		blocks:   make(map[uint32]*pendingBlock),
		order:    list.New(),
	}
}

// registerLocked records the BlockInfo for a new block as soon as any shard of
// it arrives. It is safe to call more than once for the same block_id; later
// calls are no-ops once the block is already tracked.
func (d *Decoder) registerLocked(info BlockInfo) *pendingBlock {
	if pb, ok := d.blocks[info.BlockID]; ok {
		return pb
	}

	pb := &pendingBlock{
		info:   info,
		shards: make([][]byte, info.TotalShards()),
	}
	d.blocks[info.BlockID] = pb
	pb.elem = d.order.PushBack(info.BlockID)

	if d.order.Len() > d.maxCache {
		oldest := d.order.Front()
		if oldest != nil {
			blockID := oldest.Value.(uint32)
			if blockID != info.BlockID {
				delete(d.blocks, blockID)
				d.order.Remove(oldest)
			}
		}
	}

	return pb
}

// AddShard feeds one shard of a block into the decoder. If, after adding this
// shard, enough shards are present to reconstruct, it returns the original
// payload and true. Otherwise it returns (nil, false, nil) and waits for more
// shards. codec selects which algorithm governs this block (info.Algorithm).
func (d *Decoder) AddShard(info BlockInfo, shardIndex int, data []byte) (payload []byte, decoded bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pb := d.registerLocked(info)
	if pb.decoded {
		return nil, false, nil
	}
	if shardIndex < 0 || shardIndex >= len(pb.shards) {
		return nil, false, xerrors.New(xerrors.TagMalformedPacket, "shard index out of range")
	}
	if pb.shards[shardIndex] == nil {
		pb.shards[shardIndex] = data
		pb.present++
	}

	codec := ForAlgorithm(info.Algorithm, d.rs, d.xor)
	if pb.present < codec.MinShardsToDecode(info) {
		return nil, false, nil
	}

	out, rerr := codec.Reconstruct(info, pb.shards)
	if rerr != nil {
		if xerrors.Is(rerr, xerrors.TagInsufficientShards) {
			// not enough *usable* shards yet (e.g. XOR with >1 loss); keep waiting
			return nil, false, nil
		}
		return nil, false, rerr
	}

	pb.decoded = true
	d.blocks[info.BlockID] = pb
	return out, true, nil
}

// Evict removes a block from the cache regardless of decode state, e.g. when
// the session layer has consumed its bytes or a retransmission horizon has
// passed.
func (d *Decoder) Evict(blockID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pb, ok := d.blocks[blockID]; ok {
		d.order.Remove(pb.elem)
		delete(d.blocks, blockID)
	}
}

// Pending reports how many blocks are currently tracked (decoded or not).
func (d *Decoder) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocks)
}
