// Package packet implements the fixed binary frame format shared by every
// component of the transport core (C1). A Packet is immutable once
// constructed: callers that need a mutated copy build a new one.
package packet

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// Type identifies what a packet carries.
type Type uint8

const (
	TypeData Type = iota
	TypeFecParity
	TypeHandover
	TypeAck
	TypeHeartbeat
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeFecParity:
		return "fec_parity"
	case TypeHandover:
		return "handover"
	case TypeAck:
		return "ack"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

const (
	// ChecksumSize is the truncated-hash length stored in every header.
	ChecksumSize = 16

	// HeaderSize is the fixed, pre-payload portion of a serialized packet:
	// 1B type | 8B sequence | 4B fec_block_id | 2B shard_index |
	// 2B total_shards | 2B data_len | 16B checksum.
	HeaderSize = 1 + 8 + 4 + 2 + 2 + 2 + ChecksumSize
)

// Packet is the wire-level unit exchanged between transport endpoints.
// All multi-byte integers are big-endian (§6).
type Packet struct {
	Type        Type
	Sequence    uint64
	FecBlockID  uint32
	ShardIndex  uint16
	TotalShards uint16
	Checksum    [ChecksumSize]byte
	Payload     []byte
}

// truncate128 truncates a cryptographic hash of payload to 128 bits, per the
// Packet invariant in spec §3/§4.1.
func truncate128(payload []byte) [ChecksumSize]byte {
	sum := sha256.Sum256(payload)
	var out [ChecksumSize]byte
	copy(out[:], sum[:ChecksumSize])
	return out
}

// New constructs a Packet, computing its checksum from payload. The caller
// retains ownership of payload; New does not copy it.
func New(typ Type, sequence uint64, fecBlockID uint32, shardIndex, totalShards uint16, payload []byte) *Packet {
	return &Packet{
		Type:        typ,
		Sequence:    sequence,
		FecBlockID:  fecBlockID,
		ShardIndex:  shardIndex,
		TotalShards: totalShards,
		Checksum:    truncate128(payload),
		Payload:     payload,
	}
}

// Serialize writes the fixed header followed by the payload.
func (p *Packet) Serialize() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint64(buf[1:9], p.Sequence)
	binary.BigEndian.PutUint32(buf[9:13], p.FecBlockID)
	binary.BigEndian.PutUint16(buf[13:15], p.ShardIndex)
	binary.BigEndian.PutUint16(buf[15:17], p.TotalShards)
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(p.Payload)))
	copy(buf[19:19+ChecksumSize], p.Checksum[:])
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Deserialize parses a wire buffer, verifying the checksum.
//
// Returns a MalformedPacket-tagged error if the buffer is shorter than the
// header or than the declared payload length, and an IntegrityFailure-tagged
// error if the recomputed checksum disagrees with the header — in the latter
// case the parsed Packet is still returned so FEC recovery can use it (§4.6
// step 2).
func Deserialize(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, xerrors.New(xerrors.TagMalformedPacket, "buffer shorter than packet header")
	}

	dataLen := binary.BigEndian.Uint16(buf[17:19])
	if len(buf) < HeaderSize+int(dataLen) {
		return nil, xerrors.New(xerrors.TagMalformedPacket, "buffer shorter than declared payload")
	}

	p := &Packet{
		Type:        Type(buf[0]),
		Sequence:    binary.BigEndian.Uint64(buf[1:9]),
		FecBlockID:  binary.BigEndian.Uint32(buf[9:13]),
		ShardIndex:  binary.BigEndian.Uint16(buf[13:15]),
		TotalShards: binary.BigEndian.Uint16(buf[15:17]),
	}
	copy(p.Checksum[:], buf[19:19+ChecksumSize])
	p.Payload = append([]byte(nil), buf[HeaderSize:HeaderSize+int(dataLen)]...)

	if p.Checksum != truncate128(p.Payload) {
		return p, xerrors.New(xerrors.TagIntegrityFailure, "checksum mismatch")
	}

	return p, nil
}
