package fec

import "github.com/fieldlink/safetransfer/pkg/xerrors"

// Encoder produces shard sets for outbound blocks under a fixed algorithm and
// preset. One Encoder is typically shared by a single sender stream.
type Encoder struct {
	alg    Algorithm
	preset Preset
	rs     *RSCodec
	xor    *XORCodec
}

// NewEncoder creates an Encoder for the given algorithm and preset.
// AlgorithmXOR requires preset.ParityShards == 1.
func NewEncoder(alg Algorithm, preset Preset) (*Encoder, error) {
	if alg == AlgorithmXOR && preset.ParityShards != 1 {
		return nil, xerrors.New(xerrors.TagDecodeError, "xor codec supports exactly one parity shard")
	}
	return &Encoder{alg: alg, preset: preset, rs: NewRSCodec(), xor: NewXORCodec()}, nil
}

// EncodeBlock encodes payload into k+r shards plus the BlockInfo describing
// the split, under blockID.
func (e *Encoder) EncodeBlock(blockID uint32, payload []byte) ([][]byte, BlockInfo, error) {
	codec := ForAlgorithm(e.alg, e.rs, e.xor)
	return codec.Encode(blockID, e.preset.DataShards, e.preset.ParityShards, payload)
}

// Algorithm reports the algorithm this encoder uses.
func (e *Encoder) Algorithm() Algorithm { return e.alg }

// Preset reports the shard-count preset this encoder uses.
func (e *Encoder) Preset() Preset { return e.preset }
