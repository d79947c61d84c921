package transfer

import (
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// HashAlgorithm selects the integrity digest used for chunk_hash/file_hash
// comparisons. Spec §4.7 recommends a fast cryptographic hash (Blake3-class)
// but permits weaker methods by configuration.
type HashAlgorithm string

const (
	// HashBlake3 is the default, grounded on the blake3-based per-chunk
	// integrity check in the QuantaraX chunk receiver (other_examples/
	// c4bde2d0_sambhavthakkar-QuantaraX__backend-daemon-transport-
	// chunk_receiver.go.go), the closest analog to this package's chunked
	// upload/reassembly flow in the retrieval pack.
	HashBlake3 HashAlgorithm = "blake3"
	// HashCRC32 is the permitted weaker alternative, grounded on
	// thelastdreamer-MultiWANBond/pkg/packet/processor.go's
	// crc32.ChecksumIEEE use for packet-level integrity.
	HashCRC32 HashAlgorithm = "crc32"
)

func newHasher(algo HashAlgorithm) hash.Hash {
	if algo == HashCRC32 {
		return crc32.NewIEEE()
	}
	return blake3.New()
}

// sumBytes digests data in memory, used for per-chunk hashes.
func sumBytes(algo HashAlgorithm, data []byte) string {
	h := newHasher(algo)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SumBytes is the exported counterpart of sumBytes, for callers outside this
// package that need to precompute a chunk_hash before sending a SendChunk
// (e.g. cmd/safetransfer's chunk and client-transfer subcommands).
func SumBytes(algo HashAlgorithm, data []byte) string { return sumBytes(algo, data) }

// SumFile is the exported counterpart of sumFile, for precomputing the
// file_hash a StartTransfer request carries.
func SumFile(algo HashAlgorithm, path string) (string, error) { return sumFile(algo, path) }

// sumFile digests a file on disk without loading it entirely into memory,
// used to recompute the whole-file integrity digest after reassembly.
func sumFile(algo HashAlgorithm, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "open file for hashing")
	}
	defer f.Close()

	h := newHasher(algo)
	if _, err := io.Copy(h, f); err != nil {
		return "", xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
