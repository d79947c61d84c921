package session

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// maxFrameLength bounds a single message frame, guarding against a
// malformed or adversarial length prefix forcing an unbounded allocation.
const maxFrameLength = 64 * 1024 * 1024

// WriteMessage frames msg as a 4-byte big-endian length prefix (matching
// the header byte order pkg/transport/packet already uses) followed by its
// JSON encoding, and writes it to w.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return xerrors.Wrap(xerrors.TagMalformedPacket, err, "write frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return xerrors.Wrap(xerrors.TagMalformedPacket, err, "write frame payload")
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return nil, xerrors.New(xerrors.TagMalformedPacket, fmt.Sprintf("frame length %d exceeds maximum", length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, xerrors.Wrap(xerrors.TagMalformedPacket, err, "read frame payload")
	}
	return Decode(payload)
}
