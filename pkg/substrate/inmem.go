package substrate

import (
	"net"

	"github.com/xtaci/smux"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// NewInMemoryPair returns a connected (client, server) Conn pair backed by
// net.Pipe with a real smux session multiplexing over each side, for use in
// tests that need genuine stream semantics without a network. Grounded on
// the fake-transport-for-tests idiom used by Lzww0608-safe-udp's test suite,
// generalized to produce a substrate.Conn on each end rather than a raw
// net.Conn.
func NewInMemoryPair() (client, server Conn, err error) {
	a, b := net.Pipe()

	clientSess, err := smux.Client(a, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "construct in-memory client session")
	}
	serverSess, err := smux.Server(b, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "construct in-memory server session")
	}

	return newSmuxConn(a, clientSess), newSmuxConn(b, serverSess), nil
}
