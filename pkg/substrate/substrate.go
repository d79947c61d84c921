// Package substrate defines the encrypted, multiplexed-stream transport
// external interface the session layer is built on (§6 "Encrypted
// substrate"). The transport core never speaks TLS/QUIC itself — it
// consumes whatever Conn implementation the fallback state machine selects.
// Grounded on Lzww0608-safe-udp/conn.go+listener.go's smux-over-net.Conn
// wrapping style, generalized into an interface with two concrete
// implementations plus an in-memory test double.
package substrate

import (
	"io"
	"net"
)

// Stream is one logical, ordered byte stream within a Conn.
type Stream interface {
	io.ReadWriteCloser
}

// Conn is an established, encrypted, multiplexing-capable connection: the
// "opaque reliable-encrypted stream abstraction" of spec §1.
type Conn interface {
	// OpenStream opens a new outbound logical stream.
	OpenStream() (Stream, error)
	// AcceptStream blocks until the peer opens a new logical stream.
	AcceptStream() (Stream, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Dialer establishes outbound Conns.
type Dialer interface {
	Dial(network, addr string) (Conn, error)
}

// Listener accepts inbound Conns.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}
