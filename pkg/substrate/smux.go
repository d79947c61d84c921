package substrate

import (
	"net"

	"github.com/xtaci/smux"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// smuxConn wraps a smux.Session over an already-established net.Conn. It
// stands in for the QUIC-class substrate named in §1/§6: we do not speak
// QUIC, but smux-over-TLS satisfies the same contract (multiplexed,
// ordered, reliable unidirectional streams over one encrypted connection),
// used for the FullExperimental/QuicWithFec/QuicBasic fallback states.
type smuxConn struct {
	conn    net.Conn
	session *smux.Session
}

func newSmuxConn(conn net.Conn, session *smux.Session) *smuxConn {
	return &smuxConn{conn: conn, session: session}
}

func (c *smuxConn) OpenStream() (Stream, error) {
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "open smux stream")
	}
	return s, nil
}

func (c *smuxConn) AcceptStream() (Stream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "accept smux stream")
	}
	return s, nil
}

func (c *smuxConn) Close() error         { return c.session.Close() }
func (c *smuxConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *smuxConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SmuxDialer dials a raw network connection (expected to already carry TLS,
// e.g. via tls.Dial) and layers an smux client session over it.
type SmuxDialer struct {
	RawDial func(network, addr string) (net.Conn, error)
	Config  *smux.Config
}

// NewSmuxDialer creates a dialer using net.Dial for the raw connection and
// smux's default configuration.
func NewSmuxDialer() *SmuxDialer {
	return &SmuxDialer{RawDial: net.Dial}
}

func (d *SmuxDialer) Dial(network, addr string) (Conn, error) {
	raw, err := d.RawDial(network, addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagPathUnavailable, err, "dial raw connection")
	}
	sess, err := smux.Client(raw, d.Config)
	if err != nil {
		raw.Close()
		return nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "establish smux client session")
	}
	return newSmuxConn(raw, sess), nil
}

// SmuxListener accepts raw network connections and layers an smux server
// session over each.
type SmuxListener struct {
	raw    net.Listener
	config *smux.Config
}

// NewSmuxListener wraps an already-bound net.Listener.
func NewSmuxListener(raw net.Listener, config *smux.Config) *SmuxListener {
	return &SmuxListener{raw: raw, config: config}
}

func (l *SmuxListener) Accept() (Conn, error) {
	raw, err := l.raw.Accept()
	if err != nil {
		return nil, err
	}
	sess, err := smux.Server(raw, l.config)
	if err != nil {
		raw.Close()
		return nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "establish smux server session")
	}
	return newSmuxConn(raw, sess), nil
}

func (l *SmuxListener) Close() error   { return l.raw.Close() }
func (l *SmuxListener) Addr() net.Addr { return l.raw.Addr() }
