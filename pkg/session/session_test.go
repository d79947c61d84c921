package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHandshakeWithoutTokenVerification(t *testing.T) {
	m := NewManager()
	now := time.Now()

	accepted, _, sess, ok := m.HandleConnect(Connect{
		Type:     TypeConnect,
		ClientID: "client-1",
		Version:  "1.0",
		Capabilities: Capabilities{
			Resume: true, Compression: true, MaxChunkSize: 65536,
		},
	}, now)
	if !ok {
		t.Fatalf("expected Connect to be accepted")
	}
	if accepted.SessionID != sess.ID {
		t.Fatalf("accepted session id mismatch")
	}
	if sess.Snapshot().State != StateConnecting {
		t.Fatalf("new session should start in StateConnecting")
	}

	activated, err := m.HandleConnectionEstablished(ConnectionEstablished{
		Type:      TypeConnectionEstablished,
		SessionID: sess.ID,
	})
	if err != nil {
		t.Fatalf("ConnectionEstablished: %v", err)
	}
	if activated.Snapshot().State != StateActive {
		t.Fatalf("session should be active after ConnectionEstablished")
	}
}

func TestHandshakeRejectsMissingTokenWhenRequired(t *testing.T) {
	key := []byte("test-signing-key")
	m := NewManager(WithTokenVerification(key))

	_, rejected, _, ok := m.HandleConnect(Connect{
		Type:     TypeConnect,
		ClientID: "client-1",
	}, time.Now())
	if ok {
		t.Fatalf("expected rejection when auth_token is required but absent")
	}
	if rejected.Reason == "" {
		t.Fatalf("expected a non-empty rejection reason")
	}
}

func TestHandshakeAcceptsValidToken(t *testing.T) {
	key := []byte("test-signing-key")
	m := NewManager(WithTokenVerification(key))

	claims := TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "client-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	_, _, sess, ok := m.HandleConnect(Connect{
		Type:      TypeConnect,
		ClientID:  "client-1",
		AuthToken: tok,
	}, time.Now())
	if !ok {
		t.Fatalf("expected Connect with a valid token to be accepted")
	}
	if sess == nil {
		t.Fatalf("expected a session to be created")
	}
}

func TestHandshakeRejectsTokenForWrongClient(t *testing.T) {
	key := []byte("test-signing-key")
	m := NewManager(WithTokenVerification(key))

	claims := TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)

	_, rejected, _, ok := m.HandleConnect(Connect{
		Type:      TypeConnect,
		ClientID:  "client-1",
		AuthToken: tok,
	}, time.Now())
	if ok {
		t.Fatalf("expected rejection when token subject does not match client_id")
	}
	_ = rejected
}

func TestSweepIdleClosesStaleSessions(t *testing.T) {
	m := NewManager()
	start := time.Now()

	_, _, sess, _ := m.HandleConnect(Connect{Type: TypeConnect, ClientID: "c1"}, start)

	idle := m.SweepIdle(start.Add(IdleTimeout / 2))
	if len(idle) != 0 {
		t.Fatalf("session should not be idle yet: %v", idle)
	}

	idle = m.SweepIdle(start.Add(IdleTimeout + time.Second))
	if len(idle) != 1 || idle[0] != sess.ID {
		t.Fatalf("expected %s to be swept, got %v", sess.ID, idle)
	}
	if m.Count() != 0 {
		t.Fatalf("expected session table to be empty after sweep")
	}
}

func TestTouchResetsIdleClock(t *testing.T) {
	m := NewManager()
	start := time.Now()

	_, _, sess, _ := m.HandleConnect(Connect{Type: TypeConnect, ClientID: "c1"}, start)

	m.Touch(sess.ID, start.Add(IdleTimeout/2))
	idle := m.SweepIdle(start.Add(IdleTimeout))
	if len(idle) != 0 {
		t.Fatalf("touch should have reset the idle clock, got swept: %v", idle)
	}
}

func TestMessageRoundTripThroughDecode(t *testing.T) {
	original := StartTransfer{
		Type:       TypeStartTransfer,
		TransferID: "xfer-1",
		FileName:   "report.pdf",
		RemotePath: "/uploads/report.pdf",
		FileSize:   1024,
		FileHash:   "deadbeef",
		Priority:   "high",
	}
	raw, err := Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	st, ok := decoded.(*StartTransfer)
	if !ok {
		t.Fatalf("decoded message has wrong type: %T", decoded)
	}
	if st.TransferID != original.TransferID || st.FileHash != original.FileHash {
		t.Fatalf("round trip mismatch: %+v", st)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"NotARealMessage"}`)); err == nil {
		t.Fatalf("expected error for unknown message type")
	}
}
