package session

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Connect{Type: TypeConnect, ClientID: "client-1", Version: "1.0"}

	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	conn, ok := got.(*Connect)
	if !ok {
		t.Fatalf("expected Connect, got %T", got)
	}
	if conn.ClientID != "client-1" {
		t.Fatalf("unexpected client id: %+v", conn)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}
