package substrate

import (
	"io"
	"net"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestInMemoryPairExchangesStreamBytes(t *testing.T) {
	client, server, err := NewInMemoryPair()
	if err != nil {
		t.Fatalf("new in-memory pair: %v", err)
	}
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			done <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			done <- err
			return
		}
		if string(buf) != "hello" {
			done <- io.ErrUnexpectedEOF
			return
		}
		done <- nil
	}()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := cs.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestSealedStreamRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var key [chacha20poly1305.KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}

	sideA, err := newTCPConn(a, key)
	if err != nil {
		t.Fatalf("new tcp conn a: %v", err)
	}
	sideB, err := newTCPConn(b, key)
	if err != nil {
		t.Fatalf("new tcp conn b: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		s, err := sideB.AcceptStream()
		if err != nil {
			done <- err
			return
		}
		buf := make([]byte, 13)
		if _, err := io.ReadFull(s, buf); err != nil {
			done <- err
			return
		}
		if string(buf) != "sealed-stream" {
			done <- io.ErrUnexpectedEOF
			return
		}
		done <- nil
	}()

	s, err := sideA.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := s.Write([]byte("sealed-stream")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("peer side: %v", err)
	}
}

func TestTCPConnSingleStreamOnly(t *testing.T) {
	a, _ := net.Pipe()
	defer a.Close()

	var key [chacha20poly1305.KeySize]byte
	conn, err := newTCPConn(a, key)
	if err != nil {
		t.Fatalf("new tcp conn: %v", err)
	}

	if _, err := conn.AcceptStream(); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := conn.AcceptStream(); err == nil {
		t.Fatalf("expected second AcceptStream to fail")
	}
}
