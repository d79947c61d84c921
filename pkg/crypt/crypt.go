// Package crypt provides the symmetric AEAD primitives behind the
// cmd/safetransfer keygen, encrypt and decrypt subcommands; the substrate's
// TCP-fallback sealing calls chacha20poly1305 directly rather than this
// package. Grounded on thelastdreamer-MultiWANBond/pkg/security/
// encryption.go's key-generation and ChaCha20-Poly1305 helpers, narrowed to
// the single cipher this module standardizes on.
package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// KeySize is the ChaCha20-Poly1305 key length in bytes.
const KeySize = chacha20poly1305.KeySize

// GenerateKey returns a fresh random key suitable for Seal/Open.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, xerrors.Wrap(xerrors.TagAuthFailed, err, "generate key")
	}
	return key, nil
}

// DeriveKey derives a key deterministically from a passphrase, for operators
// who want to provision a shared secret out of band rather than distribute
// raw key material (used by cmd/safetransfer's keygen subcommand).
func DeriveKey(passphrase string) [KeySize]byte {
	return sha256.Sum256([]byte(passphrase))
}

// Seal AEAD-encrypts plaintext under key, deriving a unique nonce from seq so
// callers never need to track nonces themselves provided each seq is used at
// most once per key.
func Seal(key [KeySize]byte, seq uint64, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "construct aead cipher")
	}
	nonce := nonceFor(aead.NonceSize(), seq)
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// Open AEAD-decrypts ciphertext under key and seq, the counterpart to Seal.
func Open(key [KeySize]byte, seq uint64, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagAuthFailed, err, "construct aead cipher")
	}
	nonce := nonceFor(aead.NonceSize(), seq)
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagIntegrityFailure, err, "open sealed data")
	}
	return plaintext, nil
}

func nonceFor(size int, seq uint64) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], seq)
	return nonce
}
