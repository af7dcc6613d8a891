// Package cryptox seals attachment chunks with an authenticated cipher chosen
// by the first byte of the attachment key, and answers the size questions the
// chunking arithmetic needs.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown key algorithm")
	ErrInvalidKey       = errors.New("invalid key")
	ErrShortCiphertext  = errors.New("ciphertext too short")
)

// Algorithm is the leading byte of a serialized key.
type Algorithm byte

const (
	AES256GCM         Algorithm = 0x00
	XChaCha20Poly1305 Algorithm = 0x01
)

const secretLength = 32

// Scheme is the encryption and sizing oracle of one key. Every Seal call adds
// the same number of bytes, so lengths are pure functions.
type Scheme interface {
	Algorithm() Algorithm
	// CiphertextLength is the sealed size of n cleartext bytes.
	CiphertextLength(n int64) int64
	// PlaintextLength is the cleartext size of n sealed bytes, 0 if n is too
	// short to hold anything.
	PlaintextLength(n int64) int64
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// NewKey returns a fresh random key for alg.
func NewKey(alg Algorithm) ([]byte, error) {
	if _, err := newAEAD(alg, make([]byte, secretLength)); err != nil {
		return nil, err
	}
	key := make([]byte, 1+secretLength)
	key[0] = byte(alg)
	if _, err := rand.Read(key[1:]); err != nil {
		return nil, err
	}
	return key, nil
}

// ForKey returns the scheme for a serialized key.
func ForKey(key []byte) (Scheme, error) {
	if len(key) != 1+secretLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	alg := Algorithm(key[0])
	aead, err := newAEAD(alg, key[1:])
	if err != nil {
		return nil, err
	}
	return &aeadScheme{alg: alg, aead: aead}, nil
}

func newAEAD(alg Algorithm, secret []byte) (cipher.AEAD, error) {
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(secret)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(secret)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownAlgorithm, byte(alg))
	}
}

// aeadScheme lays out a sealed chunk as nonce || ciphertext || tag.
type aeadScheme struct {
	alg  Algorithm
	aead cipher.AEAD
}

func (s *aeadScheme) Algorithm() Algorithm { return s.alg }

func (s *aeadScheme) overhead() int64 {
	return int64(s.aead.NonceSize() + s.aead.Overhead())
}

func (s *aeadScheme) CiphertextLength(n int64) int64 { return n + s.overhead() }

func (s *aeadScheme) PlaintextLength(n int64) int64 {
	if n <= s.overhead() {
		return 0
	}
	return n - s.overhead()
}

func (s *aeadScheme) Seal(plaintext []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, ns, int64(len(plaintext))+s.overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[:ns], plaintext, nil), nil
}

func (s *aeadScheme) Open(ciphertext []byte) ([]byte, error) {
	if int64(len(ciphertext)) < s.overhead() {
		return nil, ErrShortCiphertext
	}
	ns := s.aead.NonceSize()
	return s.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}

// Wipe zeroes b. Cleartext chunks are wiped once sealed.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
