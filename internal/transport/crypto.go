package transport

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

const sessionContext = "cp2077coop transport 2024-06 session key"

const (
	dirClientToServer byte = 0
	dirServerToClient byte = 1
	// nonceHeaderSize is the plaintext counter prepended to every sealed payload.
	nonceHeaderSize = 4
	// SealOverhead is the bytes added by sealing a payload.
	SealOverhead = nonceHeaderSize + chacha20poly1305.Overhead
)

var (
	// ErrReplay marks a nonce still resident in the window.
	ErrReplay = errors.New("transport: replayed nonce")
	// ErrDecrypt marks a frame that failed authentication.
	ErrDecrypt = errors.New("transport: authentication failed")
	// ErrNoSession marks an attempt to seal before the handshake finished.
	ErrNoSession = errors.New("transport: session not established")
)

// KeyPair is an ephemeral X25519 key pair exchanged through Hello/Welcome.
type KeyPair struct {
	private *ecdh.PrivateKey
	Public  [32]byte
}

// GenerateKeyPair draws a fresh key pair; nil rng selects crypto/rand.
func GenerateKeyPair(rng io.Reader) (*KeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	priv, err := ecdh.X25519().GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("transport: generate key: %w", err)
	}
	kp := &KeyPair{private: priv}
	copy(kp.Public[:], priv.PublicKey().Bytes())
	return kp, nil
}

// SelfCheck verifies the crypto primitives work; the server refuses to start otherwise.
func SelfCheck() error {
	a, err := GenerateKeyPair(nil)
	if err != nil {
		return err
	}
	b, err := GenerateKeyPair(nil)
	if err != nil {
		return err
	}
	client, err := NewSession(a, b.Public, a.Public, b.Public, false)
	if err != nil {
		return err
	}
	server, err := NewSession(b, a.Public, a.Public, b.Public, true)
	if err != nil {
		return err
	}
	hdr := header(1, 0)
	sealed := client.Seal(hdr, []byte("self-check"))
	plain, err := server.Open(hdr, sealed)
	if err != nil {
		return err
	}
	if string(plain) != "self-check" {
		return fmt.Errorf("transport: self-check mismatch")
	}
	return nil
}

// Session seals and opens payloads for one peer after the handshake.
type Session struct {
	aead      cipher.AEAD
	txDir     byte
	rxDir     byte
	txCounter uint32
	window    *NonceWindow
}

// NewSession derives the shared key from local's private key and the remote
// public key; both public keys are mixed in so each handshake yields a unique key.
func NewSession(local *KeyPair, remote, clientPub, serverPub [32]byte, isServer bool) (*Session, error) {
	if local == nil || local.private == nil {
		return nil, fmt.Errorf("transport: missing local key")
	}
	peer, err := ecdh.X25519().NewPublicKey(remote[:])
	if err != nil {
		return nil, fmt.Errorf("transport: remote key: %w", err)
	}
	shared, err := local.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("transport: key agreement: %w", err)
	}
	//1.- Bind the derived key to both public keys in a fixed order.
	material := make([]byte, 0, len(shared)+64)
	material = append(material, shared...)
	material = append(material, clientPub[:]...)
	material = append(material, serverPub[:]...)
	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(key, sessionContext, material)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("transport: aead: %w", err)
	}
	s := &Session{aead: aead, window: NewNonceWindow(DefaultNonceWindow)}
	if isServer {
		s.txDir, s.rxDir = dirServerToClient, dirClientToServer
	} else {
		s.txDir, s.rxDir = dirClientToServer, dirServerToClient
	}
	return s, nil
}

func nonceBytes(dir byte, counter uint32) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	n[0] = dir
	binary.LittleEndian.PutUint32(n[8:], counter)
	return n
}

// Seal returns {counter u32 | AEAD(plaintext)} authenticated against hdr.
func (s *Session) Seal(hdr, plaintext []byte) []byte {
	s.txCounter++
	counter := s.txCounter
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, SealOverhead+len(plaintext)), counter)
	return s.aead.Seal(out, nonceBytes(s.txDir, counter), plaintext, hdr)
}

// Open authenticates payload and rejects nonces still resident in the window.
func (s *Session) Open(hdr, payload []byte) ([]byte, error) {
	if len(payload) < SealOverhead {
		return nil, ErrShortFrame
	}
	counter := binary.LittleEndian.Uint32(payload)
	if s.window.Contains(counter) {
		return nil, ErrReplay
	}
	plain, err := s.aead.Open(nil, nonceBytes(s.rxDir, counter), payload[nonceHeaderSize:], hdr)
	if err != nil {
		return nil, ErrDecrypt
	}
	//1.- Only authenticated nonces enter the window so forged frames cannot evict real ones.
	s.window.Accept(counter)
	return plain, nil
}

// TxCounter returns the last nonce used for sending.
func (s *Session) TxCounter() uint32 { return s.txCounter }
