package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"github.com/vmihailenco/msgpack/v5"
)

// sealerNonceSize is the per-sealer identity embedded in every sealed
// payload and verified on open.
const sealerNonceSize = 16

type sealedPayload struct {
	Nonce []byte `msgpack:"n"`
	ID    uint64 `msgpack:"i"`
}

// NewSealer generates a sealer with a fresh random AES-256 key and identity
// nonce. Tokens sealed by one sealer are rejected by every other.
func NewSealer() (*Sealer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	s := &Sealer{aead: aead}
	if _, err := rand.Read(s.nonce[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// Sealer wraps handles into encrypted opaque strings so they can cross an
// untrusted boundary, e.g. be echoed back by a remote peer, without exposing
// or permitting forgery of live handles.
type Sealer struct {
	aead  cipher.AEAD
	nonce [sealerNonceSize]byte
}

// Seal encodes id into an opaque token string. The payload is msgpack of
// (sealer nonce, id), sealed with AES-GCM under a random nonce and base64
// encoded. Other components must treat the result as an uninterpreted
// string.
func (s *Sealer) Seal(id ID) (string, error) {
	payload, err := msgpack.Marshal(&sealedPayload{Nonce: s.nonce[:], ID: uint64(id)})
	if err != nil {
		return "", err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(payload)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decodes a token back into a handle. Garbage, truncated, tampered or
// foreign tokens all fail with ErrInvalidHandle; nothing is dereferenced on
// the failure path.
func (s *Sealer) Open(tok string) (ID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return 0, ErrInvalidHandle
	}
	plain, err := s.aead.Open(nil, raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():], nil)
	if err != nil {
		return 0, ErrInvalidHandle
	}
	var p sealedPayload
	if err := msgpack.Unmarshal(plain, &p); err != nil {
		return 0, ErrInvalidHandle
	}
	if len(p.Nonce) != sealerNonceSize || subtle.ConstantTimeCompare(p.Nonce, s.nonce[:]) != 1 || p.ID == 0 {
		return 0, ErrInvalidHandle
	}
	return ID(p.ID), nil
}

// SetSealed opens tok and delivers rsp through the recovered handle. Sealed
// tokens inherit single-use semantics from SetRsp: a token that already
// delivered fails with ErrInvalidHandle.
func SetSealed[T any](s *Sealer, tok string, rsp T) error {
	id, err := s.Open(tok)
	if err != nil {
		return err
	}
	return SetRsp(id, rsp)
}
