package memory

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSignatureMismatch is returned when a stored envelope's HMAC does
// not verify against the configured signing key (spec §4.4).
var ErrSignatureMismatch = errors.New("memory: SIGNATURE_MISMATCH")

const envelopeVersion = 1

// wireEnvelope is the base64 JSON structure persisted by a SecureStore
// in place of the plaintext value.
type wireEnvelope struct {
	V    int    `json:"v"`
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	CT   string `json:"ct"`
	HMAC string `json:"hmac"`
}

// SecureStore wraps an underlying Store with AES-256-GCM encryption and
// a detached HMAC-SHA256 signature over IV‖tag‖ciphertext (spec §4.4).
// Construction is deliberately stdlib-only: no third-party AEAD wrapper
// appears anywhere in the retrieval pack, and the primitives involved
// (GCM, HMAC, constant-time compare) are exactly what crypto/... already
// provides.
type SecureStore struct {
	inner      Store
	encKey     []byte // 32 bytes
	signingKey []byte // defaults to encKey when unset
}

// NewSecureStore wraps inner. signingKey may be nil, in which case
// encKey also signs.
func NewSecureStore(inner Store, encKey, signingKey []byte) (*SecureStore, error) {
	if len(encKey) != 32 {
		return nil, fmt.Errorf("memory: encryption key must be 32 bytes, got %d", len(encKey))
	}
	if signingKey == nil {
		signingKey = encKey
	}
	return &SecureStore{inner: inner, encKey: encKey, signingKey: signingKey}, nil
}

func (s *SecureStore) seal(value []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, value, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(iv)
	mac.Write(tag)
	mac.Write(ciphertext)
	sig := mac.Sum(nil)

	env := wireEnvelope{
		V:    envelopeVersion,
		IV:   base64.StdEncoding.EncodeToString(iv),
		Tag:  base64.StdEncoding.EncodeToString(tag),
		CT:   base64.StdEncoding.EncodeToString(ciphertext),
		HMAC: base64.StdEncoding.EncodeToString(sig),
	}
	return json.Marshal(env)
}

func (s *SecureStore) open(wire []byte) ([]byte, error) {
	var env wireEnvelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return nil, fmt.Errorf("memory: malformed envelope: %w", err)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("memory: malformed envelope iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("memory: malformed envelope tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("memory: malformed envelope ciphertext: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(env.HMAC)
	if err != nil {
		return nil, fmt.Errorf("memory: malformed envelope hmac: %w", err)
	}

	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(iv)
	mac.Write(tag)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, sig) != 1 {
		return nil, ErrSignatureMismatch
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, append(ciphertext, tag...), nil)
}

func (s *SecureStore) Get(ctx context.Context, key string) ([]byte, error) {
	wire, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.open(wire)
}

func (s *SecureStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed, ttl)
}

// List and TTL pass through untouched, per spec §4.4.
func (s *SecureStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	return s.inner.List(ctx, prefix, limit)
}

func (s *SecureStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.inner.TTL(ctx, key)
}

func (s *SecureStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
