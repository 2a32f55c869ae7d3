// Package envcrypt wraps a stored envelope in AES-256-GCM authenticated
// encryption so an L2 backend only ever observes ciphertext. Keys are
// derived per namespace from a shared master secret with HKDF — the same
// derive-a-scoped-key-from-a-master-secret idiom, applied per namespace
// instead of per record.
package envcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the GCM standard nonce size.
	NonceSize = 12
	// MinMasterKeySize is the minimum accepted master secret length
	// (spec.md §4.3: "a shared master secret (≥ 32 bytes)").
	MinMasterKeySize = 32
)

// Cryptor derives per-namespace AEAD keys from an ordered rotation list of
// master secrets (newest first) and seals/opens envelopes with them.
type Cryptor struct {
	masterKeys [][]byte // newest first

	mu     sync.Mutex
	nsKeys map[string][][]byte // namespace -> derived keys, newest first, lazily populated

	nonceCounter uint64
	nonceSuffix  [4]byte // random, fixed for the lifetime of this process
}

// New builds a Cryptor from an ordered rotation list of master secrets,
// newest (current) key first. Each key must be at least MinMasterKeySize
// bytes. A single-element list is the common case; additional elements
// let retired keys keep decrypting already-cached entries until they
// expire naturally (spec.md §4.3 "try new, then old").
func New(masterKeys ...[]byte) (*Cryptor, error) {
	if len(masterKeys) == 0 {
		return nil, cacheerr.New(cacheerr.KindConfiguration, "envcrypt.new", "", fmt.Errorf("%w: at least one master key is required", cacheerr.ErrConfiguration))
	}
	for i, k := range masterKeys {
		if len(k) < MinMasterKeySize {
			return nil, cacheerr.New(cacheerr.KindConfiguration, "envcrypt.new", "", fmt.Errorf("%w: master key %d is %d bytes, want >= %d", cacheerr.ErrConfiguration, i, len(k), MinMasterKeySize))
		}
	}
	c := &Cryptor{
		masterKeys: masterKeys,
		nsKeys:     make(map[string][][]byte),
	}
	if _, err := io.ReadFull(rand.Reader, c.nonceSuffix[:]); err != nil {
		return nil, cacheerr.New(cacheerr.KindConfiguration, "envcrypt.new", "", err)
	}
	return c, nil
}

// Seal encrypts plaintext (typically an already-framed envelope) under the
// newest key derived for namespace, using cacheKey as AAD so a ciphertext
// can never be replayed under a different cache key.
func (c *Cryptor) Seal(namespace string, cacheKey []byte, plaintext []byte) ([]byte, error) {
	keys, err := c.keysFor(namespace)
	if err != nil {
		return nil, err
	}
	gcm, err := gcmFor(keys[0])
	if err != nil {
		return nil, cacheerr.New(cacheerr.KindData, "envcrypt.seal", "", err)
	}

	nonce := c.nextNonce()
	sealed := gcm.Seal(nil, nonce, plaintext, cacheKey)

	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts data produced by Seal. It tries the rotation list from
// newest to oldest key and never returns a plaintext unless one key's tag
// check succeeds; any GCM tag mismatch across the whole list surfaces as
// ErrDecryption.
func (c *Cryptor) Open(namespace string, cacheKey []byte, data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, cacheerr.New(cacheerr.KindData, "envcrypt.open", "", cacheerr.ErrMalformedEnvelope)
	}
	nonce := data[:NonceSize]
	ciphertext := data[NonceSize:]

	keys, err := c.keysFor(namespace)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, key := range keys {
		gcm, err := gcmFor(key)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := gcm.Open(nil, nonce, ciphertext, cacheKey)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, cacheerr.New(cacheerr.KindData, "envcrypt.open", "", fmt.Errorf("%w: %v", cacheerr.ErrDecryption, lastErr))
}

// keysFor returns the derived key list for namespace, newest first,
// deriving and caching it on first use.
func (c *Cryptor) keysFor(namespace string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if keys, ok := c.nsKeys[namespace]; ok {
		return keys, nil
	}

	keys := make([][]byte, len(c.masterKeys))
	for i, master := range c.masterKeys {
		key, err := deriveKey(master, namespace)
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindConfiguration, "envcrypt.derive", "", err)
		}
		keys[i] = key
	}
	c.nsKeys[namespace] = keys
	return keys, nil
}

func deriveKey(masterKey []byte, namespace string) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, nil, []byte("cachekit:ns:"+namespace))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func gcmFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// nextNonce returns a 12-byte nonce: an 8-byte big-endian monotonic counter
// followed by 4 random bytes fixed for this process's lifetime. The
// counter guarantees uniqueness within a process; the random suffix keeps
// a fresh process from colliding with nonces an earlier process on the
// same key already emitted (spec.md §4.3).
func (c *Cryptor) nextNonce() []byte {
	n := atomic.AddUint64(&c.nonceCounter, 1)
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], n)
	copy(nonce[8:], c.nonceSuffix[:])
	return nonce
}
