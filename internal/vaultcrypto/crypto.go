// Package vaultcrypto implements the vault's cryptographic primitives: the
// password-based master key derivation, per-locator authenticated
// encryption, content hashing, and a CSPRNG helper for storage codes.
//
// Every plaintext written to the transport passes through Seal/Open using
// a key derived from (masterKey, locator), so identical plaintext written
// to two different locators produces unrelated ciphertexts, and a reader
// who does not know the locator cannot derive the key.
package vaultcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Hash is a content hash: SHA-256 of the hashed bytes.
type Hash [sha256.Size]byte

// HashBytes returns the SHA-256 hash of b.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

const (
	masterKeySize  = 32
	argon2Time     = 3
	argon2MemoryKB = 64 * 1024
	argon2Threads  = 2
)

// vaultSalt is fixed for the life of the format: the master key is a
// deterministic function of (storageCode, password) alone, so the salt
// must not vary between vaults or the same credentials would stop
// reproducing the same keyspace.
var vaultSalt = []byte("deterministic-vault/argon2id/v1")

// DeriveMasterKey runs Argon2id over the storage code and password and
// returns a 32-byte master key. Identical (storageCode, password) always
// yields the identical master key, on any machine.
func DeriveMasterKey(storageCode, password string) []byte {
	secret := append([]byte(storageCode+"\x00"), []byte(password)...)
	return argon2.IDKey(secret, vaultSalt, argon2Time, argon2MemoryKB, argon2Threads, masterKeySize)
}

// GenerateStorageCode returns a fresh 32-byte hex-encoded storage code
// from a CSPRNG.
func GenerateStorageCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("vaultcrypto: generate storage code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PublicHash is a deterministic fingerprint of the master key, used only
// as the local catalog directory name. It is never transmitted to the
// transport.
func PublicHash(masterKey []byte) string {
	h := sha256.Sum256(append(append([]byte{}, masterKey...), []byte("ouroboros-vault-public")...))
	return hex.EncodeToString(h[:])
}

// Crypt derives per-locator keys from a single master key and seals or
// opens segments with them.
type Crypt struct {
	masterKey []byte
}

// New constructs a Crypt bound to masterKey. masterKey is typically the
// output of DeriveMasterKey.
func New(masterKey []byte) *Crypt {
	return &Crypt{masterKey: append([]byte{}, masterKey...)}
}

// locatorKey derives a 32-byte AEAD key for locator via HKDF-SHA256 over
// the master key, using locator bytes as HKDF info.
func (c *Crypt) locatorKey(locator []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, c.masterKey, nil, locator)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// locatorNonce derives a deterministic 12-byte nonce for locator. Reuse
// across distinct locators never happens because the key itself is
// already locator-specific and a locator is written at most once.
func locatorNonce(locator []byte) []byte {
	h := sha256.Sum256(append(append([]byte{}, locator...), []byte("nonce")...))
	return h[:chacha20poly1305.NonceSize]
}

// Seal encrypts plaintext for locator. Equal plaintext sealed for two
// different locators produces ciphertexts with no discoverable
// relationship.
func (c *Crypt) Seal(locator, plaintext []byte) ([]byte, error) {
	key, err := c.locatorKey(locator)
	if err != nil {
		return nil, fmt.Errorf("vaultcrypto: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("vaultcrypto: new aead: %w", err)
	}
	nonce := locatorNonce(locator)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext sealed for locator, returning ErrDecryption
// (via the caller's wrapping) on authentication failure.
func (c *Crypt) Open(locator, ciphertext []byte) ([]byte, error) {
	key, err := c.locatorKey(locator)
	if err != nil {
		return nil, fmt.Errorf("vaultcrypto: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("vaultcrypto: new aead: %w", err)
	}
	nonce := locatorNonce(locator)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vaultcrypto: open: %w", err)
	}
	return plaintext, nil
}
