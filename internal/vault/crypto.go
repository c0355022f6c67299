package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// Argon2id parameters. Tuned for the interactive vault-unlock path (one
// handshake per connection, spec.md §4.1 AwaitingUnlock), not for
// offline/batch use — see DESIGN.md "KDF parameters" decision.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// seal authenticated-encrypts plaintext under key, returning a fresh
// random nonce and the ciphertext.
func seal(key []byte, plaintext []byte) (nonce []byte, ciphertext []byte, err error) {
	var k [32]byte
	copy(k[:], key)
	var n [24]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, nil, err
	}
	sealed := secretbox.Seal(nil, plaintext, &n, &k)
	return n[:], sealed, nil
}

// open reverses seal, failing if the ciphertext was tampered with or the
// key is wrong.
func open(key []byte, nonce []byte, ciphertext []byte) ([]byte, error) {
	var k [32]byte
	copy(k[:], key)
	var n [24]byte
	copy(n[:], nonce)
	plaintext, ok := secretbox.Open(nil, ciphertext, &n, &k)
	if !ok {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
