package coffer

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Enclave seals arbitrary plaintext using a ChaCha20-Poly1305 AEAD key that is itself protected
// by a Coffer, so the key only ever exists in the clear transiently, inside Coffer.WithView, for
// the duration of a single Seal or Open call.
type Enclave struct {
	key *Coffer
}

// NewEnclave creates an Enclave with a freshly generated random AEAD key.
func NewEnclave() (*Enclave, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "enclave: unable to generate key")
	}

	return NewEnclaveWithKey(key)
}

// NewEnclaveWithKey creates an Enclave using the provided key, which must be
// chacha20poly1305.KeySize bytes long. key is wiped by this call.
func NewEnclaveWithKey(key []byte) (*Enclave, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("enclave: invalid key size")
	}

	c, err := New(key)
	if err != nil {
		return nil, err
	}

	return &Enclave{key: c}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext. plaintext is wiped before returning.
func (e *Enclave) Seal(plaintext []byte) ([]byte, error) {
	var sealed []byte

	err := e.key.WithView(func(key []byte) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return errors.Wrap(err, "enclave: unable to create aead")
		}

		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return errors.Wrap(err, "enclave: unable to generate nonce")
		}

		sealed = aead.Seal(nonce, nonce, plaintext, nil)

		return nil
	})

	wipe(plaintext)

	return sealed, err
}

// Open decrypts a value previously produced by Seal.
func (e *Enclave) Open(sealed []byte) ([]byte, error) {
	var plaintext []byte

	err := e.key.WithView(func(key []byte) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return errors.Wrap(err, "enclave: unable to create aead")
		}

		if len(sealed) < aead.NonceSize() {
			return errors.New("enclave: sealed value is too short")
		}

		nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

		plaintext, err = aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return errors.Wrap(err, "enclave: unable to decrypt")
		}

		return nil
	})

	return plaintext, err
}

// Close releases the Enclave's underlying key material.
func (e *Enclave) Close() error {
	return e.key.Close()
}
