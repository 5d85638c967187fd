package workflow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/poiesic/regsearch/core"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", core.ErrEncryption, keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrEncryption, err)
	}
	return aead, nil
}

// seal encrypts plaintext under key with a fresh random nonce.
func seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce: %w", core.ErrEncryption, err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", core.ErrDecryption, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDecryption, err)
	}
	return plaintext, nil
}

// recordAAD binds a sealed step to its owner and record id.
func recordAAD(userKey []byte, id core.ID) []byte {
	aad := make([]byte, 0, len(userKey)+8)
	aad = append(aad, userKey...)
	return binary.BigEndian.AppendUint64(aad, uint64(id))
}

func randomKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: key generation: %w", core.ErrEncryption, err)
	}
	return key, nil
}
