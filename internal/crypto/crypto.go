package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aydomini/EchoVault/internal/models"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is the PBKDF2-SHA256 work factor for room keys.
	KDFIterations = 200000
	// KeySize is the length of every symmetric key.
	KeySize = chacha20poly1305.KeySize
)

var (
	ErrDecrypt       = errors.New("decryption failed")
	ErrEmptyPassword = errors.New("password required")
	ErrEmptyRoom     = errors.New("room id required")
	ErrKeyDestroyed  = errors.New("key destroyed")
)

// Keys holds the two keys derived from a room password. The message key
// never leaves this type.
type Keys struct {
	message []byte
	// Storage encrypts local history; it is not used on the wire.
	Storage []byte
}

// DeriveKeys derives the message and storage keys for roomID. The same
// inputs always produce the same keys.
func DeriveKeys(password, roomID string) (*Keys, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if roomID == "" {
		return nil, ErrEmptyRoom
	}
	pw := []byte(password)
	defer Wipe(pw)
	return &Keys{
		message: pbkdf2.Key(pw, []byte("message:"+roomID), KDFIterations, KeySize, sha256.New),
		Storage: pbkdf2.Key(pw, []byte("storage:"+roomID), KDFIterations, KeySize, sha256.New),
	}, nil
}

// Encrypt seals plaintext under the message key.
func (k *Keys) Encrypt(plaintext []byte) (models.Sealed, error) {
	if k.message == nil {
		return models.Sealed{}, ErrKeyDestroyed
	}
	return Encrypt(plaintext, k.message)
}

// Decrypt opens a value sealed under the message key.
func (k *Keys) Decrypt(sealed models.Sealed) ([]byte, error) {
	if k.message == nil {
		return nil, ErrKeyDestroyed
	}
	return Decrypt(sealed, k.message)
}

// EncryptJSON marshals v and seals it under the message key.
func (k *Keys) EncryptJSON(v any) (models.Sealed, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return models.Sealed{}, err
	}
	return k.Encrypt(data)
}

// DecryptJSON opens sealed and unmarshals the plaintext into v.
func (k *Keys) DecryptJSON(sealed models.Sealed, v any) error {
	data, err := k.Decrypt(sealed)
	if err != nil {
		return err
	}
	defer Wipe(data)
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return nil
}

// Destroy zeroes both keys. The value is unusable afterwards.
func (k *Keys) Destroy() {
	Wipe(k.message)
	Wipe(k.Storage)
	k.message = nil
	k.Storage = nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under a fresh random IV.
func Encrypt(plaintext, key []byte) (models.Sealed, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return models.Sealed{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return models.Sealed{}, err
	}
	return models.Sealed{IV: iv, Data: aead.Seal(nil, iv, plaintext, nil)}, nil
}

// Decrypt opens sealed. Any tampering yields ErrDecrypt and no plaintext.
func Decrypt(sealed models.Sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed.IV) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, sealed.IV, sealed.Data, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// CalculateHash returns the hex SHA-256 of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
