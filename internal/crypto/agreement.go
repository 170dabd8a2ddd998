package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/aydomini/EchoVault/internal/models"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

var ErrInvalidPublicKey = errors.New("invalid public key")

// AgreementKeyPair is an X25519 key pair used to derive pairwise secrets.
type AgreementKeyPair struct {
	Public  *[32]byte
	private *[32]byte
}

// GenerateAgreementKeyPair creates a fresh X25519 key pair.
func GenerateAgreementKeyPair() (*AgreementKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &AgreementKeyPair{Public: pub, private: priv}, nil
}

// DeriveSharedSecret computes the secret shared with the owner of peerPublic.
// Both sides arrive at the same key.
func (k *AgreementKeyPair) DeriveSharedSecret(peerPublic []byte) (*SharedSecret, error) {
	if len(peerPublic) != 32 {
		return nil, ErrInvalidPublicKey
	}
	// X25519 rejects low-order points, which box.Precompute would accept.
	shared, err := curve25519.X25519(k.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	Wipe(shared)

	var peer [32]byte
	copy(peer[:], peerPublic)
	s := &SharedSecret{}
	box.Precompute(&s.key, &peer, k.private)
	return s, nil
}

// Wipe zeroes the private key.
func (k *AgreementKeyPair) Wipe() {
	Wipe(k.private[:])
}

// SharedSecret is a symmetric key bound to one peer.
type SharedSecret struct {
	key [32]byte
}

// Seal encrypts plaintext for the peer. IV holds the 24-byte box nonce.
func (s *SharedSecret) Seal(plaintext []byte) (models.Sealed, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return models.Sealed{}, err
	}
	return models.Sealed{
		IV:   nonce[:],
		Data: box.SealAfterPrecomputation(nil, plaintext, &nonce, &s.key),
	}, nil
}

// Open decrypts a value sealed by the peer.
func (s *SharedSecret) Open(sealed models.Sealed) ([]byte, error) {
	if len(sealed.IV) != 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], sealed.IV)
	out, ok := box.OpenAfterPrecomputation(nil, sealed.Data, &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// Wipe zeroes the key.
func (s *SharedSecret) Wipe() {
	Wipe(s.key[:])
}
