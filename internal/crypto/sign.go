package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/aydomini/EchoVault/internal/models"
)

// SigningKeyPair is an Ed25519 identity for one session.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a fresh Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Public: pub, private: priv}, nil
}

// Sign signs message with the private half of the pair.
func (k *SigningKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Wipe zeroes the private key.
func (k *SigningKeyPair) Wipe() {
	Wipe(k.private)
}

// Verify reports whether sig is a valid signature of message by publicKey.
// Malformed keys or signatures verify as false.
func Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

type signedFields struct {
	EncryptedContent models.Sealed `json:"encryptedContent"`
	Timestamp        int64         `json:"timestamp"`
	Nonce            models.Nonce  `json:"nonce"`
}

// SigningInput is the canonical byte string a chat message signature covers.
func SigningInput(content models.Sealed, timestamp int64, nonce models.Nonce) ([]byte, error) {
	return json.Marshal(signedFields{EncryptedContent: content, Timestamp: timestamp, Nonce: nonce})
}

// Fingerprint renders a public key as upper-case SHA-256 hex in groups of four.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, " ")
}
