package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aydomini/EchoVault/internal/models"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	a, err := DeriveKeys("hunter2", "room-1")
	if err != nil {
		t.Fatalf("DeriveKeys failed: %v", err)
	}
	b, err := DeriveKeys("hunter2", "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.message, b.message) || !bytes.Equal(a.Storage, b.Storage) {
		t.Error("same password and room should derive the same keys")
	}
	if bytes.Equal(a.message, a.Storage) {
		t.Error("message and storage keys should differ")
	}
	if len(a.message) != KeySize {
		t.Errorf("expected %d-byte key, got %d", KeySize, len(a.message))
	}

	other, _ := DeriveKeys("hunter2", "room-2")
	if bytes.Equal(a.message, other.message) {
		t.Error("room id should salt the key")
	}
}

func TestDeriveKeysRequiresInputs(t *testing.T) {
	if _, err := DeriveKeys("", "room"); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("expected ErrEmptyPassword, got %v", err)
	}
	if _, err := DeriveKeys("pw", ""); !errors.Is(err, ErrEmptyRoom) {
		t.Errorf("expected ErrEmptyRoom, got %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	keys, err := DeriveKeys("pw", "room")
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("Hello, Bob! This is a secret.")

	sealed, err := keys.Encrypt(message)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(sealed.IV) != 12 {
		t.Errorf("expected 12-byte IV, got %d", len(sealed.IV))
	}

	decrypted, err := keys.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(message, decrypted) {
		t.Errorf("Decrypted message does not match original.\nGot: %s\nWant: %s", decrypted, message)
	}

	again, _ := keys.Encrypt(message)
	if bytes.Equal(again.IV, sealed.IV) {
		t.Error("IV reused across encryptions")
	}
}

func TestDecryptFailure(t *testing.T) {
	alice, _ := DeriveKeys("right", "room")
	eve, _ := DeriveKeys("wrong", "room")

	sealed, _ := alice.Encrypt([]byte("Secret"))

	if _, err := eve.Decrypt(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Expected ErrDecrypt for wrong key, got %v", err)
	}

	sealed.Data[0] ^= 0xff
	if out, err := alice.Decrypt(sealed); err == nil || out != nil {
		t.Error("tampered ciphertext should fail closed")
	}

	if _, err := alice.Decrypt(models.Sealed{IV: []byte{1}, Data: sealed.Data}); !errors.Is(err, ErrDecrypt) {
		t.Errorf("short IV should fail, got %v", err)
	}
}

func TestEncryptJSON(t *testing.T) {
	keys, _ := DeriveKeys("pw", "room")
	type payload struct {
		Name string `json:"name"`
	}
	sealed, err := keys.EncryptJSON(payload{Name: "notes.txt"})
	if err != nil {
		t.Fatal(err)
	}
	var got payload
	if err := keys.DecryptJSON(sealed, &got); err != nil {
		t.Fatalf("DecryptJSON failed: %v", err)
	}
	if got.Name != "notes.txt" {
		t.Errorf("got %q", got.Name)
	}
}

func TestDestroy(t *testing.T) {
	keys, _ := DeriveKeys("pw", "room")
	storage := keys.Storage
	keys.Destroy()
	if _, err := keys.Encrypt([]byte("x")); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("expected ErrKeyDestroyed, got %v", err)
	}
	for _, b := range storage {
		if b != 0 {
			t.Fatal("storage key not wiped")
		}
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair failed: %v", err)
	}
	nonce := models.Nonce{Timestamp: 1, Random: "ab", Value: "1-ab"}
	input, err := SigningInput(models.Sealed{IV: []byte{1}, Data: []byte{2}}, 1000, nonce)
	if err != nil {
		t.Fatal(err)
	}
	sig := kp.Sign(input)
	if !Verify(kp.Public, input, sig) {
		t.Error("valid signature rejected")
	}

	tampered, _ := SigningInput(models.Sealed{IV: []byte{1}, Data: []byte{3}}, 1000, nonce)
	if Verify(kp.Public, tampered, sig) {
		t.Error("signature accepted for altered content")
	}
	if Verify([]byte("short"), input, sig) {
		t.Error("malformed key should not verify")
	}
	if Verify(kp.Public, input, sig[:10]) {
		t.Error("truncated signature should not verify")
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateAgreementKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateAgreementKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ab, err := alice.DeriveSharedSecret(bob.Public[:])
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}
	ba, err := bob.DeriveSharedSecret(alice.Public[:])
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := ab.Seal([]byte("alice"))
	if err != nil {
		t.Fatal(err)
	}
	opened, err := ba.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(opened) != "alice" {
		t.Errorf("got %q", opened)
	}

	ba.Wipe()
	if _, err := ba.Open(sealed); err == nil {
		t.Error("wiped secret should not open")
	}
}

func TestDeriveSharedSecretRejectsBadKeys(t *testing.T) {
	kp, _ := GenerateAgreementKeyPair()
	if _, err := kp.DeriveSharedSecret(make([]byte, 31)); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("expected ErrInvalidPublicKey for short key, got %v", err)
	}
	// The all-zero point has low order.
	if _, err := kp.DeriveSharedSecret(make([]byte, 32)); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("expected ErrInvalidPublicKey for low-order point, got %v", err)
	}
}

func TestNonceRegistry(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	reg := NewNonceRegistry()
	reg.now = func() time.Time { return now }

	n := models.Nonce{Timestamp: now.UnixMilli(), Random: "00ff", Value: ""}
	n.Value = "1700000000000-00ff"

	if err := reg.Verify(n, 0); err != nil {
		t.Fatalf("fresh nonce rejected: %v", err)
	}
	// Verify alone does not consume.
	if err := reg.Verify(n, 0); err != nil {
		t.Fatalf("verify should not record: %v", err)
	}
	reg.Commit(n, 0)
	if err := reg.Verify(n, 0); !errors.Is(err, ErrNonceReplayed) {
		t.Errorf("expected ErrNonceReplayed, got %v", err)
	}

	now = now.Add(6 * time.Second)
	if removed := reg.Cleanup(); removed != 1 {
		t.Errorf("expected 1 purged nonce, got %d", removed)
	}
	if err := reg.Verify(n, 0); !errors.Is(err, ErrNonceExpired) {
		t.Errorf("purged nonce outside window should be expired, got %v", err)
	}
}

func TestNonceRegistryOffsetAndMalformed(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	reg := NewNonceRegistry()
	reg.now = func() time.Time { return now }

	// Relay clock runs 10s ahead of ours.
	n := models.Nonce{Timestamp: 2_010_000, Random: "aa", Value: "2010000-aa"}
	if err := reg.Verify(n, 0); !errors.Is(err, ErrNonceExpired) {
		t.Errorf("uncorrected clock should reject, got %v", err)
	}
	if err := reg.Verify(n, 10*time.Second); err != nil {
		t.Errorf("corrected clock should accept, got %v", err)
	}

	bad := models.Nonce{Timestamp: 2_000_000, Random: "aa", Value: "1-aa"}
	if err := reg.Verify(bad, 0); !errors.Is(err, ErrNonceMalformed) {
		t.Errorf("expected ErrNonceMalformed, got %v", err)
	}
}

func TestGenerateNonce(t *testing.T) {
	n, err := GenerateNonce(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Random) != 32 {
		t.Errorf("expected 128-bit random part, got %d hex chars", len(n.Random))
	}
	if err := NewNonceRegistry().Verify(n, 0); err != nil {
		t.Errorf("generated nonce should verify: %v", err)
	}
}

func TestCalculateHashAndFingerprint(t *testing.T) {
	if got := CalculateHash([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("unexpected hash %s", got)
	}
	fp := Fingerprint([]byte("abc"))
	if !strings.HasPrefix(fp, "BA78 16BF ") {
		t.Errorf("unexpected fingerprint %s", fp)
	}
	if len(strings.Fields(fp)) != 16 {
		t.Errorf("expected 16 groups, got %q", fp)
	}
}

func TestShareLink(t *testing.T) {
	link, err := CreateShareLink("https://chat.example.com/", "lobby", "p@ss word")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(link, "https://chat.example.com/#join=") {
		t.Errorf("unexpected link %s", link)
	}
	room, pw, err := ParseShareLink(link)
	if err != nil {
		t.Fatalf("ParseShareLink failed: %v", err)
	}
	if room != "lobby" || pw != "p@ss word" {
		t.Errorf("got %q %q", room, pw)
	}

	if _, _, err := ParseShareLink("https://chat.example.com/#other"); !errors.Is(err, ErrInvalidShareLink) {
		t.Errorf("expected ErrInvalidShareLink, got %v", err)
	}
}
