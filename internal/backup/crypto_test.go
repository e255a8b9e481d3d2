package backup

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	plaintext := []byte(`{"name":"Winter Crown","characters":[]}`)

	sealed, err := encryptSnapshot(plaintext, "correct horse")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("Winter Crown")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := decryptSnapshot(sealed, "correct horse")
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("roundtrip mismatch: got %s", opened)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	sealed, err := encryptSnapshot([]byte("secret"), "right")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := decryptSnapshot(sealed, "wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestDecryptRequiresPassphrase(t *testing.T) {
	sealed, err := encryptSnapshot([]byte("secret"), "right")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := decryptSnapshot(sealed, ""); !errors.Is(err, ErrPassphraseRequired) {
		t.Errorf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	first, err := encryptSnapshot([]byte("same content"), "pass")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	second, err := encryptSnapshot([]byte("same content"), "pass")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("two encryptions of the same content should not be identical")
	}
}

func TestPassphraseHashVerify(t *testing.T) {
	hash, err := HashPassphrase("open sesame")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hash == "open sesame" {
		t.Fatal("hash must not store the passphrase")
	}
	if !VerifyPassphrase(hash, "open sesame") {
		t.Error("correct passphrase rejected")
	}
	if VerifyPassphrase(hash, "open says me") {
		t.Error("wrong passphrase accepted")
	}
}
