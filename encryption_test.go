package driftlock

import (
	"bytes"
	"testing"
)

func TestPayloadCipherSealOpen(t *testing.T) {
	cipher, err := NewPayloadCipher(CipherConfig{Enabled: true, Passphrase: "hunter2"})
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	plaintext := []byte(`{"title":"secret note"}`)
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Error("ciphertext leaks plaintext")
	}
	opened, err := cipher.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened = %q, want original plaintext", opened)
	}
}

func TestPayloadCipherSaltReuse(t *testing.T) {
	cfg := CipherConfig{Enabled: true, Passphrase: "hunter2"}
	first, err := NewPayloadCipher(cfg)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := first.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	second, err := NewPayloadCipherWithSalt(cfg, first.Salt())
	if err != nil {
		t.Fatalf("cipher with salt: %v", err)
	}
	if _, err := second.Open(sealed); err != nil {
		t.Errorf("same passphrase and salt must decrypt: %v", err)
	}

	fresh, err := NewPayloadCipher(cfg)
	if err != nil {
		t.Fatalf("fresh cipher: %v", err)
	}
	if _, err := fresh.Open(sealed); err == nil {
		t.Error("different salt must not decrypt")
	}
}

func TestPayloadCipherConfig(t *testing.T) {
	t.Run("disabled returns nil", func(t *testing.T) {
		cipher, err := NewPayloadCipher(CipherConfig{})
		if err != nil || cipher != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", cipher, err)
		}
	})
	t.Run("enabled without key material", func(t *testing.T) {
		if _, err := NewPayloadCipher(CipherConfig{Enabled: true}); err == nil {
			t.Error("expected error without key or passphrase")
		}
	})
	t.Run("raw key must be 32 bytes", func(t *testing.T) {
		if _, err := NewPayloadCipher(CipherConfig{Enabled: true, Key: []byte("short")}); err == nil {
			t.Error("expected error for short key")
		}
	})
	t.Run("tampered ciphertext", func(t *testing.T) {
		cipher, err := NewPayloadCipher(CipherConfig{Enabled: true, Passphrase: "p"})
		if err != nil {
			t.Fatalf("new cipher: %v", err)
		}
		sealed, _ := cipher.Seal([]byte("data"))
		sealed[len(sealed)-1] ^= 0xff
		if _, err := cipher.Open(sealed); err == nil {
			t.Error("expected authentication failure")
		}
	})
}
