package secretbox

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	c, err := New("correct horse battery staple")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, s := range []string{"", "opencloud-key-123", "unicode: héllo\n"} {
		blob, err := c.Encrypt(s)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", s, err)
		}
		got, err := c.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt(%q blob): %v", s, err)
		}
		if got != s {
			t.Fatalf("round trip mismatch: got %q want %q", got, s)
		}
	}
}

func TestDerivedKeyIsDeterministic(t *testing.T) {
	c1, err := New("shared-secret")
	if err != nil {
		t.Fatalf("New c1: %v", err)
	}
	c2, err := New("shared-secret")
	if err != nil {
		t.Fatalf("New c2: %v", err)
	}
	blob, err := c1.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := c2.Decrypt(blob)
	if err != nil {
		t.Fatalf("second codec with same secret must decrypt: %v", err)
	}
	if got != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestDecryptWithDifferentKeyFails(t *testing.T) {
	c1, _ := New("secret-a")
	c2, _ := New("secret-b")
	blob, err := c1.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := c2.Decrypt(blob); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestDecryptCorruptedBlobFails(t *testing.T) {
	c, _ := New("secret")
	blob, err := c.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := c.Decrypt(blob); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt on corrupted blob, got %v", err)
	}
	if _, err := c.Decrypt([]byte("short")); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt on short blob, got %v", err)
	}
}

func TestRandomKeyWhenNoSecret(t *testing.T) {
	c1, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c2, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blob, err := c1.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Volatile keys: a separate codec instance cannot read the blob.
	if _, err := c2.Decrypt(blob); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt across random-key codecs, got %v", err)
	}
	b1, _ := c1.Encrypt("x")
	b2, _ := c1.Encrypt("x")
	if bytes.Equal(b1, b2) {
		t.Fatal("expected distinct nonces per encryption")
	}
}
