package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	secret := "THAA-long-lived-access-token"
	enc, err := c.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(enc, secret) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != secret {
		t.Errorf("round trip = %q", got)
	}
}

func TestNoncesAreFresh(t *testing.T) {
	c, _ := NewCipher(testKey())
	a, _ := c.Encrypt("same input")
	b, _ := c.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same input are identical")
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	c, _ := NewCipher(testKey())
	enc, _ := c.Encrypt("secret")

	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0x01
	if _, err := c.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("tampered ciphertext accepted")
	}

	if _, err := c.Decrypt("not base64!!"); err == nil {
		t.Error("garbage input accepted")
	}
	if _, err := c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("truncated ciphertext accepted")
	}
}

func TestWrongKeyRejected(t *testing.T) {
	a, _ := NewCipher(testKey())
	other := base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))
	b, _ := NewCipher(other)

	enc, _ := a.Encrypt("secret")
	if _, err := b.Decrypt(enc); err == nil {
		t.Error("decryption under the wrong key succeeded")
	}
}

func TestKeyValidation(t *testing.T) {
	if _, err := NewCipher("not base64!!"); err == nil {
		t.Error("invalid base64 key accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewCipher(short); err == nil {
		t.Error("short key accepted")
	}
}
