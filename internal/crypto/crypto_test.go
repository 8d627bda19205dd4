// Package crypto tests for authenticated payload encryption.
package crypto

import (
	"bytes"
	"errors"
	"testing"
)

var testSecret = []byte("test-secret-key-0123456789")

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testSecret)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	return c
}

// TestSealOpen_roundtrip verifies decrypt(encrypt(P)) == P for varied payloads.
func TestSealOpen_roundtrip(t *testing.T) {
	c := newTestCipher(t)
	ad := []byte("item-1|ticket")

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte(`{"title":"x"}`)},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80}},
		{"large", bytes.Repeat([]byte("log line\n"), 10000)},
		{"unicode", []byte(`{"comment":"très bien 👍"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := c.Seal(tt.plaintext, ad)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			got, err := c.Open(sealed, ad)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("Open() = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

// TestSeal_layout verifies nonce and tag sizes and that plaintext is not visible.
func TestSeal_layout(t *testing.T) {
	c := newTestCipher(t)
	plaintext := []byte("confidential ticket description")

	sealed, err := c.Seal(plaintext, nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(sealed.Nonce) != NonceSize {
		t.Errorf("nonce length = %d, want %d", len(sealed.Nonce), NonceSize)
	}
	if len(sealed.Tag) != TagSize {
		t.Errorf("tag length = %d, want %d", len(sealed.Tag), TagSize)
	}
	if len(sealed.Ciphertext) != len(plaintext) {
		t.Errorf("ciphertext length = %d, want %d", len(sealed.Ciphertext), len(plaintext))
	}
	if bytes.Contains(sealed.Ciphertext, []byte("confidential")) {
		t.Error("ciphertext contains plaintext")
	}
}

// TestSeal_nonDeterministic verifies the same plaintext never yields the same
// ciphertext, nonce or tag twice.
func TestSeal_nonDeterministic(t *testing.T) {
	c := newTestCipher(t)
	plaintext := []byte(`{"title":"same"}`)

	a, err := c.Seal(plaintext, nil)
	if err != nil {
		t.Fatalf("Seal() first error = %v", err)
	}
	b, err := c.Seal(plaintext, nil)
	if err != nil {
		t.Fatalf("Seal() second error = %v", err)
	}

	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("ciphertexts are identical")
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("nonces are identical")
	}
	if bytes.Equal(a.Tag, b.Tag) {
		t.Error("tags are identical")
	}
}

func clone(s *Sealed) *Sealed {
	return &Sealed{
		Ciphertext: append([]byte(nil), s.Ciphertext...),
		Nonce:      append([]byte(nil), s.Nonce...),
		Tag:        append([]byte(nil), s.Tag...),
	}
}

// TestOpen_tamperDetection flips every bit of ciphertext, nonce and tag and
// verifies each mutation is rejected.
func TestOpen_tamperDetection(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal([]byte(`{"title":"tamper me"}`), nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	parts := []struct {
		name string
		get  func(*Sealed) []byte
	}{
		{"ciphertext", func(s *Sealed) []byte { return s.Ciphertext }},
		{"nonce", func(s *Sealed) []byte { return s.Nonce }},
		{"tag", func(s *Sealed) []byte { return s.Tag }},
	}

	for _, part := range parts {
		t.Run(part.name, func(t *testing.T) {
			n := len(part.get(sealed))
			for i := 0; i < n*8; i++ {
				mutated := clone(sealed)
				part.get(mutated)[i/8] ^= 1 << (i % 8)

				if _, err := c.Open(mutated, nil); !errors.Is(err, ErrInvalidCiphertext) {
					t.Fatalf("bit %d: Open() error = %v, want ErrInvalidCiphertext", i, err)
				}
			}
		})
	}
}

// TestOpen_wrongAssociatedData verifies a ciphertext bound to one row cannot
// be opened as another.
func TestOpen_wrongAssociatedData(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal([]byte("payload"), []byte("item-a|ticket"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := c.Open(sealed, []byte("item-b|ticket")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestOpen_wrongKey verifies another secret cannot decrypt.
func TestOpen_wrongKey(t *testing.T) {
	c := newTestCipher(t)
	other, err := NewCipher([]byte("another-secret-key-9876543210"))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	sealed, err := c.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := other.Open(sealed, nil); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestOpen_malformed verifies truncated parts are rejected without panicking.
func TestOpen_malformed(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	tests := []struct {
		name string
		s    *Sealed
	}{
		{"nil", nil},
		{"short nonce", &Sealed{Ciphertext: sealed.Ciphertext, Nonce: sealed.Nonce[:4], Tag: sealed.Tag}},
		{"short tag", &Sealed{Ciphertext: sealed.Ciphertext, Nonce: sealed.Nonce, Tag: sealed.Tag[:8]}},
		{"empty tag", &Sealed{Ciphertext: sealed.Ciphertext, Nonce: sealed.Nonce}},
		{"truncated ciphertext", &Sealed{Ciphertext: sealed.Ciphertext[:2], Nonce: sealed.Nonce, Tag: sealed.Tag}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Open(tt.s, nil); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
			}
		})
	}
}

// TestDeriveKey verifies derivation is deterministic, sized, and never the raw secret.
func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey(testSecret)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, _ := DeriveKey(testSecret)

	if len(k1) != KeySize {
		t.Errorf("key length = %d, want %d", len(k1), KeySize)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey() is not deterministic")
	}
	if bytes.Contains(k1, testSecret[:KeySize/2]) {
		t.Error("derived key contains raw secret material")
	}
}

// TestNewCipher_shortSecret verifies weak secrets are refused.
func TestNewCipher_shortSecret(t *testing.T) {
	if _, err := NewCipher([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewCipher() error = %v, want ErrInvalidKey", err)
	}
}
