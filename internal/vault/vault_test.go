package vault

import (
	"bytes"
	"errors"
	"testing"
)

func newTestVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t, "test-passphrase")
	plaintext := []byte(`{"brief":"draft the landing page"}`)

	sealed, err := v.Seal("item-1", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("landing")) {
		t.Fatal("sealed payload leaks plaintext")
	}

	opened, err := v.Open("item-1", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	sealed, err := newTestVault(t, "correct-passphrase").Seal("item-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := newTestVault(t, "wrong-passphrase").Open("item-1", sealed); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestBoundToID(t *testing.T) {
	v := newTestVault(t, "pass")
	sealed, err := v.Seal("item-1", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := v.Open("item-2", sealed); err == nil {
		t.Fatal("payload sealed for one item opened for another")
	}
}

func TestDeterministicKey(t *testing.T) {
	sealed, err := newTestVault(t, "same").Seal("x", []byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := newTestVault(t, "same").Open("x", sealed); err != nil {
		t.Fatalf("same passphrase should open across instances: %v", err)
	}
}

func TestUniqueNonces(t *testing.T) {
	v := newTestVault(t, "pass")
	a, _ := v.Seal("x", []byte("data"))
	b, _ := v.Seal("x", []byte("data"))
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext are identical")
	}
}

func TestShortAndEmpty(t *testing.T) {
	v := newTestVault(t, "pass")
	if _, err := v.Open("x", []byte{1, 2}); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed, got %v", err)
	}
	if _, err := New(""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}
