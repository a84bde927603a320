package cache

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	signer := NewCursorSigner("test-secret", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := signer.Sign(10, "fp-abc", now)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	offset, err := signer.Verify(token, "fp-abc", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if offset != 10 {
		t.Errorf("offset = %d, want 10", offset)
	}
}

func TestCursorRejectsTampering(t *testing.T) {
	signer := NewCursorSigner("test-secret", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := signer.Sign(10, "fp-abc", now)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tampered := []byte(token)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := signer.Verify(string(tampered), "fp-abc", now); err == nil {
		t.Error("expected error for tampered cursor")
	}
}

func TestCursorRejectsFingerprintMismatch(t *testing.T) {
	signer := NewCursorSigner("test-secret", time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := signer.Sign(10, "fp-abc", now)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := signer.Verify(token, "fp-different", now); err == nil {
		t.Error("expected error for fingerprint mismatch")
	}
}

func TestCursorRejectsExpired(t *testing.T) {
	signer := NewCursorSigner("test-secret", time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := signer.Sign(10, "fp-abc", now)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := signer.Verify(token, "fp-abc", now.Add(2*time.Minute)); err == nil {
		t.Error("expected error for expired cursor")
	}
}
