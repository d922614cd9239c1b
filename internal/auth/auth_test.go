package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "acc_student", "default")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("raw key = %q, want sk_ prefix", rawKey)
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("key ID = %q, want ak_ prefix", key.ID)
	}
	if key.AccountID != "acc_student" {
		t.Errorf("account = %q", key.AccountID)
	}
	if key.Hash == rawKey {
		t.Error("raw key stored instead of hash")
	}
}

func TestValidateKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := m.GenerateKey(ctx, "acc_student", "default")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	key, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if key.AccountID != "acc_student" {
		t.Errorf("account = %q", key.AccountID)
	}

	// Bearer prefix is stripped
	if _, err := m.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("bearer-prefixed key: %v", err)
	}

	if _, err := m.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key err = %v, want ErrNoAPIKey", err)
	}
	if _, err := m.ValidateKey(ctx, "sk_deadbeef"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key err = %v, want ErrInvalidAPIKey", err)
	}
	if _, err := m.ValidateKey(ctx, "not_a_key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("malformed key err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestValidateRevokedKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "acc_student", "default")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := m.RevokeKey(ctx, key.ID, "acc_student"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}

	if _, err := m.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestValidateExpiredKey(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "acc_student", "default")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := m.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expired key err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestRevokeKeyWrongAccount(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, key, err := m.GenerateKey(ctx, "acc_student", "default")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := m.RevokeKey(ctx, key.ID, "acc_other"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}
