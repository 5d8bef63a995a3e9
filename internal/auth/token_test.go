package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	identity := Identity{ID: "user-1", Username: "alice", Email: "alice@example.com"}

	raw, err := IssueToken(secret, identity, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(secret, raw)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed.ID != identity.ID {
		t.Errorf("expected id %s, got %s", identity.ID, parsed.ID)
	}
	if parsed.Username != identity.Username {
		t.Errorf("expected username %s, got %s", identity.Username, parsed.Username)
	}
	if parsed.Email != identity.Email {
		t.Errorf("expected email %s, got %s", identity.Email, parsed.Email)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	raw, err := IssueToken([]byte("secret-a"), Identity{ID: "u", Username: "bob"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken([]byte("secret-b"), raw); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	secret := []byte("test-secret")
	raw, err := IssueToken(secret, Identity{ID: "u", Username: "bob"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, raw); err != ErrExpiredToken {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenGarbage(t *testing.T) {
	if _, err := ParseToken([]byte("secret"), "not-a-token"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("expected identical hashes for identical input")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("expected different hashes for different input")
	}
}
