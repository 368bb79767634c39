package accessctx

import (
	"testing"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
)

func TestMintThenDecode_RoundTrips(t *testing.T) {
	key := []byte("dev-secret")
	access := domain.AccessContext{OrgID: "org_1", UserID: "user_1", ProjectID: "proj_1", Role: "owner"}

	tok, err := Mint(access, key, time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	got, err := Decode(tok, key)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != access {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, access)
	}
}

func TestDecode_RejectsWrongKey(t *testing.T) {
	tok, err := Mint(domain.AccessContext{OrgID: "org_1", UserID: "user_1"}, []byte("key-a"), time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Decode(tok, []byte("key-b")); err == nil {
		t.Fatal("expected error decoding with wrong key")
	}
}

func TestDecode_RejectsExpiredToken(t *testing.T) {
	key := []byte("dev-secret")
	tok, err := Mint(domain.AccessContext{OrgID: "org_1", UserID: "user_1"}, key, -time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Decode(tok, key); err == nil {
		t.Fatal("expected error decoding expired token")
	}
}

func TestDecode_RejectsMissingOrgID(t *testing.T) {
	key := []byte("dev-secret")
	tok, err := Mint(domain.AccessContext{UserID: "user_1"}, key, time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Decode(tok, key); err == nil {
		t.Fatal("expected error for missing orgId claim")
	}
}
