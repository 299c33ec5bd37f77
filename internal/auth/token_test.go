package auth

import "testing"

func TestParseProxyHeaderRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	header := SignProxyHeader(secret, "proj-1", PrincipalUser, "user-1", "actor-1")

	ctx, err := ParseProxyHeader(secret, header)
	if err != nil {
		t.Fatalf("ParseProxyHeader() error = %v", err)
	}
	if ctx.ProjectID != "proj-1" || ctx.PrincipalType != PrincipalUser || ctx.PrincipalID != "user-1" || ctx.ActorID != "actor-1" {
		t.Fatalf("unexpected context: %+v", ctx)
	}
}

func TestParseProxyHeaderRejectsBadSignature(t *testing.T) {
	header := SignProxyHeader([]byte("secret-a"), "proj-1", PrincipalUser, "user-1", "actor-1")
	if _, err := ParseProxyHeader([]byte("secret-b"), header); err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
}

func TestParseProxyHeaderRejectsMalformed(t *testing.T) {
	if _, err := ParseProxyHeader([]byte("secret"), "not-the-right-shape"); err == nil {
		t.Fatal("expected malformed header to fail")
	}
}

func TestGenerateAPIKeyHashIsDeterministic(t *testing.T) {
	plaintext, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if HashAPIKey(plaintext) != hash {
		t.Fatal("HashAPIKey(plaintext) must match the hash returned at generation time")
	}
	if len(plaintext) <= len(apiKeyPrefix)+32-1 {
		t.Fatalf("expected at least 32 chars of entropy after prefix, got %q", plaintext)
	}
}
