package redact

import "testing"

func TestRedactWorkspaceStripsHumanNameForPublic(t *testing.T) {
	v := WorkspaceView{ID: "ws-1", Alias: "alice", HumanName: "Alice Example", Role: "engineer"}
	redacted := RedactWorkspace(v, PrincipalPublic)
	if redacted.HumanName != "" {
		t.Fatalf("expected human_name stripped, got %q", redacted.HumanName)
	}
	if redacted.Alias != "alice" {
		t.Fatal("alias must survive redaction")
	}
}

func TestRedactWorkspaceKeepsFieldsForTrustedPrincipals(t *testing.T) {
	v := WorkspaceView{ID: "ws-1", Alias: "alice", HumanName: "Alice Example"}
	if got := RedactWorkspace(v, PrincipalUser); got.HumanName != "Alice Example" {
		t.Fatalf("user principal should see human_name, got %q", got.HumanName)
	}
	if got := RedactWorkspace(v, PrincipalAPIKey); got.HumanName != "Alice Example" {
		t.Fatalf("api key principal should see human_name, got %q", got.HumanName)
	}
}

func TestCanWrite(t *testing.T) {
	if CanWrite(PrincipalPublic) {
		t.Fatal("public readers must not be allowed to write")
	}
	if !CanWrite(PrincipalUser) || !CanWrite(PrincipalAPIKey) {
		t.Fatal("trusted principals must be allowed to write")
	}
}
