// Package redact implements the public-reader field-stripping rules: what a
// principal of type "p" (public reader, on a public project) may see.
package redact

// Principal is the minimal identity shape callers need to decide redaction.
type Principal string

const (
	PrincipalUser   Principal = "u"
	PrincipalAPIKey Principal = "k"
	PrincipalPublic Principal = "p"
)

// CanWrite reports whether a principal type may perform mutating calls.
// Only public readers are restricted; users and API keys are fully trusted
// by the time they reach this layer (project scoping already happened).
func CanWrite(p Principal) bool {
	return p != PrincipalPublic
}

// WorkspaceView is the subset of workspace fields returned to a caller,
// with PII stripped for public readers.
type WorkspaceView struct {
	ID        string `json:"id"`
	Alias     string `json:"alias"`
	HumanName string `json:"human_name,omitempty"`
	Role      string `json:"role"`
	Class     string `json:"class"`
	Branch    string `json:"branch,omitempty"`
	Focus     string `json:"focus,omitempty"`
}

// RedactWorkspace nulls out PII fields (human_name, and by extension any
// member-email-shaped field) when the caller is a public reader. Alias is
// never considered PII and is always shown.
func RedactWorkspace(v WorkspaceView, p Principal) WorkspaceView {
	if p != PrincipalPublic {
		return v
	}
	v.HumanName = ""
	return v
}

// RedactWorkspaces applies RedactWorkspace to a slice.
func RedactWorkspaces(views []WorkspaceView, p Principal) []WorkspaceView {
	out := make([]WorkspaceView, len(views))
	for i, v := range views {
		out[i] = RedactWorkspace(v, p)
	}
	return out
}

// ClaimView mirrors the claim fields exposed over the API.
type ClaimView struct {
	BeadID      string `json:"bead_id"`
	WorkspaceID string `json:"workspace_id"`
	Alias       string `json:"alias"`
	HumanName   string `json:"human_name,omitempty"`
	Apex        string `json:"apex,omitempty"`
}

func RedactClaim(v ClaimView, p Principal) ClaimView {
	if p != PrincipalPublic {
		return v
	}
	v.HumanName = ""
	return v
}

func RedactClaims(views []ClaimView, p Principal) []ClaimView {
	out := make([]ClaimView, len(views))
	for i, v := range views {
		out[i] = RedactClaim(v, p)
	}
	return out
}
