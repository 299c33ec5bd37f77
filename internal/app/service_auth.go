package app

import (
	"context"
	"net/http"

	"chronicle/api/internal/auth"
	"chronicle/api/internal/redact"
	"chronicle/api/internal/store"
)

// Principal is the identity resolved from a request's credentials,
// authoritative for the rest of the request's lifetime.
type Principal struct {
	ProjectID   string
	Type        auth.PrincipalType
	PrincipalID string
	// ActorID is the workspace/agent id this principal is bound to, or
	// "" for a project-scoped key / proxy context with no actor.
	ActorID string
}

func (p Principal) redactPrincipal() redact.Principal {
	switch p.Type {
	case auth.PrincipalUser:
		return redact.PrincipalUser
	case auth.PrincipalAPIKey:
		return redact.PrincipalAPIKey
	default:
		return redact.PrincipalPublic
	}
}

func (p Principal) canWrite() bool {
	return redact.CanWrite(p.redactPrincipal())
}

// resolvePrincipal implements C3's two authentication modes. Signed-proxy
// context, when the shared secret is configured and the header present,
// is authoritative and takes priority over a bearer token presented
// alongside it. Otherwise falls back to bearer-token lookup.
func (s *Service) resolvePrincipal(ctx context.Context, r *http.Request) (Principal, *DomainError) {
	secret := s.proxySecret()
	if secret != "" {
		if header := r.Header.Get(auth.HeaderInternalAuth); header != "" {
			pc, err := auth.ParseProxyHeader([]byte(secret), header)
			if err != nil {
				return Principal{}, errUnauthenticated("invalid proxy auth header")
			}
			project, perr := s.store.GetProjectByID(ctx, pc.ProjectID)
			if perr != nil || project.DeletedAt != nil {
				return Principal{}, errNotFound("project not found")
			}
			return Principal{
				ProjectID:   pc.ProjectID,
				Type:        pc.PrincipalType,
				PrincipalID: pc.PrincipalID,
				ActorID:     pc.ActorID,
			}, nil
		}
	}

	token := auth.BearerToken(r)
	if token == "" {
		return Principal{}, errUnauthenticated("no credentials presented")
	}
	key, err := s.store.GetApiKeyByHash(ctx, auth.HashAPIKey(token))
	if err != nil {
		return Principal{}, errUnauthenticated("invalid api key")
	}
	project, perr := s.store.GetProjectByID(ctx, key.ProjectID)
	if perr != nil || project.DeletedAt != nil {
		return Principal{}, errNotFound("project not found")
	}
	return Principal{
		ProjectID:   key.ProjectID,
		Type:        auth.PrincipalAPIKey,
		PrincipalID: key.ID,
		ActorID:     key.AgentID,
	}, nil
}

func (s *Service) proxySecret() string {
	if s.cfg.InternalAuthSecret != "" {
		return s.cfg.InternalAuthSecret
	}
	return s.cfg.SessionSecretKey
}

// requireActorBinding enforces C3's actor-binding rule: a write whose
// body names workspaceID must come from a principal bound to that exact
// workspace, unless the principal carries no actor binding at all
// (project-scoped key, or proxy-mode internal traffic).
func requireActorBinding(p Principal, workspaceID string) *DomainError {
	if p.ActorID == "" {
		return nil
	}
	if p.ActorID != workspaceID {
		return errForbidden("actor is not bound to this workspace")
	}
	return nil
}

// requireWrite refuses mutating calls from a public reader.
func requireWrite(p Principal) *DomainError {
	if !p.canWrite() {
		return errForbidden("public readers cannot perform this action")
	}
	return nil
}

// requireProject checks a principal's resolved project matches the
// project the caller is operating against (defense in depth: handlers
// already scope every store call by p.ProjectID, this catches mismatches
// caused by a path/body project slug differing from the auth context).
func requireProject(p Principal, projectID string) *DomainError {
	if p.ProjectID != projectID {
		return errForbidden("principal is not scoped to this project")
	}
	return nil
}

func mapStoreErr(err error, notFoundMsg string) *DomainError {
	switch err {
	case store.ErrNotFound:
		return errNotFound(notFoundMsg)
	case store.ErrClaimNotHeld:
		return errConflict("claim not held", nil)
	case store.ErrClaimConflict:
		return errConflict("claim conflict", nil)
	case store.ErrConflict:
		return errConflict("conflicting state", nil)
	case store.ErrPolicyStale:
		return errConflict("policy version conflict", nil)
	default:
		return errInternal(err.Error())
	}
}
