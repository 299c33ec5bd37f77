package app

import (
	"context"

	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
)

// StatusSnapshot is the response body of GET /v1/status: a point-in-time
// view of who is present, what is claimed, and where claims disagree.
type StatusSnapshot struct {
	Workspaces []redactWorkspaceView `json:"workspaces"`
	Claims     []store.Claim         `json:"claims"`
	Conflicts  []string              `json:"conflicts"`
}

func (s *Service) Status(ctx context.Context, p Principal, filter store.WorkspaceFilter) (StatusSnapshot, *DomainError) {
	workspaces, derr := s.ListWorkspaces(ctx, p, filter)
	if derr != nil {
		return StatusSnapshot{}, derr
	}
	claims, derr := s.ListClaims(ctx, p, "")
	if derr != nil {
		return StatusSnapshot{}, derr
	}
	conflicts, derr := s.ConflictBeads(ctx, p)
	if derr != nil {
		return StatusSnapshot{}, derr
	}
	return StatusSnapshot{Workspaces: workspaces, Claims: claims, Conflicts: conflicts}, nil
}

// StreamEvents opens a live, filtered event subscription for
// GET /v1/status/stream. The returned Subscription's Events channel
// yields one Envelope per matching domain event; the caller (http.go's
// SSE handler) is responsible for the write loop and heartbeat cadence.
func (s *Service) StreamEvents(ctx context.Context, p Principal, filter events.Filter) (*events.Subscription, *DomainError) {
	humanNameOf := func(workspaceID string) string {
		ws, err := s.store.GetWorkspace(ctx, p.ProjectID, workspaceID)
		if err != nil {
			return ""
		}
		return ws.HumanName
	}
	sub, err := s.bus.Subscribe(ctx, p.ProjectID, filter, humanNameOf)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return sub, nil
}

// --- dashboard ---

// DashboardConfig is the response body of GET /v1/dashboard/config: the
// non-secret knobs a dashboard client needs to render timers correctly.
type DashboardConfig struct {
	PresenceTTLSeconds     int `json:"presence_ttl_seconds"`
	ReservationTTLSeconds  int `json:"reservation_ttl_seconds"`
	ChatWaitDefaultSeconds int `json:"chat_wait_default_seconds"`
	ChatWaitCapSeconds     int `json:"chat_wait_cap_seconds"`
	HeartbeatSeconds       int `json:"heartbeat_seconds"`
	EscalationDefaultHours int `json:"escalation_default_hours"`
}

func (s *Service) DashboardConfig(ctx context.Context, p Principal) DashboardConfig {
	return DashboardConfig{
		PresenceTTLSeconds:     int(s.cfg.PresenceTTL.Seconds()),
		ReservationTTLSeconds:  int(s.cfg.ReservationTTL.Seconds()),
		ChatWaitDefaultSeconds: int(s.cfg.ChatWaitDefault.Seconds()),
		ChatWaitCapSeconds:     int(s.cfg.ChatWaitCap.Seconds()),
		HeartbeatSeconds:       int(s.cfg.HeartbeatEvery.Seconds()),
		EscalationDefaultHours: int(s.cfg.EscalationDefault.Hours()),
	}
}

// RegisterDashboardIdentity registers a non-agent, "dashboard"-class
// workspace for a human observer connecting via the web UI — it can
// join chat sessions and read status, but CanonicalOrigin is never
// required since it has no repo checkout.
func (s *Service) RegisterDashboardIdentity(ctx context.Context, p Principal, alias, humanName string) (store.Workspace, *DomainError) {
	return s.RegisterWorkspace(ctx, p, InitRequest{
		Alias:     alias,
		HumanName: humanName,
		Role:      "observer",
		Class:     "dashboard",
	})
}
