package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

// CreateEscalation implements C12's raise path: a blocked workspace
// records a pending decision point with a deadline, optionally notified
// by email, and keeps polling GetEscalation/ListEscalations until a
// human responds or the sweep expires it.
func (s *Service) CreateEscalation(ctx context.Context, p Principal, workspaceID, subject, situation string, options []string, ttl time.Duration) (store.Escalation, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Escalation{}, derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return store.Escalation{}, derr
	}
	ws, err := s.store.GetWorkspace(ctx, p.ProjectID, workspaceID)
	if err != nil {
		return store.Escalation{}, errNotFound("workspace not found")
	}
	if ttl <= 0 {
		ttl = s.cfg.EscalationDefault
	}

	esc, err := s.store.CreateEscalation(ctx, store.Escalation{
		ID:          util.NewID("esc"),
		ProjectID:   p.ProjectID,
		WorkspaceID: workspaceID,
		Subject:     subject,
		Situation:   situation,
		Options:     options,
		ExpiresAt:   time.Now().Add(ttl),
	})
	if err != nil {
		return store.Escalation{}, errInternal(fmt.Sprintf("create escalation: %v", err))
	}

	s.notifyEscalation(esc, ws.Alias)
	s.publish(ctx, p.ProjectID, events.TypeEscalationCreated, workspaceID, "", map[string]any{"escalation_id": esc.ID, "subject": subject})
	return esc, nil
}

func (s *Service) notifyEscalation(esc store.Escalation, alias string) {
	if s.mailer == nil || !s.mailer.IsConfigured() || s.cfg.EscalationNotifyEmail == "" {
		return
	}
	go func() {
		err := s.mailer.SendEscalationEmail(s.cfg.EscalationNotifyEmail, alias, esc.Subject, esc.Situation, esc.Options, esc.ExpiresAt.Format(time.RFC3339))
		if err != nil {
			log.Printf("app: send escalation email for %s: %v", esc.ID, err)
		}
	}()
}

func (s *Service) GetEscalation(ctx context.Context, p Principal, id string) (store.Escalation, *DomainError) {
	esc, err := s.store.GetEscalation(ctx, p.ProjectID, id)
	if err != nil {
		return store.Escalation{}, errNotFound("escalation not found")
	}
	return esc, nil
}

func (s *Service) ListEscalations(ctx context.Context, p Principal, status string, limit int) ([]store.Escalation, *DomainError) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items, err := s.store.ListEscalations(ctx, p.ProjectID, status, limit)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

// RespondToEscalation implements the human-decision path. Responding
// twice, or responding after the sweep has already expired it, surfaces
// as a 409 so the caller knows its answer was not applied.
func (s *Service) RespondToEscalation(ctx context.Context, p Principal, id, response, note string) (store.Escalation, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Escalation{}, derr
	}
	esc, err := s.store.RespondToEscalation(ctx, p.ProjectID, id, response, note)
	if err != nil {
		return store.Escalation{}, mapStoreErr(err, "escalation not found")
	}
	s.publish(ctx, p.ProjectID, events.TypeEscalationResponded, esc.WorkspaceID, "", map[string]any{"escalation_id": esc.ID, "response": response})
	return esc, nil
}
