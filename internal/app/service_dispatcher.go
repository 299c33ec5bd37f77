package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

// runDispatcherLoop implements C10: drain the notification outbox in
// batches, deliver each entry as an internal mail message to its target
// workspace, and retry with exponential backoff on failure. Runs until
// ctx is cancelled.
func (s *Service) runDispatcherLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainOutboxOnce(ctx)
		}
	}
}

func (s *Service) drainOutboxOnce(ctx context.Context) {
	batch, err := s.store.ClaimOutboxBatch(ctx, s.cfg.OutboxBatchSize, s.cfg.OutboxMaxAttempts)
	if err != nil {
		log.Printf("app: claim outbox batch: %v", err)
		return
	}
	for _, entry := range batch {
		s.deliverOutboxEntry(ctx, entry)
	}
}

type statusChangePayload struct {
	BeadID string `json:"bead_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func (s *Service) deliverOutboxEntry(ctx context.Context, entry store.OutboxEntry) {
	var payload statusChangePayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		s.failOutboxEntry(ctx, entry, "decode payload: "+err.Error())
		return
	}

	if _, err := s.store.GetWorkspace(ctx, entry.ProjectID, entry.WorkspaceID); err != nil {
		s.failOutboxEntry(ctx, entry, "lookup workspace: "+err.Error())
		return
	}

	m, err := s.store.InsertMail(ctx, store.Mail{
		ID:        util.NewID("mail"),
		ProjectID: entry.ProjectID,
		FromWS:    "",
		FromAlias: "beadhub",
		ToWS:      entry.WorkspaceID,
		Subject:   statusChangeSubject(payload),
		Body:      statusChangeBody(payload),
		Priority:  "normal",
	})
	if err != nil {
		s.failOutboxEntry(ctx, entry, "insert mail: "+err.Error())
		return
	}
	if err := s.ephemeral.WakeInbox(ctx, entry.WorkspaceID, m.ID); err != nil {
		log.Printf("app: wake inbox for outbox delivery %s: %v", entry.ID, err)
	}

	if err := s.store.CompleteOutboxEntry(ctx, entry.ID, m.ID); err != nil {
		log.Printf("app: complete outbox entry %s: %v", entry.ID, err)
		return
	}
	s.publish(ctx, entry.ProjectID, events.TypeMessageDelivered, entry.WorkspaceID, "", map[string]any{"message_id": m.ID, "bead_id": payload.BeadID})
}

func (s *Service) failOutboxEntry(ctx context.Context, entry store.OutboxEntry, reason string) {
	attempts := entry.Attempts + 1
	backoff := s.cfg.OutboxBaseBackoff << uint(attempts-1)
	if backoff > s.cfg.OutboxMaxBackoff || backoff <= 0 {
		backoff = s.cfg.OutboxMaxBackoff
	}
	if err := s.store.FailOutboxEntry(ctx, entry.ID, reason, attempts, s.cfg.OutboxMaxAttempts, backoff); err != nil {
		log.Printf("app: mark outbox entry %s failed: %v", entry.ID, err)
	}
}

func statusChangeSubject(p statusChangePayload) string {
	return p.BeadID + ": " + p.From + " -> " + p.To
}

func statusChangeBody(p statusChangePayload) string {
	return p.BeadID + " moved from " + p.From + " to " + p.To
}

// runEscalationSweepLoop implements C12's expiry side: any escalation
// still pending past its deadline is flipped to expired so a blocked
// agent's poll loop can move on instead of waiting forever on a human
// who never responded.
func (s *Service) runEscalationSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpirePendingEscalations(ctx)
			if err != nil {
				log.Printf("app: expire escalations: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("app: expired %d escalation(s)", n)
			}
		}
	}
}
