package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chronicle/api/internal/events"
	"chronicle/api/internal/search"
	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

func issueSearchRecord(iss store.Issue) search.IssueRecord {
	return search.IssueRecord{
		ProjectID: iss.ProjectID,
		BeadID:    iss.BeadID,
		Title:     iss.Title,
		Body:      iss.Body,
		Status:    iss.Status,
		Assignee:  iss.Assignee,
	}
}

// IssueInput is one client-pushed bead record.
type IssueInput struct {
	BeadID    string          `json:"bead_id"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Status    string          `json:"status"`
	Priority  int             `json:"priority"`
	Assignee  string          `json:"assignee"`
	Creator   string          `json:"creator"`
	Labels    []string        `json:"labels"`
	Parent    *store.BeadRef  `json:"parent"`
	BlockedBy []store.BeadRef `json:"blocked_by"`
}

// ClaimSnapshotEntry is one row of the caller's current claim state,
// used to reconcile claims held by workspaceID.
type ClaimSnapshotEntry struct {
	BeadID string `json:"bead_id"`
	Apex   string `json:"apex"`
}

// SyncRequest is the decoded body of POST /v1/bdh/sync.
type SyncRequest struct {
	RepoID          string               `json:"repo_id"`
	ChangedIssues   []IssueInput         `json:"changed_issues"`
	DeletedIDs      []string             `json:"deleted_ids"`
	ClaimsSnapshot  []ClaimSnapshotEntry `json:"claims_snapshot"`
	NotificationAck []string             `json:"notification_ack"`
}

// SyncResult is the response body of POST /v1/bdh/sync.
type SyncResult struct {
	Upserts             int `json:"upserts"`
	Deletes             int `json:"deletes"`
	StatusChanges       int `json:"status_changes"`
	NotificationsQueued int `json:"notifications_queued"`
}

// Sync implements C7: upsert pushed issues, delete omitted ids,
// reconcile the caller's claims, and queue notifications for every
// detected status transition — all serialised per workspace.
func (s *Service) Sync(ctx context.Context, p Principal, workspaceID string, req SyncRequest) (SyncResult, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return SyncResult{}, derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return SyncResult{}, derr
	}
	ws, err := s.store.GetWorkspace(ctx, p.ProjectID, workspaceID)
	if err != nil {
		return SyncResult{}, errNotFound("workspace not found")
	}

	lock := s.workspaceSyncLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	result := SyncResult{}
	var statusChanges []statusChange

	for _, in := range req.ChangedIssues {
		iss := store.Issue{
			ProjectID: p.ProjectID,
			BeadID:    normalizeBeadField(in.BeadID),
			Title:     normalizeBeadField(in.Title),
			Body:      in.Body,
			Status:    normalizeBeadField(in.Status),
			Priority:  in.Priority,
			Assignee:  in.Assignee,
			Creator:   in.Creator,
			Labels:    in.Labels,
			Parent:    in.Parent,
			BlockedBy: in.BlockedBy,
		}
		previousStatus, err := s.store.UpsertIssue(ctx, iss)
		if err != nil {
			return SyncResult{}, errInternal(fmt.Sprintf("upsert issue %s: %v", iss.BeadID, err))
		}
		result.Upserts++
		if s.search != nil {
			s.search.IndexIssue(issueSearchRecord(iss))
		}
		if previousStatus != "" && previousStatus != iss.Status {
			statusChanges = append(statusChanges, statusChange{beadID: iss.BeadID, from: previousStatus, to: iss.Status})
		}
	}

	if len(req.DeletedIDs) > 0 {
		deleted, err := s.store.DeleteIssuesNotIn(ctx, p.ProjectID, req.DeletedIDs)
		_ = deleted
		if err != nil {
			return SyncResult{}, errInternal(fmt.Sprintf("delete issues: %v", err))
		}
	}

	if err := s.reconcileClaims(ctx, p.ProjectID, ws, req.ClaimsSnapshot); err != nil {
		return SyncResult{}, errInternal(fmt.Sprintf("reconcile claims: %v", err))
	}

	if len(statusChanges) > 0 {
		queued, err := s.queueStatusChangeNotifications(ctx, p.ProjectID, req.RepoID, statusChanges)
		if err != nil {
			return SyncResult{}, errInternal(fmt.Sprintf("queue notifications: %v", err))
		}
		result.StatusChanges = len(statusChanges)
		result.NotificationsQueued = queued
	}

	s.touchPresence(ctx, p.ProjectID, workspaceID, ws.Alias)
	s.publish(ctx, p.ProjectID, events.TypeSyncCompleted, workspaceID, req.RepoID, map[string]any{
		"upserts": result.Upserts, "status_changes": result.StatusChanges,
	})
	return result, nil
}

type statusChange struct {
	beadID string
	from   string
	to     string
}

func (s *Service) reconcileClaims(ctx context.Context, projectID string, ws store.Workspace, snapshot []ClaimSnapshotEntry) error {
	existing, err := s.store.ListClaimsByWorkspace(ctx, projectID, ws.ID)
	if err != nil {
		return err
	}
	wanted := make(map[string]ClaimSnapshotEntry, len(snapshot))
	for _, entry := range snapshot {
		wanted[entry.BeadID] = entry
	}
	for _, c := range existing {
		if _, ok := wanted[c.BeadID]; !ok {
			if err := s.store.ReleaseClaim(ctx, projectID, c.BeadID, ws.ID); err != nil && err != store.ErrClaimNotHeld {
				return err
			}
		}
	}
	for beadID, entry := range wanted {
		if _, err := s.store.AcquireClaim(ctx, store.NewClaim{
			ID: util.NewID("clm"), ProjectID: projectID, BeadID: beadID, WorkspaceID: ws.ID,
			Alias: ws.Alias, HumanName: ws.HumanName, Apex: entry.Apex,
		}); err != nil {
			return err
		}
	}
	return nil
}

// queueStatusChangeNotifications looks up subscriptions for each changed
// bead and inserts one outbox entry per subscribed workspace, in the
// same transaction per §4.C7 step 5.
func (s *Service) queueStatusChangeNotifications(ctx context.Context, projectID, repoID string, changes []statusChange) (int, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	queued := 0
	for _, change := range changes {
		subs, err := s.store.ListSubscribersForBead(ctx, tx, projectID, change.beadID, repoID)
		if err != nil {
			return 0, err
		}
		for _, sub := range subs {
			if !subscribedToStatusChange(sub.EventTypes) {
				continue
			}
			fingerprint := fmt.Sprintf("%s:%s:%s:%d", change.beadID, change.from, change.to, time.Now().UnixMicro())
			exists, err := s.store.ExistsOutboxFingerprint(ctx, tx, projectID, fingerprint)
			if err != nil {
				return 0, err
			}
			if exists {
				continue
			}
			payload := fmt.Sprintf(`{"bead_id":%q,"from":%q,"to":%q}`, change.beadID, change.from, change.to)
			if err := s.store.InsertOutboxEntry(ctx, tx, store.OutboxEntry{
				ID: util.NewID("obx"), ProjectID: projectID, WorkspaceID: sub.WorkspaceID,
				EventType: "bead.status_changed", Payload: []byte(payload), Fingerprint: fingerprint,
			}); err != nil {
				return 0, err
			}
			queued++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, change := range changes {
		s.publish(ctx, projectID, events.TypeBeadStatusChanged, "", repoID, map[string]any{
			"bead_id": change.beadID, "from": change.from, "to": change.to,
		})
	}
	return queued, nil
}

func subscribedToStatusChange(eventTypes []string) bool {
	if len(eventTypes) == 0 {
		return true // default subscription is {status_change}
	}
	for _, t := range eventTypes {
		if t == "status_change" {
			return true
		}
	}
	return false
}

func normalizeBeadField(s string) string {
	return strings.TrimSpace(s)
}

func (s *Service) GetIssue(ctx context.Context, p Principal, beadID string) (store.Issue, *DomainError) {
	iss, err := s.store.GetIssue(ctx, p.ProjectID, beadID)
	if err != nil {
		return store.Issue{}, errNotFound("bead not found")
	}
	return iss, nil
}

func (s *Service) ListIssues(ctx context.Context, p Principal, filter store.IssueFilter) ([]store.Issue, *DomainError) {
	items, err := s.store.ListIssues(ctx, p.ProjectID, filter)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

// ReadyIssues implements the "ready" query from §9: a bead is ready iff
// no blocker in its transitive closure is open/in_progress. Any cycle
// found while walking the closure makes the bead not-ready.
func (s *Service) ReadyIssues(ctx context.Context, p Principal) ([]store.Issue, *DomainError) {
	all, err := s.store.ListIssues(ctx, p.ProjectID, store.IssueFilter{})
	if err != nil {
		return nil, errInternal(err.Error())
	}
	byID := make(map[string]store.Issue, len(all))
	for _, iss := range all {
		byID[iss.BeadID] = iss
	}

	ready := make([]store.Issue, 0)
	for _, iss := range all {
		if iss.Status == "closed" {
			continue
		}
		if isReady(iss, byID, make(map[string]bool)) {
			ready = append(ready, iss)
		}
	}
	return ready, nil
}

func isReady(iss store.Issue, byID map[string]store.Issue, visiting map[string]bool) bool {
	if visiting[iss.BeadID] {
		return false // cycle: treated as not-ready
	}
	visiting[iss.BeadID] = true
	defer delete(visiting, iss.BeadID)

	for _, ref := range iss.BlockedBy {
		blocker, ok := byID[ref.BeadID]
		if !ok {
			continue // blocker outside this project's mirror; can't prove it's blocking
		}
		if blocker.Status == "open" || blocker.Status == "in_progress" {
			return false
		}
		if !isReady(blocker, byID, visiting) {
			return false
		}
	}
	return true
}
