package app

import (
	"context"
	"fmt"

	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

// ClaimantView is the shape returned in a claim-conflict error body's
// "fields.claimants" array.
type ClaimantView struct {
	Alias     string `json:"alias"`
	HumanName string `json:"human_name,omitempty"`
}

// Claim implements C5's acquire path: succeeds when no workspace
// currently claims the bead, or unconditionally when jumpIn is set.
func (s *Service) Claim(ctx context.Context, p Principal, workspaceID, beadID, apex string, jumpIn bool) (store.Claim, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Claim{}, derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return store.Claim{}, derr
	}

	existing, err := s.store.ListClaimsForBead(ctx, p.ProjectID, beadID)
	if err != nil {
		return store.Claim{}, errInternal(fmt.Sprintf("list claims for bead: %v", err))
	}
	if !jumpIn {
		for _, c := range existing {
			if c.WorkspaceID != workspaceID {
				claimants := make([]ClaimantView, 0, len(existing))
				for _, ec := range existing {
					claimants = append(claimants, ClaimantView{Alias: ec.Alias, HumanName: ec.HumanName})
				}
				return store.Claim{}, errConflict(
					fmt.Sprintf("%s is claimed by %s", beadID, c.Alias),
					map[string]any{"claimants": claimants},
				)
			}
		}
	}

	ws, werr := s.store.GetWorkspace(ctx, p.ProjectID, workspaceID)
	if werr != nil {
		return store.Claim{}, errNotFound("workspace not found")
	}

	claim, err := s.store.AcquireClaim(ctx, store.NewClaim{
		ID:          util.NewID("clm"),
		ProjectID:   p.ProjectID,
		BeadID:      beadID,
		WorkspaceID: workspaceID,
		Alias:       ws.Alias,
		HumanName:   ws.HumanName,
		Apex:        apex,
	})
	if err != nil {
		return store.Claim{}, errInternal(fmt.Sprintf("acquire claim: %v", err))
	}

	s.touchPresence(ctx, p.ProjectID, workspaceID, ws.Alias)
	s.publish(ctx, p.ProjectID, events.TypeBeadClaimed, workspaceID, "", map[string]any{"bead_id": beadID, "alias": ws.Alias})
	return claim, nil
}

// Release is a no-op when the workspace holds no claim on the bead.
func (s *Service) Release(ctx context.Context, p Principal, workspaceID, beadID string) *DomainError {
	if derr := requireWrite(p); derr != nil {
		return derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return derr
	}
	err := s.store.ReleaseClaim(ctx, p.ProjectID, beadID, workspaceID)
	if err == store.ErrClaimNotHeld {
		return nil
	}
	if err != nil {
		return errInternal(err.Error())
	}
	s.publish(ctx, p.ProjectID, events.TypeBeadUnclaimed, workspaceID, "", map[string]any{"bead_id": beadID})
	return nil
}

func (s *Service) ListClaims(ctx context.Context, p Principal, workspaceID string) ([]store.Claim, *DomainError) {
	if workspaceID != "" {
		items, err := s.store.ListClaimsByWorkspace(ctx, p.ProjectID, workspaceID)
		if err != nil {
			return nil, errInternal(err.Error())
		}
		return items, nil
	}
	items, err := s.store.ListClaims(ctx, p.ProjectID)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

// ConflictBeads returns every bead with 2+ active claimants, used by the
// status snapshot endpoint.
func (s *Service) ConflictBeads(ctx context.Context, p Principal) ([]string, *DomainError) {
	claims, err := s.store.ListClaims(ctx, p.ProjectID)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	counts := make(map[string]int)
	for _, c := range claims {
		counts[c.BeadID]++
	}
	var conflicts []string
	for beadID, n := range counts {
		if n >= 2 {
			conflicts = append(conflicts, beadID)
		}
	}
	return conflicts, nil
}

// CheckOutcome is the per-bead verdict returned by the pre-flight check.
type CheckOutcome struct {
	BeadID string   `json:"bead_id"`
	Verdict string  `json:"verdict"` // allow | warn | reject
	Reason  string  `json:"reason,omitempty"`
	Holder  string  `json:"holder,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// Check implements C5's pre-flight: inspect a proposed command's beads
// against claim ownership and reservation overlap.
func (s *Service) Check(ctx context.Context, p Principal, workspaceID, command string, beadIDs []string, paths []string) ([]CheckOutcome, *DomainError) {
	outcomes := make([]CheckOutcome, 0, len(beadIDs))
	for _, beadID := range beadIDs {
		claims, err := s.store.ListClaimsForBead(ctx, p.ProjectID, beadID)
		if err != nil {
			return nil, errInternal(fmt.Sprintf("list claims for bead: %v", err))
		}
		outcome := CheckOutcome{BeadID: beadID, Verdict: "allow"}
		for _, c := range claims {
			if c.WorkspaceID != workspaceID {
				outcome.Verdict = "reject"
				outcome.Reason = fmt.Sprintf("claimed by %s", c.Alias)
				outcome.Holder = c.Alias
				break
			}
		}
		outcomes = append(outcomes, outcome)
	}

	for _, path := range paths {
		res, found, err := s.ephemeral.GetReservation(ctx, p.ProjectID, path)
		if err != nil {
			return nil, errInternal(fmt.Sprintf("check reservation: %v", err))
		}
		if !found || res.WorkspaceID == workspaceID {
			continue
		}
		outcomes = append(outcomes, CheckOutcome{
			BeadID:  "",
			Verdict: "warn",
			Reason:  fmt.Sprintf("%s reserved by %s", path, res.Alias),
			Holder:  res.Alias,
			Paths:   []string{path},
		})
	}
	return outcomes, nil
}
