package app

import (
	"context"
	"fmt"

	"chronicle/api/internal/ephemeral"
	"chronicle/api/internal/events"
)

// AcquireReservation implements C6: an advisory file lock, renewed
// idempotently by the same workspace. Another workspace's acquire of a
// held path fails with a conflict naming the holder; the pre-flight Check
// reports such a path as a warning, not a rejection.
func (s *Service) AcquireReservation(ctx context.Context, p Principal, workspaceID, path, reason string) (ephemeral.Reservation, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return ephemeral.Reservation{}, derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return ephemeral.Reservation{}, derr
	}
	ws, err := s.store.GetWorkspace(ctx, p.ProjectID, workspaceID)
	if err != nil {
		return ephemeral.Reservation{}, errNotFound("workspace not found")
	}

	res, err := s.ephemeral.AcquireReservation(ctx, p.ProjectID, ephemeral.Reservation{
		Path:        path,
		WorkspaceID: workspaceID,
		Alias:       ws.Alias,
		Reason:      reason,
	}, s.cfg.ReservationTTL)
	if err == ephemeral.ErrReservationHeld {
		return res, errConflict(fmt.Sprintf("%s is reserved by %s", path, res.Alias), map[string]any{"holder": res.Alias})
	}
	if err != nil {
		return ephemeral.Reservation{}, errInternal(err.Error())
	}

	typ := events.TypeReservationAcquired
	s.publish(ctx, p.ProjectID, typ, workspaceID, "", map[string]any{"path": path})
	return res, nil
}

func (s *Service) ReleaseReservation(ctx context.Context, p Principal, workspaceID, path string) *DomainError {
	if derr := requireWrite(p); derr != nil {
		return derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return derr
	}
	if err := s.ephemeral.ReleaseReservation(ctx, p.ProjectID, path, workspaceID); err != nil {
		return errInternal(err.Error())
	}
	s.publish(ctx, p.ProjectID, events.TypeReservationReleased, workspaceID, "", map[string]any{"path": path})
	return nil
}

func (s *Service) ListReservations(ctx context.Context, p Principal) ([]ephemeral.Reservation, *DomainError) {
	items, err := s.ephemeral.ListReservations(ctx, p.ProjectID)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}
