package app

import (
	"context"
	"fmt"

	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

func (s *Service) CreateSubscription(ctx context.Context, p Principal, workspaceID, beadID, repoID string, eventTypes []string) (store.Subscription, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Subscription{}, derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return store.Subscription{}, derr
	}
	sub, err := s.store.CreateSubscription(ctx, store.Subscription{
		ID:          util.NewID("sub"),
		ProjectID:   p.ProjectID,
		WorkspaceID: workspaceID,
		BeadID:      beadID,
		RepoID:      repoID,
		EventTypes:  eventTypes,
	})
	if err == store.ErrDuplicateSubscription {
		return store.Subscription{}, errConflict("already subscribed to this bead", nil)
	}
	if err != nil {
		return store.Subscription{}, errInternal(fmt.Sprintf("create subscription: %v", err))
	}
	return sub, nil
}

func (s *Service) DeleteSubscription(ctx context.Context, p Principal, id string) *DomainError {
	if derr := requireWrite(p); derr != nil {
		return derr
	}
	if err := s.store.DeleteSubscription(ctx, p.ProjectID, id); err != nil {
		return errInternal(err.Error())
	}
	return nil
}

func (s *Service) ListSubscriptions(ctx context.Context, p Principal, workspaceID string) ([]store.Subscription, *DomainError) {
	items, err := s.store.ListSubscriptions(ctx, p.ProjectID, workspaceID)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}
