package app

import (
	"context"
	"encoding/json"
	"fmt"

	"chronicle/api/internal/policy"
	"chronicle/api/internal/store"
)

// PolicyView is the response body shape for every /v1/policies/* endpoint
// that returns a bundle.
type PolicyView struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	Bundle  json.RawMessage `json:"bundle"`
}

func (s *Service) GetActivePolicy(ctx context.Context, p Principal) (PolicyView, *DomainError) {
	pol, bundle, err := s.policy.GetActive(ctx, p.ProjectID)
	if err != nil {
		return PolicyView{}, mapStoreErr(err, "project has no active policy")
	}
	return PolicyView{ID: pol.ID, Version: pol.Version, Bundle: bundle}, nil
}

func (s *Service) GetPolicyByID(ctx context.Context, p Principal, policyID string) (PolicyView, *DomainError) {
	pol, bundle, err := s.policy.GetByID(ctx, p.ProjectID, policyID)
	if err != nil {
		return PolicyView{}, mapStoreErr(err, "policy not found")
	}
	return PolicyView{ID: pol.ID, Version: pol.Version, Bundle: bundle}, nil
}

func (s *Service) ListPolicyHistory(ctx context.Context, p Principal, limit int) ([]store.Policy, *DomainError) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.policy.ListHistory(ctx, p.ProjectID, limit)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

// CreatePolicyResult is the response body of POST /v1/policies.
type CreatePolicyResult struct {
	PolicyID string `json:"policy_id"`
	Version  int    `json:"version"`
	Created  bool   `json:"created"`
}

func (s *Service) CreatePolicy(ctx context.Context, p Principal, bundle json.RawMessage, basePolicyID string) (CreatePolicyResult, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return CreatePolicyResult{}, derr
	}
	result, err := s.policy.Create(ctx, p.ProjectID, bundle, basePolicyID, p.PrincipalID)
	if err == policy.ErrConflict {
		return CreatePolicyResult{}, errConflict("base_policy_id does not match the active policy", nil)
	}
	if err != nil {
		return CreatePolicyResult{}, errInternal(fmt.Sprintf("create policy: %v", err))
	}
	return CreatePolicyResult{PolicyID: result.PolicyID, Version: result.Version, Created: result.Created}, nil
}

func (s *Service) ActivatePolicy(ctx context.Context, p Principal, policyID string) *DomainError {
	if derr := requireWrite(p); derr != nil {
		return derr
	}
	if err := s.policy.Activate(ctx, p.ProjectID, policyID); err != nil {
		return mapStoreErr(err, "policy not found")
	}
	return nil
}

func (s *Service) ResetPolicyToDefaults(ctx context.Context, p Principal) (CreatePolicyResult, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return CreatePolicyResult{}, derr
	}
	result, err := s.policy.ResetToDefaults(ctx, p.ProjectID, p.PrincipalID)
	if err != nil {
		return CreatePolicyResult{}, errInternal(fmt.Sprintf("reset policy to defaults: %v", err))
	}
	return CreatePolicyResult{PolicyID: result.PolicyID, Version: result.Version, Created: result.Created}, nil
}
