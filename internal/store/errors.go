package store

import "errors"

var (
	ErrClaimConflict = errors.New("store: bead already claimed")
	ErrClaimNotHeld  = errors.New("store: claim not held by workspace")
	ErrPolicyStale   = errors.New("store: policy version conflict")
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: conflicting state")
)
