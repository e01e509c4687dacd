package models

import (
	"bytes"
	"slices"
	"time"
)

// Artifact is one data-access authorization request and its decision.
//
// Only Status, the lifecycle timestamps and Version change after creation.
// Permission and RawArtifactPayload are written once, on REQUESTED -> GRANTED.
type Artifact struct {
	ID                 string
	ConsentRequestID   string
	PatientRef         string
	RequesterID        string
	Purpose            string
	HITypes            []string
	Permission         *Permission
	Status             Status
	RawArtifactPayload []byte
	CreatedAt          time.Time
	GrantedAt          *time.Time
	ExpiresAt          *time.Time
	RevokedAt          *time.Time
	RejectedAt         *time.Time
	ExpiredAt          *time.Time
	Version            int64
}

// Clone returns a deep copy; stores hand out clones so callers never alias
// committed state.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.HITypes = slices.Clone(a.HITypes)
	c.Permission = a.Permission.Clone()
	c.RawArtifactPayload = bytes.Clone(a.RawArtifactPayload)
	c.GrantedAt = cloneTime(a.GrantedAt)
	c.ExpiresAt = cloneTime(a.ExpiresAt)
	c.RevokedAt = cloneTime(a.RevokedAt)
	c.RejectedAt = cloneTime(a.RejectedAt)
	c.ExpiredAt = cloneTime(a.ExpiredAt)
	return &c
}

// IsActive is true only for a GRANTED artifact strictly before its expiry.
// Callers gating clinical data fail closed on anything else.
func (a *Artifact) IsActive(now time.Time) bool {
	if a == nil || a.Status != StatusGranted || a.ExpiresAt == nil {
		return false
	}
	return now.Before(*a.ExpiresAt)
}

// Covers reports whether the grant includes hiType.
func (a *Artifact) Covers(hiType string) bool {
	if a.Permission != nil && len(a.Permission.HITypes) > 0 {
		return slices.Contains(a.Permission.HITypes, hiType)
	}
	return slices.Contains(a.HITypes, hiType)
}

// State is the part of an artifact the state machine reads.
func (a *Artifact) State() State {
	return State{Status: a.Status, ExpiresAt: a.ExpiresAt}
}

// State is the input to the pure transition function.
type State struct {
	Status    Status
	ExpiresAt *time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
