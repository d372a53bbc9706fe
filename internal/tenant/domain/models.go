// Package domain contains the tenant registry model.
package domain

import (
	"time"
)

type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Limits are hard per-tenant ceilings. Zero means unlimited.
type Limits struct {
	MaxUsers              int64 `json:"max_users"`
	MaxStorage            int64 `json:"max_storage"`
	MaxAPIRequests        int64 `json:"max_api_requests"`
	MaxConcurrentSessions int64 `json:"max_concurrent_sessions"`
}

// Tenant is a provisioned customer of the shared infrastructure.
type Tenant struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Slug          string     `json:"slug"`
	Tier          Tier       `json:"tier"`
	Status        Status     `json:"status"`
	Limits        Limits     `json:"limits"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (Tenant) EntityType() string        { return "tenant" }
func (t Tenant) EntityID() string        { return t.ID }
func (t Tenant) EntityTenants() []string { return []string{t.ID} }

func (t Tenant) Active() bool { return t.Status == StatusActive }

// Consumption is what a tenant currently holds against its limits.
type Consumption struct {
	Users              int64 `json:"users"`
	Storage            int64 `json:"storage"`
	APIRequests        int64 `json:"api_requests"`
	ConcurrentSessions int64 `json:"concurrent_sessions"`
}

func (c Consumption) Add(o Consumption) Consumption {
	return Consumption{
		Users:              c.Users + o.Users,
		Storage:            c.Storage + o.Storage,
		APIRequests:        c.APIRequests + o.APIRequests,
		ConcurrentSessions: c.ConcurrentSessions + o.ConcurrentSessions,
	}
}

// Violation names the first limit that the consumption exceeds, or "".
func (l Limits) Violation(c Consumption) string {
	switch {
	case exceeds(l.MaxUsers, c.Users):
		return "max_users"
	case exceeds(l.MaxStorage, c.Storage):
		return "max_storage"
	case exceeds(l.MaxAPIRequests, c.APIRequests):
		return "max_api_requests"
	case exceeds(l.MaxConcurrentSessions, c.ConcurrentSessions):
		return "max_concurrent_sessions"
	}
	return ""
}

func exceeds(limit, value int64) bool {
	return limit > 0 && value > limit
}

func (l Limits) Valid() bool {
	return l.MaxUsers >= 0 && l.MaxStorage >= 0 && l.MaxAPIRequests >= 0 && l.MaxConcurrentSessions >= 0
}
