package domain

import (
	"math"
	"sort"
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeConcurrent Type = "concurrent"
	TypeNamed      Type = "named"
	TypeFloating   Type = "floating"
	TypeEnterprise Type = "enterprise"
	TypeAcademic   Type = "academic"
)

func (t Type) Valid() bool {
	switch t {
	case TypeConcurrent, TypeNamed, TypeFloating, TypeEnterprise, TypeAcademic:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusPending   Status = "pending"
	StatusTrial     Status = "trial"
)

// Grantable reports whether seats may be handed out in this status.
func (s Status) Grantable() bool {
	return s == StatusActive || s == StatusTrial
}

type BillingPeriod string

const (
	PeriodMonthly    BillingPeriod = "monthly"
	PeriodQuarterly  BillingPeriod = "quarterly"
	PeriodSemiAnnual BillingPeriod = "semi_annual"
	PeriodAnnual     BillingPeriod = "annual"
)

var annualMultiplier = map[BillingPeriod]int64{
	PeriodMonthly:    12,
	PeriodQuarterly:  4,
	PeriodSemiAnnual: 2,
	PeriodAnnual:     1,
}

// AnnualMultiplier returns how many periods fit in a year.
func (p BillingPeriod) AnnualMultiplier() (int64, bool) {
	m, ok := annualMultiplier[p]
	return m, ok
}

// Cost is expressed in minor currency units per billing period.
type Cost struct {
	Amount   int64         `json:"amount"`
	Currency string        `json:"currency"`
	Period   BillingPeriod `json:"period"`
}

func (c Cost) Annual() int64 {
	m, ok := c.Period.AnnualMultiplier()
	if !ok {
		return 0
	}
	return c.Amount * m
}

type Compliance struct {
	Vendor       string            `json:"vendor,omitempty"`
	AgreementRef string            `json:"agreement_ref,omitempty"`
	LastAuditAt  *time.Time        `json:"last_audit_at,omitempty"`
	NextAuditDue *time.Time        `json:"next_audit_due,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
}

// License is the persisted record. Status is never stored; see StatusAt.
type License struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"name"`
	Type          Type       `json:"type"`
	TotalSeats    int        `json:"total_seats"`
	UsedSeats     int        `json:"used_seats"`
	Features      []string   `json:"features"`
	PurchasedAt   time.Time  `json:"purchased_at"`
	ActivatesAt   *time.Time `json:"activates_at,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	LastRenewedAt *time.Time `json:"last_renewed_at,omitempty"`
	RenewalCount  int        `json:"renewal_count"`
	Trial         bool       `json:"trial"`
	Suspended     bool       `json:"suspended"`
	Cost          Cost       `json:"cost"`
	Compliance    Compliance `json:"compliance"`
	Version       uint64     `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (License) EntityType() string { return "license" }
func (l License) EntityID() string { return l.ID }
func (l License) EntityTenants() []string {
	return []string{l.TenantID}
}

// StatusAt derives the status from the explicit flags and the date fields.
func (l License) StatusAt(now time.Time) Status {
	switch {
	case l.Suspended:
		return StatusSuspended
	case now.After(l.ExpiresAt):
		return StatusExpired
	case l.ActivatesAt != nil && now.Before(*l.ActivatesAt):
		return StatusPending
	case l.Trial:
		return StatusTrial
	}
	return StatusActive
}

// UtilizationRate is usedSeats/totalSeats as a percentage.
func (l License) UtilizationRate() float64 {
	if l.TotalSeats <= 0 {
		return 0
	}
	return float64(l.UsedSeats) / float64(l.TotalSeats) * 100
}

// DaysUntilExpiration rounds partial days up, so anything already past is <= 0.
func (l License) DaysUntilExpiration(now time.Time) int {
	return int(math.Ceil(l.ExpiresAt.Sub(now).Hours() / 24))
}

func (l License) HasFeatures(features []string) bool {
	set := make(map[string]struct{}, len(l.Features))
	for _, f := range l.Features {
		set[f] = struct{}{}
	}
	for _, f := range features {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

func (l License) Clone() License {
	out := l
	out.Features = append([]string(nil), l.Features...)
	if l.Compliance.Metadata != nil {
		out.Compliance.Metadata = make(datatypes.JSONMap, len(l.Compliance.Metadata))
		for k, v := range l.Compliance.Metadata {
			out.Compliance.Metadata[k] = v
		}
	}
	return out
}

func (l License) At(now time.Time) Record {
	return Record{
		License:         l.Clone(),
		Status:          l.StatusAt(now),
		UtilizationRate: l.UtilizationRate(),
	}
}

// Record is the read-side view with the derived fields filled in.
type Record struct {
	License
	Status          Status  `json:"status"`
	UtilizationRate float64 `json:"utilization_rate"`
}

type AllocationStatus string

const (
	AllocationAssigned AllocationStatus = "assigned"
	AllocationActive   AllocationStatus = "active"
	AllocationInactive AllocationStatus = "inactive"
	AllocationRevoked  AllocationStatus = "revoked"
)

// Allocation is one seat held by a user. Revoked seats are kept for history.
type Allocation struct {
	ID         string           `json:"id"`
	LicenseID  string           `json:"license_id"`
	TenantID   string           `json:"tenant_id"`
	UserID     string           `json:"user_id"`
	Features   []string         `json:"features"`
	UsageHours float64          `json:"usage_hours"`
	Status     AllocationStatus `json:"status"`
	GrantedAt  time.Time        `json:"granted_at"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time       `json:"revoked_at,omitempty"`
}

func (Allocation) EntityType() string { return "license_allocation" }
func (a Allocation) EntityID() string { return a.ID }
func (a Allocation) EntityTenants() []string {
	return []string{a.TenantID}
}

func (a Allocation) Live() bool {
	return a.Status != AllocationRevoked
}

// Effective overlays the license status: a live seat on an unusable license reads inactive.
func (a Allocation) Effective(license Status) Allocation {
	out := a
	out.Features = append([]string(nil), a.Features...)
	if a.Live() && (license == StatusExpired || license == StatusSuspended) {
		out.Status = AllocationInactive
	}
	return out
}

func SortAllocations(items []Allocation) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].GrantedAt.Equal(items[j].GrantedAt) {
			return items[i].GrantedAt.Before(items[j].GrantedAt)
		}
		return items[i].ID < items[j].ID
	})
}
