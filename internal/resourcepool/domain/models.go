// Package domain contains the resource pool ledger model.
package domain

import (
	"sort"
	"time"

	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
)

type Kind string

const (
	KindCompute  Kind = "compute"
	KindStorage  Kind = "storage"
	KindNetwork  Kind = "network"
	KindDatabase Kind = "database"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCompute, KindStorage, KindNetwork, KindDatabase:
		return true
	}
	return false
}

// TenantAllocation is one tenant's share of a pool.
type TenantAllocation struct {
	Allocated int64             `json:"allocated"`
	Usage     int64             `json:"usage"`
	Tier      tenantdomain.Tier `json:"tier"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Pool is a named bucket of one resource kind shared across tenants.
// Invariant: Reserved + AllocatedSum() <= Total, 0 <= Usage <= Allocated.
type Pool struct {
	ID          string                      `json:"id"`
	Name        string                      `json:"name"`
	Kind        Kind                        `json:"kind"`
	Region      string                      `json:"region"`
	Total       int64                       `json:"total"`
	Reserved    int64                       `json:"reserved"`
	Allocations map[string]TenantAllocation `json:"allocations"`
	Version     uint64                      `json:"version"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

func (Pool) EntityType() string { return "resource_pool" }
func (p Pool) EntityID() string { return p.ID }

func (p Pool) EntityTenants() []string {
	return p.TenantIDs()
}

func (p Pool) TenantIDs() []string {
	out := make([]string, 0, len(p.Allocations))
	for id := range p.Allocations {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p Pool) AllocatedSum() int64 {
	var sum int64
	for _, a := range p.Allocations {
		sum += a.Allocated
	}
	return sum
}

func (p Pool) UsageSum() int64 {
	var sum int64
	for _, a := range p.Allocations {
		sum += a.Usage
	}
	return sum
}

func (p Pool) Available() int64 {
	return p.Total - p.AllocatedSum() - p.Reserved
}

// Utilization is allocated/total as a percentage; 0 for an empty pool.
func (p Pool) Utilization() float64 {
	return percent(p.AllocatedSum(), p.Total)
}

// TenantEfficiency is usage/allocated as a percentage; 0 when nothing is allocated.
func (p Pool) TenantEfficiency(tenantID string) float64 {
	a := p.Allocations[tenantID]
	return percent(a.Usage, a.Allocated)
}

// Holds reports whether the pool invariant is satisfied.
func (p Pool) Holds() bool {
	if p.Total < 0 || p.Reserved < 0 || p.Reserved+p.AllocatedSum() > p.Total {
		return false
	}
	for _, a := range p.Allocations {
		if a.Usage < 0 || a.Usage > a.Allocated {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (p Pool) Clone() Pool {
	out := p
	out.Allocations = make(map[string]TenantAllocation, len(p.Allocations))
	for k, v := range p.Allocations {
		out.Allocations[k] = v
	}
	return out
}

// ForTenant hides every other tenant's entry.
func (p Pool) ForTenant(tenantID string) Pool {
	out := p
	out.Allocations = map[string]TenantAllocation{}
	if a, ok := p.Allocations[tenantID]; ok {
		out.Allocations[tenantID] = a
	}
	return out
}

// Allocation is the result of a ledger command for one tenant entry.
type Allocation struct {
	PoolID      string `json:"pool_id"`
	TenantID    string `json:"tenant_id"`
	Allocated   int64  `json:"allocated"`
	Usage       int64  `json:"usage"`
	Available   int64  `json:"pool_available"`
	PoolVersion uint64 `json:"pool_version"`
}

func percent(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
