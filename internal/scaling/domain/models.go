package domain

import (
	"time"

	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
)

type Metric string

const (
	// MetricUtilization is allocated/total as a percentage.
	MetricUtilization Metric = "utilization"
	// MetricUsage is usage/allocated as a percentage.
	MetricUsage Metric = "usage"
	// MetricAvailable is available/total as a percentage.
	MetricAvailable Metric = "available"
)

func (m Metric) Valid() bool {
	switch m {
	case MetricUtilization, MetricUsage, MetricAvailable:
		return true
	}
	return false
}

// Value computes the metric over the whole pool, or over one tenant entry when tenantID is set.
func (m Metric) Value(p pooldomain.Pool, tenantID string) float64 {
	switch m {
	case MetricUtilization:
		if tenantID != "" {
			return percent(p.Allocations[tenantID].Allocated, p.Total)
		}
		return p.Utilization()
	case MetricUsage:
		if tenantID != "" {
			return p.TenantEfficiency(tenantID)
		}
		return percent(p.UsageSum(), p.AllocatedSum())
	case MetricAvailable:
		return percent(p.Available(), p.Total)
	}
	return 0
}

type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
)

func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual:
		return true
	}
	return false
}

func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

type Trigger struct {
	Metric           Metric   `json:"metric"`
	Threshold        float64  `json:"threshold"`
	Operator         Operator `json:"operator"`
	SustainedSeconds int64    `json:"sustained_seconds"`
}

func (t Trigger) Sustained() time.Duration {
	return time.Duration(t.SustainedSeconds) * time.Second
}

type ActionKind string

const (
	ActionScaleUp   ActionKind = "scale_up"
	ActionScaleDown ActionKind = "scale_down"
	ActionNotify    ActionKind = "notify"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionScaleUp, ActionScaleDown, ActionNotify:
		return true
	}
	return false
}

// Action bounds: MaxLimit caps scale_up when positive; MinLimit floors scale_down.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Amount   int64      `json:"amount"`
	MinLimit int64      `json:"min_limit"`
	MaxLimit int64      `json:"max_limit"`
}

// Policy applies to every pool of ResourceKind, or only PoolID when set.
type Policy struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ResourceKind    pooldomain.Kind `json:"resource_kind"`
	PoolID          string          `json:"pool_id,omitempty"`
	TenantID        string          `json:"tenant_id,omitempty"`
	Triggers        []Trigger       `json:"triggers"`
	Actions         []Action        `json:"actions"`
	Enabled         bool            `json:"enabled"`
	CooldownSeconds int64           `json:"cooldown_seconds"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Policy) EntityType() string { return "scaling_policy" }
func (p Policy) EntityID() string { return p.ID }
func (p Policy) EntityTenants() []string {
	if p.TenantID == "" {
		return nil
	}
	return []string{p.TenantID}
}

func (p Policy) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

func (p Policy) AppliesTo(pool pooldomain.Pool) bool {
	if pool.Kind != p.ResourceKind {
		return false
	}
	return p.PoolID == "" || p.PoolID == pool.ID
}

func (p Policy) Clone() Policy {
	out := p
	out.Triggers = append([]Trigger(nil), p.Triggers...)
	out.Actions = append([]Action(nil), p.Actions...)
	return out
}

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseArming   Phase = "arming"
	PhaseFiring   Phase = "firing"
	PhaseCooldown Phase = "cooldown"
)

// State is the resumable evaluation state of one policy against one pool.
// TriggerSince[i] is when trigger i last became true, nil while it is false.
type State struct {
	ID            string       `json:"id"`
	PolicyID      string       `json:"policy_id"`
	PoolID        string       `json:"pool_id"`
	TenantID      string       `json:"tenant_id,omitempty"`
	Phase         Phase        `json:"phase"`
	TriggerSince  []*time.Time `json:"trigger_since"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`
	LastFiredAt   *time.Time   `json:"last_fired_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func StateID(policyID, poolID string) string {
	return policyID + ":" + poolID
}

func NewState(p Policy, poolID string) State {
	return State{
		ID:           StateID(p.ID, poolID),
		PolicyID:     p.ID,
		PoolID:       poolID,
		TenantID:     p.TenantID,
		Phase:        PhaseIdle,
		TriggerSince: make([]*time.Time, len(p.Triggers)),
	}
}

func (State) EntityType() string { return "scaling_state" }
func (s State) EntityID() string { return s.ID }
func (s State) EntityTenants() []string {
	if s.TenantID == "" {
		return nil
	}
	return []string{s.TenantID}
}

func (s State) Clone() State {
	out := s
	out.TriggerSince = make([]*time.Time, len(s.TriggerSince))
	for i, t := range s.TriggerSince {
		if t != nil {
			v := *t
			out.TriggerSince[i] = &v
		}
	}
	return out
}

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeFailed     Outcome = "failed"
)

// Event is an immutable record of one action taken when a policy fired.
type Event struct {
	ID             string     `json:"id"`
	Sequence       uint64     `json:"sequence"`
	PolicyID       string     `json:"policy_id"`
	PoolID         string     `json:"pool_id"`
	TenantID       string     `json:"tenant_id,omitempty"`
	Action         ActionKind `json:"action"`
	Metric         Metric     `json:"metric"`
	MetricValue    float64    `json:"metric_value"`
	CapacityBefore int64      `json:"capacity_before"`
	CapacityAfter  int64      `json:"capacity_after"`
	Outcome        Outcome    `json:"outcome"`
	Reason         string     `json:"reason,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

func (Event) EntityType() string { return "scaling_event" }
func (e Event) EntityID() string { return e.ID }
func (e Event) EntityTenants() []string {
	if e.TenantID == "" {
		return nil
	}
	return []string{e.TenantID}
}

func percent(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
