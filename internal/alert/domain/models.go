package domain

import "time"

type Kind string

const (
	KindExpiration  Kind = "expiration"
	KindUtilization Kind = "utilization"
	KindCompliance  Kind = "compliance"
	KindViolation   Kind = "violation"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Worse reports whether s is strictly more severe than other.
func (s Severity) Worse(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

type SourceType string

const (
	SourceLicense SourceType = "license"
	SourcePool    SourceType = "pool"
	SourcePolicy  SourceType = "policy"
)

// Rule names one independent alert condition. At most one open alert exists per rule and source.
type Rule string

const (
	RuleLicenseExpiration  Rule = "license.expiration"
	RuleLicenseUtilization Rule = "license.utilization"
	RuleLicenseCompliance  Rule = "license.compliance"
	RulePoolUtilization    Rule = "pool.utilization"
	RuleScalingNotify      Rule = "scaling.notify"
	RuleScalingFailure     Rule = "scaling.failure"
)

var ruleKinds = map[Rule]Kind{
	RuleLicenseExpiration:  KindExpiration,
	RuleLicenseUtilization: KindUtilization,
	RuleLicenseCompliance:  KindCompliance,
	RulePoolUtilization:    KindUtilization,
	RuleScalingNotify:      KindUtilization,
	RuleScalingFailure:     KindViolation,
}

func (r Rule) Kind() Kind {
	return ruleKinds[r]
}

type Alert struct {
	ID             string     `json:"id"`
	Rule           Rule       `json:"rule"`
	Kind           Kind       `json:"kind"`
	Severity       Severity   `json:"severity"`
	SourceType     SourceType `json:"source_type"`
	SourceID       string     `json:"source_id"`
	TenantID       string     `json:"tenant_id,omitempty"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Occurrences    int        `json:"occurrences"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	// ConditionCleared is set once the condition stops holding; the alert stays until acknowledged.
	ConditionCleared bool `json:"condition_cleared"`
}

func (Alert) EntityType() string { return "alert" }
func (a Alert) EntityID() string { return a.ID }
func (a Alert) EntityTenants() []string {
	if a.TenantID == "" {
		return nil
	}
	return []string{a.TenantID}
}

func (a Alert) Key() string {
	return RuleKey(a.Rule, a.SourceID)
}

func RuleKey(rule Rule, sourceID string) string {
	return string(rule) + "|" + sourceID
}

// Finding is one rule outcome for one source on an evaluation pass.
// Holds false means the condition is not present.
type Finding struct {
	Rule       Rule
	Severity   Severity
	SourceType SourceType
	SourceID   string
	TenantID   string
	Message    string
	Value      float64
	Holds      bool
}
