package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/smallbiznis/capacity/internal/config"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
)

func ExpirationSeverity(days int, w config.ExpirationWindows) (Severity, bool) {
	switch {
	case days <= w.Critical:
		return SeverityCritical, true
	case days <= w.High:
		return SeverityHigh, true
	case days <= w.Medium:
		return SeverityMedium, true
	}
	return "", false
}

func UtilizationSeverity(pct float64, b config.SeverityBands) (Severity, bool) {
	switch {
	case pct >= b.Critical:
		return SeverityCritical, true
	case pct >= b.High:
		return SeverityHigh, true
	case pct >= b.Medium:
		return SeverityMedium, true
	}
	return "", false
}

// ComplianceSeverity: an overdue audit is high, one due within noticeDays is medium.
func ComplianceSeverity(due *time.Time, now time.Time, noticeDays int) (Severity, bool) {
	if due == nil {
		return "", false
	}
	if now.After(*due) {
		return SeverityHigh, true
	}
	if due.Sub(now) <= time.Duration(noticeDays)*24*time.Hour {
		return SeverityMedium, true
	}
	return "", false
}

func LicenseFindings(rec licensedomain.Record, now time.Time, t config.Thresholds) []Finding {
	days := rec.DaysUntilExpiration(now)
	expiration := Finding{
		Rule:       RuleLicenseExpiration,
		SourceType: SourceLicense,
		SourceID:   rec.ID,
		TenantID:   rec.TenantID,
		Value:      float64(days),
	}
	if sev, ok := ExpirationSeverity(days, t.Expiration); ok {
		expiration.Holds = true
		expiration.Severity = sev
		if days <= 0 {
			expiration.Message = fmt.Sprintf("license %s expired %s", rec.Name, rec.ExpiresAt.Format(time.DateOnly))
		} else {
			expiration.Message = fmt.Sprintf("license %s expires in %d days", rec.Name, days)
		}
	}

	rate := rec.UtilizationRate
	utilization := Finding{
		Rule:       RuleLicenseUtilization,
		SourceType: SourceLicense,
		SourceID:   rec.ID,
		TenantID:   rec.TenantID,
		Value:      rate,
	}
	if sev, ok := UtilizationSeverity(rate, t.Utilization); ok && rec.TotalSeats > 0 {
		utilization.Holds = true
		utilization.Severity = sev
		utilization.Message = fmt.Sprintf("license %s uses %d of %d seats", rec.Name, rec.UsedSeats, rec.TotalSeats)
	}

	compliance := Finding{
		Rule:       RuleLicenseCompliance,
		SourceType: SourceLicense,
		SourceID:   rec.ID,
		TenantID:   rec.TenantID,
	}
	if due := rec.Compliance.NextAuditDue; due != nil {
		compliance.Value = math.Ceil(due.Sub(now).Hours() / 24)
		if sev, ok := ComplianceSeverity(due, now, t.ComplianceNoticeDays); ok {
			compliance.Holds = true
			compliance.Severity = sev
			compliance.Message = fmt.Sprintf("license %s audit due %s", rec.Name, due.Format(time.DateOnly))
		}
	}
	return []Finding{expiration, utilization, compliance}
}

func PoolFindings(pool pooldomain.Pool, t config.Thresholds) []Finding {
	pct := pool.Utilization()
	f := Finding{
		Rule:       RulePoolUtilization,
		SourceType: SourcePool,
		SourceID:   pool.ID,
		Value:      pct,
	}
	if sev, ok := UtilizationSeverity(pct, t.Utilization); ok && pool.Total > 0 {
		f.Holds = true
		f.Severity = sev
		f.Message = fmt.Sprintf("pool %s is %.1f%% allocated (%d of %d)", pool.Name, pct, pool.AllocatedSum(), pool.Total)
	}
	return []Finding{f}
}

// ScalingFinding maps notify actions and failed actions to alerts; other events produce none.
func ScalingFinding(ev scalingdomain.Event, policy scalingdomain.Policy) (Finding, bool) {
	source := scalingdomain.StateID(policy.ID, ev.PoolID)
	switch {
	case ev.Outcome == scalingdomain.OutcomeFailed:
		return Finding{
			Rule:       RuleScalingFailure,
			Severity:   SeverityHigh,
			SourceType: SourcePolicy,
			SourceID:   source,
			TenantID:   policy.TenantID,
			Message:    fmt.Sprintf("policy %s could not %s pool %s: %s", policy.Name, ev.Action, ev.PoolID, ev.Reason),
			Value:      ev.MetricValue,
			Holds:      true,
		}, true
	case ev.Action == scalingdomain.ActionNotify:
		return Finding{
			Rule:       RuleScalingNotify,
			Severity:   SeverityMedium,
			SourceType: SourcePolicy,
			SourceID:   source,
			TenantID:   policy.TenantID,
			Message:    fmt.Sprintf("policy %s fired on pool %s at %s %.1f", policy.Name, ev.PoolID, ev.Metric, ev.MetricValue),
			Value:      ev.MetricValue,
			Holds:      true,
		}, true
	}
	return Finding{}, false
}
