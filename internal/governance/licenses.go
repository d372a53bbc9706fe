package governance

import (
	"context"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
)

// licenseScoped loads the license behind id and authorizes action against its owning tenant.
func (s *Service) licenseScoped(ctx context.Context, actor Actor, action, id string) (*licensedomain.Record, error) {
	rec, err := s.licenses.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, action, rec.TenantID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) CreateLicense(ctx context.Context, actor Actor, req licensedomain.CreateLicenseRequest) (_ *licensedomain.Record, err error) {
	ctx, span := s.start(ctx, "CreateLicense", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionLicenseCreate, req.TenantID); err != nil {
		return nil, err
	}
	return s.licenses.CreateLicense(ctx, req)
}

func (s *Service) GetLicense(ctx context.Context, actor Actor, id string) (_ *licensedomain.Record, err error) {
	ctx, span := s.start(ctx, "GetLicense", actor)
	defer func() { finish(span, err) }()
	return s.licenseScoped(ctx, actor, acdomain.ActionLicenseRead, id)
}

func (s *Service) ListLicenses(ctx context.Context, actor Actor, tenantID string) (_ []licensedomain.Record, err error) {
	ctx, span := s.start(ctx, "ListLicenses", actor)
	defer func() { finish(span, err) }()
	tenantID, _, err = s.scope(ctx, actor, acdomain.ActionLicenseRead, tenantID)
	if err != nil {
		return nil, err
	}
	return s.licenses.ListLicenses(ctx, tenantID)
}

func (s *Service) SuspendLicense(ctx context.Context, actor Actor, id string) (_ *licensedomain.Record, err error) {
	ctx, span := s.start(ctx, "SuspendLicense", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseSuspend, id); err != nil {
		return nil, err
	}
	return s.licenses.Suspend(ctx, id)
}

func (s *Service) ResumeLicense(ctx context.Context, actor Actor, id string) (_ *licensedomain.Record, err error) {
	ctx, span := s.start(ctx, "ResumeLicense", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseResume, id); err != nil {
		return nil, err
	}
	return s.licenses.Resume(ctx, id)
}

func (s *Service) RenewLicense(ctx context.Context, actor Actor, req licensedomain.RenewRequest) (_ *licensedomain.Record, err error) {
	ctx, span := s.start(ctx, "RenewLicense", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseRenew, req.LicenseID); err != nil {
		return nil, err
	}
	return s.licenses.Renew(ctx, req)
}

func (s *Service) UpdateCompliance(ctx context.Context, actor Actor, id string, compliance licensedomain.Compliance) (_ *licensedomain.Record, err error) {
	ctx, span := s.start(ctx, "UpdateCompliance", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseCompliance, id); err != nil {
		return nil, err
	}
	return s.licenses.UpdateCompliance(ctx, id, compliance)
}

func (s *Service) GrantSeat(ctx context.Context, actor Actor, req licensedomain.GrantSeatRequest) (_ *licensedomain.Allocation, err error) {
	ctx, span := s.start(ctx, "GrantSeat", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseGrant, req.LicenseID); err != nil {
		return nil, err
	}
	return s.licenses.GrantSeat(ctx, req)
}

func (s *Service) RevokeSeat(ctx context.Context, actor Actor, licenseID, userID string) (_ *licensedomain.Allocation, err error) {
	ctx, span := s.start(ctx, "RevokeSeat", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseRevoke, licenseID); err != nil {
		return nil, err
	}
	return s.licenses.RevokeSeat(ctx, licenseID, userID)
}

func (s *Service) RecordSeatUsage(ctx context.Context, actor Actor, req licensedomain.RecordUsageRequest) (_ *licensedomain.Allocation, err error) {
	ctx, span := s.start(ctx, "RecordSeatUsage", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseRecordUsage, req.LicenseID); err != nil {
		return nil, err
	}
	return s.licenses.RecordUsage(ctx, req)
}

func (s *Service) ListSeats(ctx context.Context, actor Actor, licenseID string) (_ []licensedomain.Allocation, err error) {
	ctx, span := s.start(ctx, "ListSeats", actor)
	defer func() { finish(span, err) }()
	if _, err := s.licenseScoped(ctx, actor, acdomain.ActionLicenseRead, licenseID); err != nil {
		return nil, err
	}
	return s.licenses.ListAllocations(ctx, licenseID)
}

func (s *Service) TotalAnnualCost(ctx context.Context, actor Actor, tenantID string) (_ map[string]int64, err error) {
	ctx, span := s.start(ctx, "TotalAnnualCost", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionLicenseCostRead, tenantID); err != nil {
		return nil, err
	}
	return s.licenses.TotalAnnualCost(ctx, tenantID)
}
