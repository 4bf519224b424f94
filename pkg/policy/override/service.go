package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/aegis/pkg/clock"
)

// Metrics receives override observations. *metrics.Collector satisfies it.
type Metrics interface {
	ObserveOverrideCheck(status string)
	ObserveOverrideActivation(result string)
}

// Service performs override checks, activations and ends against a Store.
// Every state change of one policy happens under that policy's lock, so the
// allowed, role and daily-count checks are atomic with activation.
type Service struct {
	store   Store
	locker  Locker
	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics
}

// Option customizes a Service.
type Option func(*Service)

// WithLocker sets the per-policy locker. Default: a LocalLocker.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithClock sets the clock used for expiry and record timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("override store cannot be nil")
	}
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	s.clock = clock.OrDefault(s.clock)
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "policy.override")
	return s, nil
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// PutConfig writes a policy's override configuration under the policy's
// lock, so it never interleaves with an activation or end.
func (s *Service) PutConfig(ctx context.Context, cfg Config) error {
	unlock, err := s.locker.Lock(ctx, lockKey(cfg.TenantID, cfg.PolicyID))
	if err != nil {
		return fmt.Errorf("lock policy %s: %w", cfg.PolicyID, err)
	}
	defer unlock()
	return s.store.PutConfig(ctx, cfg)
}

// ListAuthorities returns the tenant's override authorities.
func (s *Service) ListAuthorities(ctx context.Context, tenantID string) ([]*Authority, error) {
	return s.store.ListAuthorities(ctx, tenantID)
}

func lockKey(tenantID, policyID string) string {
	return tenantID + "/" + policyID
}

// Check returns the override status of a policy. An override found expired
// is ended in the audit trail before Check returns. On a storage error the
// result never skips enforcement.
func (s *Service) Check(ctx context.Context, tenantID, policyID string) (CheckResult, error) {
	a, err := s.store.GetAuthority(ctx, tenantID, policyID)
	if errors.Is(err, ErrNotFound) {
		a, err = nil, nil
	}
	if err != nil {
		s.observeCheck(StatusNoOverride)
		return CheckResult{Status: StatusNoOverride}, err
	}

	res := Check(a, s.clock.Now())
	if res.Status == StatusExpired && a.CurrentlyOverridden {
		if _, err := s.expire(ctx, tenantID, policyID); err != nil {
			s.logger.Warn("failed to end expired override",
				"tenant_id", tenantID,
				"policy_id", policyID,
				"error", err,
			)
		}
	}
	s.observeCheck(res.Status)
	return res, nil
}

// Bypassed checks every policy and returns the results of those whose
// enforcement is currently skipped. Failed checks are logged and treated
// as not bypassed.
func (s *Service) Bypassed(ctx context.Context, tenantID string, policyIDs []string) map[string]CheckResult {
	out := make(map[string]CheckResult)
	for _, id := range policyIDs {
		res, err := s.Check(ctx, tenantID, id)
		if err != nil {
			s.logger.Error("override check failed, enforcing policy",
				"tenant_id", tenantID,
				"policy_id", id,
				"error", err,
			)
			continue
		}
		if res.SkipEnforcement {
			out[id] = res
		}
	}
	return out
}

// ActivateRequest asks for an override of one policy.
type ActivateRequest struct {
	TenantID string
	PolicyID string
	By       string
	Role     string
	Reason   string
	Duration time.Duration
}

// Activate starts an override and appends its record. Refusals are
// returned as *ActivationError.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*Record, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(req.TenantID, req.PolicyID))
	if err != nil {
		return nil, fmt.Errorf("lock policy %s: %w", req.PolicyID, err)
	}
	defer unlock()

	reject := func(r Rejection, detail string) (*Record, error) {
		s.observeActivation(string(r))
		s.logger.Warn("override activation rejected",
			"tenant_id", req.TenantID,
			"policy_id", req.PolicyID,
			"by", req.By,
			"role", req.Role,
			"rejection", r,
		)
		return nil, &ActivationError{PolicyID: req.PolicyID, TenantID: req.TenantID, Rejection: r, Detail: detail}
	}

	a, err := s.store.GetAuthority(ctx, req.TenantID, req.PolicyID)
	if errors.Is(err, ErrNotFound) {
		return reject(RejectNotAllowed, "no override authority configured")
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	switch res := Check(a, now); {
	case !a.OverrideAllowed:
		return reject(RejectNotAllowed, "")
	case !a.RoleAllowed(req.Role):
		return reject(RejectRole, req.Role)
	case a.RequiresReason && req.Reason == "":
		return reject(RejectReasonRequired, "")
	case req.Duration <= 0:
		return reject(RejectInvalidDuration, req.Duration.String())
	case req.Duration > a.MaxDuration:
		return reject(RejectDuration, fmt.Sprintf("%s > %s", req.Duration, a.MaxDuration))
	case res.Status == StatusActive:
		return reject(RejectAlreadyActive, a.ActiveRecordID)
	case res.Status == StatusExpired:
		if err := s.endLocked(ctx, a, End{At: expiredAt(a, now)}); err != nil {
			return nil, err
		}
	}

	a.rollDay(now)
	if a.MaxOverridesPerDay > 0 && a.OverridesToday+1 > a.MaxOverridesPerDay {
		return reject(RejectDailyLimit, fmt.Sprintf("%d per day", a.MaxOverridesPerDay))
	}

	expires := now.Add(req.Duration)
	rec := &Record{
		RecordID:   uuid.NewString(),
		PolicyID:   req.PolicyID,
		TenantID:   req.TenantID,
		OverrideBy: req.By,
		Role:       req.Role,
		Reason:     req.Reason,
		StartedAt:  now,
		ExpiresAt:  expires,
	}
	a.CurrentlyOverridden = true
	a.StartedAt = &now
	a.ExpiresAt = &expires
	a.By = req.By
	a.Reason = req.Reason
	a.ActiveRecordID = rec.RecordID
	a.OverridesToday++

	if err := s.store.CommitActivation(ctx, a, rec); err != nil {
		return nil, err
	}
	s.observeActivation("activated")
	s.logger.Info("override activated",
		"tenant_id", req.TenantID,
		"policy_id", req.PolicyID,
		"record_id", rec.RecordID,
		"by", req.By,
		"expires_at", expires,
	)
	return rec, nil
}

// End manually ends the active override of a policy and returns the closed
// record.
func (s *Service) End(ctx context.Context, tenantID, policyID, by string) (*Record, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(tenantID, policyID))
	if err != nil {
		return nil, fmt.Errorf("lock policy %s: %w", policyID, err)
	}
	defer unlock()

	a, err := s.store.GetAuthority(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}
	if !a.CurrentlyOverridden {
		return nil, ErrNotActive
	}

	now := s.clock.Now()
	end := End{At: now, Manual: true, By: by}
	if Check(a, now).Status == StatusExpired {
		// Already past its window: the record reflects the expiry.
		end = End{At: expiredAt(a, now)}
	}
	recordID := a.ActiveRecordID
	if err := s.endLocked(ctx, a, end); err != nil {
		return nil, err
	}
	if recordID == "" {
		return nil, nil
	}
	return s.store.GetRecord(ctx, recordID)
}

// SweepExpired ends every override whose window has passed and returns how
// many were ended.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	overridden, err := s.store.ListOverridden(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	n := 0
	var errs []error
	for _, a := range overridden {
		if Check(a, now).Status != StatusExpired {
			continue
		}
		ended, err := s.expire(ctx, a.TenantID, a.PolicyID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ended {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// ResetDailyCounters starts a new counting day for every authority.
func (s *Service) ResetDailyCounters(ctx context.Context) (int, error) {
	return s.store.ResetDailyCounters(ctx, s.clock.Now().UTC().Format(counterDayLayout))
}

// expire ends the policy's override if it is still overridden and expired.
func (s *Service) expire(ctx context.Context, tenantID, policyID string) (bool, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(tenantID, policyID))
	if err != nil {
		return false, fmt.Errorf("lock policy %s: %w", policyID, err)
	}
	defer unlock()

	a, err := s.store.GetAuthority(ctx, tenantID, policyID)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	if !a.CurrentlyOverridden || Check(a, now).Status != StatusExpired {
		return false, nil
	}
	if err := s.endLocked(ctx, a, End{At: expiredAt(a, now)}); err != nil {
		return false, err
	}
	return true, nil
}

// endLocked clears a's override state and closes its record. The caller
// holds the policy lock.
func (s *Service) endLocked(ctx context.Context, a *Authority, end End) error {
	recordID := a.ActiveRecordID
	a.clearState()
	if err := s.store.CommitEnd(ctx, a, recordID, end); err != nil {
		return err
	}
	s.logger.Info("override ended",
		"tenant_id", a.TenantID,
		"policy_id", a.PolicyID,
		"record_id", recordID,
		"manual", end.Manual,
		"ended_by", end.By,
	)
	return nil
}

// expiredAt is when an expired override ended: its expiry, or now when the
// expiry was never set.
func expiredAt(a *Authority, now time.Time) time.Time {
	if a.ExpiresAt != nil {
		return *a.ExpiresAt
	}
	return now
}

func (s *Service) observeCheck(st Status) {
	if s.metrics != nil {
		s.metrics.ObserveOverrideCheck(string(st))
	}
}

func (s *Service) observeActivation(result string) {
	if s.metrics != nil {
		s.metrics.ObserveOverrideActivation(result)
	}
}
