package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// NewPolicy is the input of PolicyService.Create.
type NewPolicy struct {
	// ID is optional; empty means a generated id.
	ID                    generic.PolicyID
	Title                 string
	Description           string
	DiscountType          generic.DiscountType
	DiscountValue         int64
	MinimumOrderAmount    int64
	MaximumDiscountAmount int64
	TotalQuantity         int64
	StartTime             time.Time
	EndTime               time.Time
}

// PolicyService owns coupon policies and the quota counter seeded from them.
type PolicyService struct {
	store   generic.PolicyStore
	counter Counter
	state   generic.StateCache
	clock   generic.Clock
	log     logrus.FieldLogger
}

// NewPolicyService builds the service. counter and state may be nil when
// only the pessimistic strategy is served.
func NewPolicyService(store generic.PolicyStore, counter Counter, state generic.StateCache, clock generic.Clock, log logrus.FieldLogger) *PolicyService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PolicyService{store: store, counter: counter, state: state, clock: clock, log: log}
}

func (s *PolicyService) Create(ctx context.Context, in NewPolicy) (*generic.CouponPolicy, error) {
	id := in.ID
	if id == "" {
		id = generic.PolicyID(generic.NewID())
	}
	p := generic.CouponPolicy{
		ID:                    id,
		Title:                 in.Title,
		Description:           in.Description,
		DiscountType:          in.DiscountType,
		DiscountValue:         in.DiscountValue,
		MinimumOrderAmount:    in.MinimumOrderAmount,
		MaximumDiscountAmount: in.MaximumDiscountAmount,
		TotalQuantity:         in.TotalQuantity,
		StartTime:             in.StartTime.UTC(),
		EndTime:               in.EndTime.UTC(),
		CreatedAt:             s.clock.Now(),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	log := s.log.WithField("policy_id", p.ID)
	if s.counter != nil {
		// A missing counter is rebuilt on first grant, so this is not fatal.
		if err := s.counter.Init(ctx, p.ID, p.TotalQuantity); err != nil {
			log.WithError(err).Warn("quota counter init failed")
		}
	}
	s.cachePolicy(ctx, p)
	log.WithField("total_quantity", p.TotalQuantity).Info("coupon policy created")
	return &p, nil
}

// Get reads the policy snapshot from the cache, falling back to the store.
func (s *PolicyService) Get(ctx context.Context, id generic.PolicyID) (*generic.CouponPolicy, error) {
	if s.state != nil {
		var p generic.CouponPolicy
		ok, err := s.state.Get(ctx, policyKey(id), &p)
		if err != nil {
			s.log.WithField("policy_id", id).WithError(err).Debug("policy cache read failed")
		}
		if ok && err == nil {
			return &p, nil
		}
	}

	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePolicy(ctx, *p)
	return p, nil
}

func (s *PolicyService) List(ctx context.Context) ([]generic.CouponPolicy, error) {
	return s.store.ListPolicies(ctx)
}

// EnsureCounter seeds the quota counter from the store when the cache lost
// it. Must be called while holding the policy lock.
func (s *PolicyService) EnsureCounter(ctx context.Context, p generic.CouponPolicy, issued int64) error {
	if s.counter == nil {
		return fmt.Errorf("no quota counter configured")
	}
	remaining := max(p.TotalQuantity-issued, 0)
	created, err := s.counter.InitIfAbsent(ctx, p.ID, remaining)
	if err != nil {
		return err
	}
	if created {
		s.log.WithFields(logrus.Fields{
			"policy_id": p.ID,
			"remaining": remaining,
		}).Warn("quota counter was missing, rebuilt from store")
	}
	return nil
}

func (s *PolicyService) cachePolicy(ctx context.Context, p generic.CouponPolicy) {
	if s.state == nil {
		return
	}
	if err := s.state.Put(ctx, policyKey(p.ID), p); err != nil {
		s.log.WithField("policy_id", p.ID).WithError(err).Warn("policy cache write failed")
	}
}
