package coupon

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

const DefaultPageSize = 10

// Service works on coupons that have already been issued. Every operation
// takes the caller's user id and treats a coupon owned by someone else
// like a coupon that does not exist.
type Service struct {
	store    generic.CouponStore
	policies *PolicyService
	views    views
	clock    generic.Clock
	log      logrus.FieldLogger
}

func NewService(store generic.CouponStore, policies *PolicyService, state generic.StateCache, clock generic.Clock, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		store:    store,
		policies: policies,
		views:    views{state: state, log: log},
		clock:    clock,
		log:      log,
	}
}

// Get returns the coupon view, from the state cache when present.
func (s *Service) Get(ctx context.Context, userID generic.UserID, id generic.CouponID) (*generic.CouponView, error) {
	if s.views.state != nil {
		var v generic.CouponView
		ok, err := s.views.state.Get(ctx, stateKey(id), &v)
		if err != nil {
			s.log.WithField("coupon_id", id).WithError(err).Debug("coupon cache read failed")
		}
		if ok && err == nil {
			if v.UserID != userID {
				return nil, notFound(id)
			}
			return &v, nil
		}
	}

	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	p, err := s.policies.Get(ctx, c.PolicyID)
	if err != nil {
		return nil, err
	}
	v := s.views.put(ctx, *c, *p)
	return &v, nil
}

// List returns one page of the user's coupons, newest first.
// status may be empty; page starts at 0.
func (s *Service) List(ctx context.Context, userID generic.UserID, status generic.CouponStatus, page, size int) ([]generic.Coupon, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	page = max(page, 0)
	return s.store.ListCoupons(ctx, generic.CouponFilter{
		UserID: userID,
		Status: status,
		Limit:  size,
		Offset: page * size,
	})
}

// Use redeems an issued coupon against an order.
func (s *Service) Use(ctx context.Context, userID generic.UserID, id generic.CouponID, orderID string) (*generic.CouponView, error) {
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	p, err := s.policies.Get(ctx, c.PolicyID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if p.EndedAt(now) {
		return nil, fmt.Errorf("%w: policy %s ended", generic.ErrOutOfWindow, p.ID)
	}

	used, err := c.Use(orderID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.TransitionCoupon(ctx, used, generic.CouponIssued); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"coupon_id": id, "user_id": userID, "order_id": orderID}).Info("coupon used")
	v := s.views.put(ctx, used, *p)
	return &v, nil
}

// Cancel reverses the redemption of a used coupon. The slot is not returned
// to the policy.
func (s *Service) Cancel(ctx context.Context, userID generic.UserID, id generic.CouponID) (*generic.CouponView, error) {
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	cancelled, err := c.Cancel(s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.TransitionCoupon(ctx, cancelled, generic.CouponUsed); err != nil {
		return nil, err
	}
	p, err := s.policies.Get(ctx, c.PolicyID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"coupon_id": id, "user_id": userID}).Info("coupon cancelled")
	v := s.views.put(ctx, cancelled, *p)
	return &v, nil
}

// Quote computes the discount the coupon gives on an order of orderAmount.
func (s *Service) Quote(ctx context.Context, userID generic.UserID, id generic.CouponID, orderAmount int64) (int64, error) {
	v, err := s.Get(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if v.Status != generic.CouponIssued {
		return 0, fmt.Errorf("%w: coupon is %s", generic.ErrInvalidTransition, v.Status)
	}
	return v.Policy.Discount(orderAmount)
}

func (s *Service) owned(ctx context.Context, userID generic.UserID, id generic.CouponID) (*generic.Coupon, error) {
	c, err := s.store.GetCoupon(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.UserID != userID {
		return nil, notFound(id)
	}
	return c, nil
}

func notFound(id generic.CouponID) error {
	return fmt.Errorf("%w: coupon %s", generic.ErrNotFoundOrUnauthorized, id)
}
