/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON coupon policy definitions into coupon.NewPolicy values and
  seeds them at startup. Campaigns that are known ahead of time can live in
  a file next to the deployment instead of being created over the API.

JSON SCHEMA:
  [
    {
      "id": "summer-2026",
      "title": "Summer sale",
      "discount": {"type": "percentage", "value": 10, "max": 2000},
      "minimum_order": 5000,
      "quantity": 1000,
      "start": "2026-07-01T00:00:00Z",
      "end": "2026-08-01T00:00:00Z"
    }
  ]

  discount.type is "fixed" or "percentage" (upper-case API names are
  accepted too). Times are RFC 3339.

KEY FEATURES:
  - Validates JSON structure (unknown fields are rejected)
  - Requires an id so that seeding is idempotent
  - Duplicate ids in one file are an error
  - Seed creates only the policies the store does not have yet; an
    existing policy is never overwritten

USAGE:
  f := factory.NewPolicyFactory()
  policies, err := f.ParsePolicies(data)
  created, err := factory.Seed(ctx, policyService, policies, log)

SEE ALSO:
  - coupon/policy.go: PolicyService.Create
  - generic/policy.go: CouponPolicy validation
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/coupon"
	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a coupon policy.
type PolicyJSON struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Discount     DiscountJSON `json:"discount"`
	MinimumOrder int64        `json:"minimum_order,omitempty"`
	Quantity     int64        `json:"quantity"`
	Start        string       `json:"start"`
	End          string       `json:"end"`
}

// DiscountJSON represents the discount rule. Max is the cap; 0 means none.
type DiscountJSON struct {
	Type  string `json:"type"` // fixed, percentage
	Value int64  `json:"value"`
	Max   int64  `json:"max,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicies parses a JSON array of policies.
func (f *PolicyFactory) ParsePolicies(data []byte) ([]coupon.NewPolicy, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var pjs []PolicyJSON
	if err := dec.Decode(&pjs); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}

	seen := make(map[string]bool, len(pjs))
	policies := make([]coupon.NewPolicy, 0, len(pjs))
	for i, pj := range pjs {
		p, err := f.FromJSON(pj)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		if seen[pj.ID] {
			return nil, fmt.Errorf("policy %d: duplicate id %q", i, pj.ID)
		}
		seen[pj.ID] = true
		policies = append(policies, p)
	}
	return policies, nil
}

// FromJSON converts PolicyJSON to coupon.NewPolicy. Business rules (window,
// quantity, percentage range) are left to PolicyService.Create.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (coupon.NewPolicy, error) {
	if pj.ID == "" {
		return coupon.NewPolicy{}, errors.New("id is required")
	}
	discountType, err := parseDiscountType(pj.Discount.Type)
	if err != nil {
		return coupon.NewPolicy{}, err
	}
	start, err := time.Parse(time.RFC3339, pj.Start)
	if err != nil {
		return coupon.NewPolicy{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, pj.End)
	if err != nil {
		return coupon.NewPolicy{}, fmt.Errorf("invalid end: %w", err)
	}

	return coupon.NewPolicy{
		ID:                    generic.PolicyID(pj.ID),
		Title:                 pj.Title,
		Description:           pj.Description,
		DiscountType:          discountType,
		DiscountValue:         pj.Discount.Value,
		MinimumOrderAmount:    pj.MinimumOrder,
		MaximumDiscountAmount: pj.Discount.Max,
		TotalQuantity:         pj.Quantity,
		StartTime:             start,
		EndTime:               end,
	}, nil
}

// ToJSON converts a stored policy back to its file form.
func (f *PolicyFactory) ToJSON(p generic.CouponPolicy) PolicyJSON {
	kind := "fixed"
	if p.DiscountType == generic.DiscountPercentage {
		kind = "percentage"
	}
	return PolicyJSON{
		ID:          string(p.ID),
		Title:       p.Title,
		Description: p.Description,
		Discount: DiscountJSON{
			Type:  kind,
			Value: p.DiscountValue,
			Max:   p.MaximumDiscountAmount,
		},
		MinimumOrder: p.MinimumOrderAmount,
		Quantity:     p.TotalQuantity,
		Start:        p.StartTime.UTC().Format(time.RFC3339),
		End:          p.EndTime.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

// PolicyCreator is the part of coupon.PolicyService that Seed uses.
type PolicyCreator interface {
	Get(ctx context.Context, id generic.PolicyID) (*generic.CouponPolicy, error)
	Create(ctx context.Context, in coupon.NewPolicy) (*generic.CouponPolicy, error)
}

// Seed creates the policies that do not exist yet and returns how many it
// created. It stops at the first failure.
func Seed(ctx context.Context, svc PolicyCreator, policies []coupon.NewPolicy, log logrus.FieldLogger) (int, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	created := 0
	for _, in := range policies {
		entry := log.WithField("policy_id", in.ID)
		_, err := svc.Get(ctx, in.ID)
		switch {
		case err == nil:
			entry.Debug("seed policy already exists, skipped")
			continue
		case !errors.Is(err, generic.ErrPolicyNotFound):
			return created, fmt.Errorf("look up seed policy %s: %w", in.ID, err)
		}
		if _, err := svc.Create(ctx, in); err != nil {
			return created, fmt.Errorf("seed policy %s: %w", in.ID, err)
		}
		created++
	}
	log.WithFields(logrus.Fields{"created": created, "total": len(policies)}).Info("coupon policies seeded")
	return created, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDiscountType(s string) (generic.DiscountType, error) {
	switch strings.ToLower(s) {
	case "fixed", "fixed_amount":
		return generic.DiscountFixedAmount, nil
	case "percentage", "percent":
		return generic.DiscountPercentage, nil
	default:
		return "", fmt.Errorf("%w: unknown discount type %q", generic.ErrInvalidPolicy, s)
	}
}
