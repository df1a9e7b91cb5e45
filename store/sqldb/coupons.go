package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"

	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// POLICY STORE
// =============================================================================

const policyColumns = `id, title, description, discount_type, discount_value, minimum_order_amount,
	maximum_discount_amount, total_quantity, start_time, end_time, created_at`

func (s *Store) SavePolicy(ctx context.Context, p generic.CouponPolicy) error {
	query := `
		INSERT INTO coupon_policies (` + policyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, s.q(query),
		p.ID, p.Title, p.Description, p.DiscountType, p.DiscountValue,
		p.MinimumOrderAmount, p.MaximumDiscountAmount, p.TotalQuantity,
		generic.FormatTime(p.StartTime), generic.FormatTime(p.EndTime), generic.FormatTime(p.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return errors.Join(generic.ErrInvalidPolicy, errors.New("policy id already exists"))
	}
	return generic.Transient("save policy", err)
}

func (s *Store) GetPolicy(ctx context.Context, id generic.PolicyID) (*generic.CouponPolicy, error) {
	return s.getPolicy(ctx, s.db, id, "")
}

func (s *Store) getPolicy(ctx context.Context, db execer, id generic.PolicyID, suffix string) (*generic.CouponPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM coupon_policies WHERE id = ?` + suffix
	p, err := scanPolicy(db.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrPolicyNotFound
	}
	if err != nil {
		return nil, generic.Transient("get policy", err)
	}
	return &p, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]generic.CouponPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM coupon_policies ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, generic.Transient("list policies", err)
	}
	defer rows.Close()

	var policies []generic.CouponPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, generic.Transient("scan policy", err)
		}
		policies = append(policies, p)
	}
	return policies, generic.Transient("list policies", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (generic.CouponPolicy, error) {
	var (
		p                           generic.CouponPolicy
		startTime, endTime, created string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.DiscountType, &p.DiscountValue,
		&p.MinimumOrderAmount, &p.MaximumDiscountAmount, &p.TotalQuantity,
		&startTime, &endTime, &created)
	if err != nil {
		return p, err
	}
	if p.StartTime, err = generic.ParseTime(startTime); err != nil {
		return p, err
	}
	if p.EndTime, err = generic.ParseTime(endTime); err != nil {
		return p, err
	}
	p.CreatedAt, err = generic.ParseTime(created)
	return p, err
}

// =============================================================================
// COUPONS (IssuanceLedger)
// =============================================================================

const couponColumns = `id, code, user_id, policy_id, status, order_id, used_at, issued_at, updated_at`

func (s *Store) InsertCoupon(ctx context.Context, c generic.Coupon) error {
	return s.insertCoupon(ctx, s.db, c)
}

func (s *Store) insertCoupon(ctx context.Context, db execer, c generic.Coupon) error {
	query := `INSERT INTO coupons (` + couponColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, s.q(query),
		c.ID, c.Code, c.UserID, c.PolicyID, c.Status,
		nullString(c.OrderID), nullTime(c.UsedAt),
		generic.FormatTime(c.IssuedAt), generic.FormatTime(c.UpdatedAt),
	)
	return generic.Transient("insert coupon", err)
}

func (s *Store) GetCoupon(ctx context.Context, id generic.CouponID) (*generic.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = ?`
	c, err := scanCoupon(s.db.QueryRowContext(ctx, s.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, generic.Transient("get coupon", err)
	}
	return &c, nil
}

func (s *Store) ListCoupons(ctx context.Context, f generic.CouponFilter) ([]generic.Coupon, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, f.PolicyID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + couponColumns + ` FROM coupons`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query += ` ORDER BY issued_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, generic.Transient("list coupons", err)
	}
	defer rows.Close()

	var coupons []generic.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, generic.Transient("scan coupon", err)
		}
		coupons = append(coupons, c)
	}
	return coupons, generic.Transient("list coupons", rows.Err())
}

func (s *Store) CountIssued(ctx context.Context, policyID generic.PolicyID) (int64, error) {
	return s.countIssued(ctx, s.db, policyID, "")
}

func (s *Store) countIssued(ctx context.Context, db execer, policyID generic.PolicyID, userID generic.UserID) (int64, error) {
	query := `SELECT COUNT(*) FROM coupons WHERE policy_id = ?`
	args := []any{policyID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	var n int64
	if err := db.QueryRowContext(ctx, s.q(query), args...).Scan(&n); err != nil {
		return 0, generic.Transient("count coupons", err)
	}
	return n, nil
}

// TransitionCoupon is a compare-and-set on the coupon's status.
func (s *Store) TransitionCoupon(ctx context.Context, c generic.Coupon, from generic.CouponStatus) error {
	query := `
		UPDATE coupons SET status = ?, order_id = ?, used_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, s.q(query),
		c.Status, nullString(c.OrderID), nullTime(c.UsedAt), generic.FormatTime(c.UpdatedAt),
		c.ID, from,
	)
	if err != nil {
		return generic.Transient("update coupon", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Transient("update coupon", err)
	}
	if n == 0 {
		return generic.ErrConcurrentModification
	}
	return nil
}

func scanCoupon(row scanner) (generic.Coupon, error) {
	var (
		c                 generic.Coupon
		orderID, usedAt   sql.NullString
		issuedAt, updated string
	)
	err := row.Scan(&c.ID, &c.Code, &c.UserID, &c.PolicyID, &c.Status, &orderID, &usedAt, &issuedAt, &updated)
	if err != nil {
		return c, err
	}
	c.OrderID = orderID.String
	if usedAt.Valid {
		t, err := generic.ParseTime(usedAt.String)
		if err != nil {
			return c, err
		}
		c.UsedAt = &t
	}
	if c.IssuedAt, err = generic.ParseTime(issuedAt); err != nil {
		return c, err
	}
	c.UpdatedAt, err = generic.ParseTime(updated)
	return c, err
}

// =============================================================================
// POLICY LOCK (pessimistic grant)
// =============================================================================

// WithPolicyLock runs fn inside one transaction holding the policy's row lock.
func (s *Store) WithPolicyLock(ctx context.Context, id generic.PolicyID, fn func(generic.IssueTx) error) error {
	sqlTx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	suffix := ""
	if s.driver == DriverPostgres {
		suffix = " FOR UPDATE"
	}
	policy, err := s.getPolicy(ctx, sqlTx, id, suffix)
	if err != nil {
		return err
	}

	if err := fn(&issueTx{tx: sqlTx, parent: s, policy: *policy}); err != nil {
		return err
	}
	return generic.Transient("commit grant", sqlTx.Commit())
}

// issueTx must only touch tx: on SQLite the pool may hold a single connection.
type issueTx struct {
	tx     *sql.Tx
	parent *Store
	policy generic.CouponPolicy
}

func (it *issueTx) Policy() generic.CouponPolicy { return it.policy }

func (it *issueTx) CountIssued(ctx context.Context) (int64, error) {
	return it.parent.countIssued(ctx, it.tx, it.policy.ID, "")
}

func (it *issueTx) CountIssuedTo(ctx context.Context, userID generic.UserID) (int64, error) {
	return it.parent.countIssued(ctx, it.tx, it.policy.ID, userID)
}

func (it *issueTx) InsertCoupon(ctx context.Context, c generic.Coupon) error {
	return it.parent.insertCoupon(ctx, it.tx, c)
}
