// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.CouponStore and generic.PointStore.
// A single mutex stands in for every database lock, so WithPolicyLock and
// WithTx serialize against all other writers.
type Memory struct {
	mu sync.RWMutex

	policies map[generic.PolicyID]generic.CouponPolicy
	coupons  map[generic.CouponID]generic.Coupon
	order    []generic.CouponID // insertion order

	balances     map[generic.UserID]generic.PointBalance
	transactions []generic.PointTransaction
	canceled     map[generic.TransactionID]bool
	reports      map[reportKey]generic.DailyPointReport

	// InsertHook, when set, runs before every coupon insert. A non-nil
	// return aborts the insert. Tests use it to inject persistence failures.
	InsertHook func(c generic.Coupon) error
}

type reportKey struct {
	day    string
	userID generic.UserID
}

func NewMemory() *Memory {
	return &Memory{
		policies: make(map[generic.PolicyID]generic.CouponPolicy),
		coupons:  make(map[generic.CouponID]generic.Coupon),
		balances: make(map[generic.UserID]generic.PointBalance),
		canceled: make(map[generic.TransactionID]bool),
		reports:  make(map[reportKey]generic.DailyPointReport),
	}
}

// =============================================================================
// POLICIES
// =============================================================================

func (m *Memory) SavePolicy(_ context.Context, p generic.CouponPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, id generic.PolicyID) (*generic.CouponPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, generic.ErrPolicyNotFound
	}
	return &p, nil
}

func (m *Memory) ListPolicies(_ context.Context) ([]generic.CouponPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.CouponPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// =============================================================================
// COUPONS
// =============================================================================

func (m *Memory) InsertCoupon(_ context.Context, c generic.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCouponLocked(c)
}

func (m *Memory) insertCouponLocked(c generic.Coupon) error {
	if m.InsertHook != nil {
		if err := m.InsertHook(c); err != nil {
			return err
		}
	}
	m.coupons[c.ID] = c
	m.order = append(m.order, c.ID)
	return nil
}

func (m *Memory) GetCoupon(_ context.Context, id generic.CouponID) (*generic.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) ListCoupons(_ context.Context, f generic.CouponFilter) ([]generic.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.Coupon
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.coupons[m.order[i]]
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.PolicyID != "" && c.PolicyID != f.PolicyID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		result = append(result, c)
	}
	return page(result, f.Limit, f.Offset), nil
}

func (m *Memory) CountIssued(_ context.Context, policyID generic.PolicyID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(policyID, ""), nil
}

func (m *Memory) countLocked(policyID generic.PolicyID, userID generic.UserID) int64 {
	var n int64
	for _, c := range m.coupons {
		if c.PolicyID == policyID && (userID == "" || c.UserID == userID) {
			n++
		}
	}
	return n
}

func (m *Memory) TransitionCoupon(_ context.Context, c generic.Coupon, from generic.CouponStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.coupons[c.ID]
	if !ok || current.Status != from {
		return generic.ErrConcurrentModification
	}
	m.coupons[c.ID] = c
	return nil
}

// WithPolicyLock holds the store mutex for the duration of fn.
// Inserts made by fn are rolled back if fn fails.
func (m *Memory) WithPolicyLock(ctx context.Context, id generic.PolicyID, fn func(generic.IssueTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[id]
	if !ok {
		return generic.ErrPolicyNotFound
	}

	view := &issueView{parent: m, policy: p}
	if err := fn(view); err != nil {
		for _, cid := range view.inserted {
			delete(m.coupons, cid)
		}
		m.order = m.order[:len(m.order)-len(view.inserted)]
		return err
	}
	return nil
}

type issueView struct {
	parent   *Memory
	policy   generic.CouponPolicy
	inserted []generic.CouponID
}

func (v *issueView) Policy() generic.CouponPolicy { return v.policy }

func (v *issueView) CountIssued(_ context.Context) (int64, error) {
	return v.parent.countLocked(v.policy.ID, ""), nil
}

func (v *issueView) CountIssuedTo(_ context.Context, userID generic.UserID) (int64, error) {
	return v.parent.countLocked(v.policy.ID, userID), nil
}

func (v *issueView) InsertCoupon(_ context.Context, c generic.Coupon) error {
	if err := v.parent.insertCouponLocked(c); err != nil {
		return err
	}
	v.inserted = append(v.inserted, c.ID)
	return nil
}

// =============================================================================
// BALANCES AND POINT LEDGER
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, userID generic.UserID) (*generic.PointBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBalances(_ context.Context) ([]generic.PointBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.PointBalance, 0, len(m.balances))
	for _, b := range m.balances {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *Memory) GetTransaction(_ context.Context, id generic.TransactionID) (*generic.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.transactions {
		if tx.ID == id {
			return &tx, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID generic.UserID, limit, offset int) ([]generic.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.PointTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID == userID {
			result = append(result, m.transactions[i])
		}
	}
	return page(result, limit, offset), nil
}

func (m *Memory) LoadTransactions(_ context.Context, userID generic.UserID) ([]generic.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.PointTransaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *Memory) SummarizeDay(_ context.Context, day time.Time) ([]generic.DailyPointReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from := generic.DayStart(day)
	to := from.Add(24 * time.Hour)
	byUser := make(map[generic.UserID]*generic.DailyPointReport)
	var users []generic.UserID

	for _, tx := range m.transactions {
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		r, ok := byUser[tx.UserID]
		if !ok {
			r = &generic.DailyPointReport{Day: from, UserID: tx.UserID}
			byUser[tx.UserID] = r
			users = append(users, tx.UserID)
		}
		addToReport(r, tx)
	}

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	result := make([]generic.DailyPointReport, 0, len(users))
	for _, u := range users {
		result = append(result, *byUser[u])
	}
	return result, nil
}

func addToReport(r *generic.DailyPointReport, tx generic.PointTransaction) {
	r.Entries++
	switch tx.Type {
	case generic.PointEarned:
		r.Earned += tx.Amount
	case generic.PointUsed:
		r.Used -= tx.Amount
	case generic.PointCanceled:
		if tx.Amount < 0 {
			r.Canceled -= tx.Amount
		} else {
			r.Canceled += tx.Amount
		}
	}
}

func (m *Memory) SaveDailyReports(_ context.Context, reports []generic.DailyPointReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reports {
		m.reports[reportKey{day: r.Day.Format(generic.DayLayout), userID: r.UserID}] = r
	}
	return nil
}

// DailyReports returns the saved reports for a day. Test helper.
func (m *Memory) DailyReports(day time.Time) []generic.DailyPointReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.DailyPointReport
	for k, r := range m.reports {
		if k.day == day.Format(generic.DayLayout) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(generic.PointTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances     map[generic.UserID]generic.PointBalance
	transactions int
	canceled     map[generic.TransactionID]bool
}

func (m *Memory) snapshot() memorySnapshot {
	balances := make(map[generic.UserID]generic.PointBalance, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	canceled := make(map[generic.TransactionID]bool, len(m.canceled))
	for k, v := range m.canceled {
		canceled[k] = v
	}
	// Ledger is append-only: remembering its length is enough to roll back.
	return memorySnapshot{balances: balances, transactions: len(m.transactions), canceled: canceled}
}

func (m *Memory) restore(s memorySnapshot) {
	m.balances = s.balances
	m.transactions = m.transactions[:s.transactions]
	m.canceled = s.canceled
}

type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetBalance(_ context.Context, userID generic.UserID) (*generic.PointBalance, error) {
	b, ok := tv.parent.balances[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (tv *txMemoryView) SaveBalance(_ context.Context, b generic.PointBalance) error {
	tv.parent.balances[b.UserID] = b
	return nil
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx generic.PointTransaction) error {
	if tx.Type == generic.PointCanceled {
		if tv.parent.canceled[tx.ReferenceID] {
			return generic.ErrAlreadyCancelled
		}
		tv.parent.canceled[tx.ReferenceID] = true
	}
	tv.parent.transactions = append(tv.parent.transactions, tx)
	return nil
}

func (tv *txMemoryView) IsCanceled(_ context.Context, id generic.TransactionID) (bool, error) {
	return tv.parent.canceled[id], nil
}

// =============================================================================
// HELPERS
// =============================================================================

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
