package points

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

const DefaultPageSize = 20

// Balance returns the user's current balance, 0 for a user with no ledger.
func (s *Service) Balance(ctx context.Context, userID generic.UserID) (int64, error) {
	return s.resolve(ctx, userID)
}

// Transaction returns one of the user's ledger entries. Entries of other
// users are reported as not found.
func (s *Service) Transaction(ctx context.Context, userID generic.UserID, id generic.TransactionID) (*generic.PointTransaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, generic.Transient("read point transaction", err)
	}
	if tx == nil || tx.UserID != userID {
		return nil, fmt.Errorf("%w: transaction %s", generic.ErrNotFoundOrUnauthorized, id)
	}
	return tx, nil
}

// History returns one page of the user's ledger, newest first. page starts at 0.
func (s *Service) History(ctx context.Context, userID generic.UserID, page, size int) ([]generic.PointTransaction, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	page = max(page, 0)
	return s.store.ListTransactions(ctx, userID, size, page*size)
}

// SyncCache copies every stored balance into the cache and returns how
// many were written.
func (s *Service) SyncCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	balances, err := s.store.ListBalances(ctx)
	if err != nil {
		return 0, err
	}
	values := make(map[generic.UserID]int64, len(balances))
	for _, b := range balances {
		values[b.UserID] = b.Balance
	}
	if err := s.cache.SetMany(ctx, values); err != nil {
		return 0, generic.Transient("sync balance cache", err)
	}
	s.opts.Log.WithField("balances", len(values)).Info("balance cache synced")
	return len(values), nil
}

// DailyReport aggregates the ledger entries of the UTC day containing day
// and stores one report per user. Running it twice for a day overwrites
// the first result.
func (s *Service) DailyReport(ctx context.Context, day time.Time) ([]generic.DailyPointReport, error) {
	start := generic.DayStart(day)
	reports, err := s.store.SummarizeDay(ctx, start)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveDailyReports(ctx, reports); err != nil {
		return nil, err
	}
	s.opts.Log.WithFields(logrus.Fields{
		"day":   start.Format(generic.DayLayout),
		"users": len(reports),
	}).Info("daily point report written")
	return reports, nil
}
