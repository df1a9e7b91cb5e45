package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `user_id, balance, version, created_at, updated_at`

func (s *Store) GetBalance(ctx context.Context, userID generic.UserID) (*generic.PointBalance, error) {
	return s.getBalance(ctx, s.db, userID)
}

func (s *Store) getBalance(ctx context.Context, db execer, userID generic.UserID) (*generic.PointBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM point_balances WHERE user_id = ?`
	b, err := scanBalance(db.QueryRowContext(ctx, s.q(query), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, generic.Transient("get balance", err)
	}
	return &b, nil
}

func (s *Store) ListBalances(ctx context.Context) ([]generic.PointBalance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+balanceColumns+` FROM point_balances ORDER BY user_id`)
	if err != nil {
		return nil, generic.Transient("list balances", err)
	}
	defer rows.Close()

	var balances []generic.PointBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, generic.Transient("scan balance", err)
		}
		balances = append(balances, b)
	}
	return balances, generic.Transient("list balances", rows.Err())
}

func (s *Store) saveBalance(ctx context.Context, db execer, b generic.PointBalance) error {
	query := `
		INSERT INTO point_balances (` + balanceColumns + `)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = excluded.balance,
			version = excluded.version,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, s.q(query),
		b.UserID, b.Balance, b.Version, generic.FormatTime(b.CreatedAt), generic.FormatTime(b.UpdatedAt))
	return generic.Transient("save balance", err)
}

func scanBalance(row scanner) (generic.PointBalance, error) {
	var (
		b                  generic.PointBalance
		created, updatedAt string
	)
	if err := row.Scan(&b.UserID, &b.Balance, &b.Version, &created, &updatedAt); err != nil {
		return b, err
	}
	var err error
	if b.CreatedAt, err = generic.ParseTime(created); err != nil {
		return b, err
	}
	b.UpdatedAt, err = generic.ParseTime(updatedAt)
	return b, err
}

// =============================================================================
// POINT LEDGER (append-only)
// =============================================================================

const pointTxColumns = `id, user_id, amount, tx_type, reason, balance_snapshot, reference_id, version, created_at`

func (s *Store) appendTransaction(ctx context.Context, db execer, tx generic.PointTransaction) error {
	query := `INSERT INTO point_transactions (` + pointTxColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, s.q(query),
		tx.ID, tx.UserID, tx.Amount, tx.Type, tx.Reason, tx.BalanceSnapshot,
		nullString(string(tx.ReferenceID)), tx.Version, generic.FormatTime(tx.CreatedAt),
	)
	if err != nil && tx.Type == generic.PointCanceled && isUniqueConstraintError(err) {
		return generic.ErrAlreadyCancelled
	}
	return generic.Transient("append point transaction", err)
}

func (s *Store) GetTransaction(ctx context.Context, id generic.TransactionID) (*generic.PointTransaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+pointTxColumns+` FROM point_transactions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, userID generic.UserID, limit, offset int) ([]generic.PointTransaction, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query := `
		SELECT ` + pointTxColumns + ` FROM point_transactions
		WHERE user_id = ?
		ORDER BY version DESC
		LIMIT ? OFFSET ?
	`
	return s.queryTransactions(ctx, query, userID, limit, offset)
}

func (s *Store) LoadTransactions(ctx context.Context, userID generic.UserID) ([]generic.PointTransaction, error) {
	query := `SELECT ` + pointTxColumns + ` FROM point_transactions WHERE user_id = ? ORDER BY version ASC`
	return s.queryTransactions(ctx, query, userID)
}

func (s *Store) isCanceled(ctx context.Context, db execer, id generic.TransactionID) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM point_transactions WHERE reference_id = ? AND tx_type = 'CANCELED'`
	if err := db.QueryRowContext(ctx, s.q(query), id).Scan(&n); err != nil {
		return false, generic.Transient("check cancellation", err)
	}
	return n > 0, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.PointTransaction, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, generic.Transient("query point transactions", err)
	}
	defer rows.Close()

	var txs []generic.PointTransaction
	for rows.Next() {
		tx, err := scanPointTransaction(rows)
		if err != nil {
			return nil, generic.Transient("scan point transaction", err)
		}
		txs = append(txs, tx)
	}
	return txs, generic.Transient("query point transactions", rows.Err())
}

func scanPointTransaction(rows *sql.Rows) (generic.PointTransaction, error) {
	var (
		tx          generic.PointTransaction
		referenceID sql.NullString
		createdAt   string
	)
	err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.Reason,
		&tx.BalanceSnapshot, &referenceID, &tx.Version, &createdAt)
	if err != nil {
		return tx, err
	}
	tx.ReferenceID = generic.TransactionID(referenceID.String)
	tx.CreatedAt, err = generic.ParseTime(createdAt)
	return tx, err
}

// =============================================================================
// DAILY REPORTS
// =============================================================================

func (s *Store) SummarizeDay(ctx context.Context, day time.Time) ([]generic.DailyPointReport, error) {
	from := generic.DayStart(day)
	to := from.Add(24 * time.Hour)

	query := `
		SELECT user_id,
		       COALESCE(SUM(CASE WHEN tx_type = 'EARNED' THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN tx_type = 'USED' THEN -amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN tx_type = 'CANCELED' THEN ABS(amount) ELSE 0 END), 0),
		       COUNT(*)
		FROM point_transactions
		WHERE created_at >= ? AND created_at < ?
		GROUP BY user_id
		ORDER BY user_id
	`
	rows, err := s.db.QueryContext(ctx, s.q(query), generic.FormatTime(from), generic.FormatTime(to))
	if err != nil {
		return nil, generic.Transient("summarize day", err)
	}
	defer rows.Close()

	var reports []generic.DailyPointReport
	for rows.Next() {
		r := generic.DailyPointReport{Day: from}
		if err := rows.Scan(&r.UserID, &r.Earned, &r.Used, &r.Canceled, &r.Entries); err != nil {
			return nil, generic.Transient("scan daily report", err)
		}
		reports = append(reports, r)
	}
	return reports, generic.Transient("summarize day", rows.Err())
}

func (s *Store) SaveDailyReports(ctx context.Context, reports []generic.DailyPointReport) error {
	sqlTx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	query := s.q(`
		INSERT INTO daily_point_reports (day, user_id, earned, used, canceled, entries)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (day, user_id) DO UPDATE SET
			earned = excluded.earned,
			used = excluded.used,
			canceled = excluded.canceled,
			entries = excluded.entries
	`)
	for _, r := range reports {
		if _, err := sqlTx.ExecContext(ctx, query,
			r.Day.Format(generic.DayLayout), r.UserID, r.Earned, r.Used, r.Canceled, r.Entries); err != nil {
			return generic.Transient("save daily report", err)
		}
	}
	return generic.Transient("commit daily reports", sqlTx.Commit())
}

// DailyReports returns the stored reports for a day.
func (s *Store) DailyReports(ctx context.Context, day time.Time) ([]generic.DailyPointReport, error) {
	query := `
		SELECT user_id, earned, used, canceled, entries FROM daily_point_reports
		WHERE day = ? ORDER BY user_id
	`
	rows, err := s.db.QueryContext(ctx, s.q(query), generic.DayStart(day).Format(generic.DayLayout))
	if err != nil {
		return nil, generic.Transient("daily reports", err)
	}
	defer rows.Close()

	var reports []generic.DailyPointReport
	for rows.Next() {
		r := generic.DailyPointReport{Day: generic.DayStart(day)}
		if err := rows.Scan(&r.UserID, &r.Earned, &r.Used, &r.Canceled, &r.Entries); err != nil {
			return nil, generic.Transient("scan daily report", err)
		}
		reports = append(reports, r)
	}
	return reports, generic.Transient("daily reports", rows.Err())
}

// =============================================================================
// TRANSACTIONAL STORE (generic.PointTx)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.PointTx) error) error {
	sqlTx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if err := fn(&pointTx{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return generic.Transient("commit point transaction", sqlTx.Commit())
}

type pointTx struct {
	tx     *sql.Tx
	parent *Store
}

func (pt *pointTx) GetBalance(ctx context.Context, userID generic.UserID) (*generic.PointBalance, error) {
	return pt.parent.getBalance(ctx, pt.tx, userID)
}

func (pt *pointTx) SaveBalance(ctx context.Context, b generic.PointBalance) error {
	return pt.parent.saveBalance(ctx, pt.tx, b)
}

func (pt *pointTx) AppendTransaction(ctx context.Context, tx generic.PointTransaction) error {
	return pt.parent.appendTransaction(ctx, pt.tx, tx)
}

func (pt *pointTx) IsCanceled(ctx context.Context, id generic.TransactionID) (bool, error) {
	return pt.parent.isCanceled(ctx, pt.tx, id)
}
