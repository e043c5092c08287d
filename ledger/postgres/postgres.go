// Package postgres provides a PostgreSQL-backed creditgate.Ledger.
//
// Accounts, outstanding holds and the transaction log live in three tables.
// Every mutation runs in one database transaction whose account update is
// guarded by the version it read, so concurrent writers on one account
// conflict and retry instead of taking row locks up front. Balances survive
// restarts and are safe across multiple gateway instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	retry       creditgate.RetryPolicy
	logger      *zap.Logger
}

var _ creditgate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithRetryPolicy sets how version conflicts are retried.
func WithRetryPolicy(p creditgate.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditgate_",
		retry:       creditgate.DefaultRetryPolicy(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "postgres_ledger"))
	return s
}

func (s *Store) accountsTable() string     { return s.tablePrefix + "accounts" }
func (s *Store) holdsTable() string        { return s.tablePrefix + "holds" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			balance BIGINT NOT NULL CHECK (balance >= 0),
			version BIGINT NOT NULL,
			upgrade_opt_in BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			account_id TEXT NOT NULL REFERENCES %[1]s (id),
			request_id TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			PRIMARY KEY (account_id, request_id)
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			account_id TEXT NOT NULL REFERENCES %[1]s (id),
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount >= 0),
			request_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_account_seq ON %[3]s (account_id, seq);
		CREATE UNIQUE INDEX IF NOT EXISTS %[3]s_credit_once ON %[3]s (account_id, request_id)
			WHERE kind = 'credit' AND request_id <> '';
	`, s.accountsTable(), s.holdsTable(), s.transactionsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// OpenAccount creates an account with its opening balance.
func (s *Store) OpenAccount(ctx context.Context, acct creditgate.Account) error {
	if acct.ID == "" {
		return fmt.Errorf("creditgate/postgres: account id is required")
	}
	if acct.Balance < 0 {
		return fmt.Errorf("%w: opening balance %d", creditgate.ErrNegativeAmount, acct.Balance)
	}
	if acct.Tier == "" {
		acct.Tier = creditgate.AccountBasic
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, tier, balance, version, upgrade_opt_in, created_at)
			VALUES ($1, $2, $3, 1, $4, $5) ON CONFLICT (id) DO NOTHING`, s.accountsTable()),
		acct.ID, string(acct.Tier), acct.Balance, acct.UpgradeOptIn, now,
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: open account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", creditgate.ErrAccountExists, acct.ID)
	}

	if acct.Balance > 0 {
		err = s.insertTx(ctx, tx, creditgate.Transaction{
			ID:           uuid.New().String(),
			AccountID:    acct.ID,
			Kind:         creditgate.TxCredit,
			Amount:       acct.Balance,
			Reason:       creditgate.ReasonOpeningBalance,
			BalanceAfter: acct.Balance,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return nil
}

// Hold reserves amount for requestID.
func (s *Store) Hold(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	t, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxHold, Amount: amount, RequestID: requestID})
	return t.ID, err
}

// Debit charges amount against the request's hold, then the balance.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	t, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxDebit, Amount: amount, RequestID: requestID})
	return t.ID, err
}

// Refund returns amount to the balance.
func (s *Store) Refund(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	t, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxRefund, Amount: amount, RequestID: requestID})
	return t.ID, err
}

// Release refunds whatever is still held for requestID.
func (s *Store) Release(ctx context.Context, accountID string, requestID string) (string, int64, error) {
	t, err := s.mutate(ctx, accountID, creditgate.Op{
		Kind:       creditgate.TxRefund,
		RequestID:  requestID,
		Reason:     creditgate.ReasonRelease,
		ReleaseAll: true,
	})
	return t.ID, t.Amount, err
}

// Credit adds amount to the balance, at most once per request id.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64, requestID, reason string) (string, error) {
	t, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxCredit, Amount: amount, RequestID: requestID, Reason: reason})
	return t.ID, err
}

// Balance returns the current balance.
func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Account returns the current account snapshot.
func (s *Store) Account(ctx context.Context, accountID string) (creditgate.Account, error) {
	var acct creditgate.Account
	var tier string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, tier, balance, version, upgrade_opt_in, created_at FROM %s WHERE id = $1`,
			s.accountsTable()),
		accountID,
	).Scan(&acct.ID, &tier, &acct.Balance, &acct.Version, &acct.UpgradeOptIn, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Account{}, fmt.Errorf("%w: %s", creditgate.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return creditgate.Account{}, fmt.Errorf("creditgate/postgres: account: %w", err)
	}
	acct.Tier = creditgate.AccountTier(tier)
	return acct, nil
}

// History returns the account's transactions in [from, to), oldest first.
func (s *Store) History(ctx context.Context, accountID string, from, to time.Time) ([]creditgate.Transaction, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT id, account_id, kind, amount, request_id, reason, balance_after, created_at
		FROM %s WHERE account_id = $1
		AND ($2::timestamptz IS NULL OR created_at >= $2)
		AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY seq`, s.transactionsTable())

	rows, err := s.pool.Query(ctx, q, accountID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: history: %w", err)
	}
	defer rows.Close()

	var txs []creditgate.Transaction
	for rows.Next() {
		var t creditgate.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.RequestID, &t.Reason, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditgate/postgres: scan tx: %w", err)
		}
		t.Kind = creditgate.TxKind(kind)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: history: %w", err)
	}
	return txs, nil
}

func (s *Store) mutate(ctx context.Context, accountID string, op creditgate.Op) (creditgate.Transaction, error) {
	var t creditgate.Transaction
	err := creditgate.RetryConflicts(ctx, s.retry, func() error {
		var err error
		t, err = s.tryMutate(ctx, accountID, op)
		if errors.Is(err, creditgate.ErrLedgerConflict) {
			s.logger.Debug("ledger cas conflict", zap.String("account_id", accountID))
		}
		return err
	})
	return t, err
}

func (s *Store) tryMutate(ctx context.Context, accountID string, op creditgate.Op) (creditgate.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Read the version we will guard the update with.
	var balance, version int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, version FROM %s WHERE id = $1`, s.accountsTable()),
		accountID,
	).Scan(&balance, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Transaction{}, fmt.Errorf("%w: %s", creditgate.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: read account: %w", err)
	}

	var held int64
	if op.RequestID != "" {
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT amount FROM %s WHERE account_id = $1 AND request_id = $2`, s.holdsTable()),
			accountID, op.RequestID,
		).Scan(&held)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: read hold: %w", err)
		}
	}

	// 2. Compute the next state.
	newBalance, newHeld, amount, err := op.Apply(accountID, balance, held)
	if err != nil {
		return creditgate.Transaction{}, err
	}
	if op.ReleaseAll && amount == 0 {
		return creditgate.Transaction{}, nil
	}

	// 3. Compare-and-set on version.
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3`,
			s.accountsTable()),
		newBalance, accountID, version,
	)
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return creditgate.Transaction{}, creditgate.ErrLedgerConflict
	}

	// 4. Outstanding hold.
	if op.RequestID != "" && newHeld != held {
		if newHeld == 0 {
			_, err = tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE account_id = $1 AND request_id = $2`, s.holdsTable()),
				accountID, op.RequestID)
		} else {
			_, err = tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (account_id, request_id, amount) VALUES ($1, $2, $3)
					ON CONFLICT (account_id, request_id) DO UPDATE SET amount = $3`, s.holdsTable()),
				accountID, op.RequestID, newHeld)
		}
		if err != nil {
			return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: update hold: %w", err)
		}
	}

	// 5. Append to the log.
	t := creditgate.Transaction{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         op.Kind,
		Amount:       amount,
		RequestID:    op.RequestID,
		Reason:       op.Reason,
		BalanceAfter: newBalance,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.insertTx(ctx, tx, t); err != nil {
		return creditgate.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return t, nil
}

func (s *Store) insertTx(ctx context.Context, tx pgx.Tx, t creditgate.Transaction) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, kind, amount, request_id, reason, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.transactionsTable()),
		t.ID, t.AccountID, string(t.Kind), t.Amount, t.RequestID, t.Reason, t.BalanceAfter, t.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && t.Kind == creditgate.TxCredit {
		return fmt.Errorf("%w: %s", creditgate.ErrDuplicateCredit, t.RequestID)
	}
	if err != nil {
		return fmt.Errorf("creditgate/postgres: insert tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
