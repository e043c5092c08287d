// Package ledger provides the in-memory creditgate.Ledger.
//
// Each account is an immutable snapshot behind an atomic pointer. A
// mutation builds the next snapshot and publishes it with a single
// compare-and-swap on the pointer, so unrelated accounts never contend and
// the transaction log of an account is exactly its commit order.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
)

// MemoryLedger is an in-memory Ledger. State does not survive restarts;
// use ledger/postgres or ledger/redis for durable balances.
type MemoryLedger struct {
	accounts sync.Map // account id -> *cell
	retry    creditgate.RetryPolicy
	now      func() time.Time
	logger   *zap.Logger
}

var _ creditgate.Ledger = (*MemoryLedger)(nil)

type cell struct {
	state atomic.Pointer[snapshot]
}

// snapshot is never mutated after it is published.
type snapshot struct {
	acct     creditgate.Account
	holds    map[string]int64
	credited map[string]struct{} // request ids already credited
	last     *entry
}

type entry struct {
	tx   creditgate.Transaction
	prev *entry
}

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithRetryPolicy sets how CAS conflicts are retried.
func WithRetryPolicy(p creditgate.RetryPolicy) Option {
	return func(l *MemoryLedger) { l.retry = p }
}

// WithClock overrides the transaction timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *MemoryLedger) { l.logger = logger }
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	retry := creditgate.DefaultRetryPolicy()
	retry.MaxRetries = 32

	l := &MemoryLedger{
		retry:  retry,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "memory_ledger"))
	return l
}

// OpenAccount creates an account with its opening balance.
func (l *MemoryLedger) OpenAccount(_ context.Context, acct creditgate.Account) error {
	if acct.ID == "" {
		return fmt.Errorf("creditgate/ledger: account id is required")
	}
	if acct.Balance < 0 {
		return fmt.Errorf("%w: opening balance %d", creditgate.ErrNegativeAmount, acct.Balance)
	}
	if acct.Tier == "" {
		acct.Tier = creditgate.AccountBasic
	}
	now := l.now().UTC()
	acct.Version = 1
	acct.CreatedAt = now

	snap := &snapshot{acct: acct}
	if acct.Balance > 0 {
		snap.last = &entry{tx: creditgate.Transaction{
			ID:           uuid.New().String(),
			AccountID:    acct.ID,
			Kind:         creditgate.TxCredit,
			Amount:       acct.Balance,
			Reason:       creditgate.ReasonOpeningBalance,
			BalanceAfter: acct.Balance,
			CreatedAt:    now,
		}}
	}

	c := &cell{}
	c.state.Store(snap)
	if _, loaded := l.accounts.LoadOrStore(acct.ID, c); loaded {
		return fmt.Errorf("%w: %s", creditgate.ErrAccountExists, acct.ID)
	}
	return nil
}

// Hold reserves amount for requestID.
func (l *MemoryLedger) Hold(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	tx, err := l.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxHold, Amount: amount, RequestID: requestID})
	return tx.ID, err
}

// Debit charges amount against the request's hold, then the balance.
func (l *MemoryLedger) Debit(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	tx, err := l.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxDebit, Amount: amount, RequestID: requestID})
	return tx.ID, err
}

// Refund returns amount to the balance.
func (l *MemoryLedger) Refund(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	tx, err := l.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxRefund, Amount: amount, RequestID: requestID})
	return tx.ID, err
}

// Release refunds whatever is still held for requestID.
func (l *MemoryLedger) Release(ctx context.Context, accountID string, requestID string) (string, int64, error) {
	tx, err := l.mutate(ctx, accountID, creditgate.Op{
		Kind:       creditgate.TxRefund,
		RequestID:  requestID,
		Reason:     creditgate.ReasonRelease,
		ReleaseAll: true,
	})
	return tx.ID, tx.Amount, err
}

// Credit adds amount to the balance, at most once per request id.
func (l *MemoryLedger) Credit(ctx context.Context, accountID string, amount int64, requestID, reason string) (string, error) {
	tx, err := l.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxCredit, Amount: amount, RequestID: requestID, Reason: reason})
	return tx.ID, err
}

// Balance returns the current balance.
func (l *MemoryLedger) Balance(_ context.Context, accountID string) (int64, error) {
	c, err := l.cell(accountID)
	if err != nil {
		return 0, err
	}
	return c.state.Load().acct.Balance, nil
}

// Account returns the current account snapshot.
func (l *MemoryLedger) Account(_ context.Context, accountID string) (creditgate.Account, error) {
	c, err := l.cell(accountID)
	if err != nil {
		return creditgate.Account{}, err
	}
	return c.state.Load().acct, nil
}

// History returns the account's transactions in [from, to), oldest first.
func (l *MemoryLedger) History(_ context.Context, accountID string, from, to time.Time) ([]creditgate.Transaction, error) {
	c, err := l.cell(accountID)
	if err != nil {
		return nil, err
	}

	var txs []creditgate.Transaction
	for e := c.state.Load().last; e != nil; e = e.prev {
		if creditgate.InRange(e.tx.CreatedAt, from, to) {
			txs = append(txs, e.tx)
		}
	}
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs, nil
}

func (l *MemoryLedger) cell(accountID string) (*cell, error) {
	v, ok := l.accounts.Load(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", creditgate.ErrAccountNotFound, accountID)
	}
	return v.(*cell), nil
}

// mutate applies op with a CAS retry loop. A ReleaseAll with nothing held
// commits nothing and returns a zero Transaction.
func (l *MemoryLedger) mutate(ctx context.Context, accountID string, op creditgate.Op) (creditgate.Transaction, error) {
	c, err := l.cell(accountID)
	if err != nil {
		return creditgate.Transaction{}, err
	}

	var tx creditgate.Transaction
	err = creditgate.RetryConflicts(ctx, l.retry, func() error {
		cur := c.state.Load()
		creditOnce := op.Kind == creditgate.TxCredit && op.RequestID != ""
		if _, done := cur.credited[op.RequestID]; creditOnce && done {
			return fmt.Errorf("%w: %s", creditgate.ErrDuplicateCredit, op.RequestID)
		}
		balance, held, amount, err := op.Apply(accountID, cur.acct.Balance, cur.holds[op.RequestID])
		if err != nil {
			return err
		}
		if op.ReleaseAll && amount == 0 {
			tx = creditgate.Transaction{}
			return nil
		}

		next := &snapshot{
			acct:     cur.acct,
			holds:    withHold(cur.holds, op.RequestID, held),
			credited: cur.credited,
		}
		if creditOnce {
			next.credited = withCredited(cur.credited, op.RequestID)
		}
		next.acct.Balance = balance
		next.acct.Version++

		tx = creditgate.Transaction{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			Kind:         op.Kind,
			Amount:       amount,
			RequestID:    op.RequestID,
			Reason:       op.Reason,
			BalanceAfter: balance,
			CreatedAt:    l.now().UTC(),
		}
		next.last = &entry{tx: tx, prev: cur.last}

		if !c.state.CompareAndSwap(cur, next) {
			l.logger.Debug("ledger cas conflict",
				zap.String("account_id", accountID),
				zap.Int64("version", cur.acct.Version),
			)
			return creditgate.ErrLedgerConflict
		}
		return nil
	})
	if err != nil {
		return creditgate.Transaction{}, err
	}
	return tx, nil
}

// withCredited returns a copy of credited that includes requestID.
func withCredited(credited map[string]struct{}, requestID string) map[string]struct{} {
	next := make(map[string]struct{}, len(credited)+1)
	for k := range credited {
		next[k] = struct{}{}
	}
	next[requestID] = struct{}{}
	return next
}

// withHold returns a copy of holds with requestID set to amount.
func withHold(holds map[string]int64, requestID string, amount int64) map[string]int64 {
	if requestID == "" || holds[requestID] == amount {
		return holds
	}
	next := make(map[string]int64, len(holds)+1)
	for k, v := range holds {
		next[k] = v
	}
	if amount == 0 {
		delete(next, requestID)
	} else {
		next[requestID] = amount
	}
	return next
}
