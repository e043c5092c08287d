package creditgate

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Ledger is the authoritative store of account balances and their
// append-only transaction log. All mutations are atomic per account and
// reject negative amounts. Implementations must never let a balance go
// below zero.
type Ledger interface {
	// OpenAccount creates an account. A positive opening balance is
	// recorded as a Credit so the log reconstructs the balance.
	OpenAccount(ctx context.Context, acct Account) error

	// Hold reserves amount for requestID. Fails with *InsufficientFundsError
	// if the balance cannot cover it.
	Hold(ctx context.Context, accountID string, amount int64, requestID string) (string, error)

	// Debit charges amount, capturing from the request's outstanding hold first.
	Debit(ctx context.Context, accountID string, amount int64, requestID string) (string, error)

	// Refund returns amount to the balance, releasing it from the request's hold.
	Refund(ctx context.Context, accountID string, amount int64, requestID string) (string, error)

	// Release refunds whatever is still held for requestID. It returns the
	// released amount; zero (and no transaction) when nothing is held.
	Release(ctx context.Context, accountID string, requestID string) (string, int64, error)

	// Credit adds amount to the balance. A non-empty requestID makes the
	// credit idempotent per request: a second one fails ErrDuplicateCredit.
	Credit(ctx context.Context, accountID string, amount int64, requestID, reason string) (string, error)

	// Balance returns a point-in-time snapshot of the available balance.
	Balance(ctx context.Context, accountID string) (int64, error)

	// Account returns a point-in-time snapshot of the account.
	Account(ctx context.Context, accountID string) (Account, error)

	// History returns transactions created in [from, to), oldest first.
	// Zero bounds are open.
	History(ctx context.Context, accountID string, from, to time.Time) ([]Transaction, error)
}

// Account is a billable entity holding a credit balance.
type Account struct {
	ID           string      `json:"id"`
	Balance      int64       `json:"balance"`
	Tier         AccountTier `json:"tier"`
	Version      int64       `json:"version"`
	UpgradeOptIn bool        `json:"upgrade_opt_in"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TxKind is the type of a ledger transaction.
type TxKind string

const (
	TxHold   TxKind = "hold"
	TxDebit  TxKind = "debit"
	TxCredit TxKind = "credit"
	TxRefund TxKind = "refund"
)

// Transaction is one immutable row of the ledger log.
type Transaction struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Kind         TxKind    `json:"kind"`
	Amount       int64     `json:"amount"`
	RequestID    string    `json:"request_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Reasons recorded on ledger transactions.
const (
	ReasonOpeningBalance = "opening_balance"
	ReasonTopUp          = "top_up"
	ReasonReward         = "quality_reward"
	ReasonBaseline       = "baseline_reward"
	ReasonReconcile      = "reconcile"
	ReasonRelease        = "release"
)

// Op is a single ledger mutation. Every backend computes the effect of an
// Op with Apply so the accounting rules live in one place.
type Op struct {
	Kind      TxKind
	Amount    int64
	RequestID string
	Reason    string

	// ReleaseAll makes a Refund release the whole outstanding hold,
	// ignoring Amount.
	ReleaseAll bool
}

// Apply computes the new balance and the new outstanding hold for the
// Op's request. amount is the effective transaction amount (differs from
// Op.Amount only for ReleaseAll).
func (op Op) Apply(accountID string, balance, held int64) (newBalance, newHeld, amount int64, err error) {
	amount = op.Amount
	if op.ReleaseAll {
		amount = held
	}
	if amount < 0 {
		return 0, 0, 0, fmt.Errorf("%w: %d", ErrNegativeAmount, amount)
	}

	switch op.Kind {
	case TxHold:
		if op.RequestID == "" {
			return 0, 0, 0, fmt.Errorf("creditgate: hold requires a request id")
		}
		if balance < amount {
			return 0, 0, 0, &InsufficientFundsError{AccountID: accountID, Required: amount, Available: balance}
		}
		return balance - amount, held + amount, amount, nil

	case TxDebit:
		captured := min(amount, held)
		direct := amount - captured
		if balance < direct {
			return 0, 0, 0, &InsufficientFundsError{AccountID: accountID, Required: direct, Available: balance}
		}
		return balance - direct, held - captured, amount, nil

	case TxRefund:
		if balance > math.MaxInt64-amount {
			return 0, 0, 0, fmt.Errorf("creditgate: balance overflow on account %s", accountID)
		}
		return balance + amount, held - min(amount, held), amount, nil

	case TxCredit:
		if balance > math.MaxInt64-amount {
			return 0, 0, 0, fmt.Errorf("creditgate: balance overflow on account %s", accountID)
		}
		return balance + amount, held, amount, nil

	default:
		return 0, 0, 0, fmt.Errorf("creditgate: unknown transaction kind %q", op.Kind)
	}
}

// Replay reconstructs a balance from a transaction log, oldest first.
// It applies the same rules as Op.Apply without funds checks.
func Replay(txs []Transaction) int64 {
	var balance int64
	held := make(map[string]int64)
	for _, tx := range txs {
		h := held[tx.RequestID]
		switch tx.Kind {
		case TxHold:
			balance -= tx.Amount
			h += tx.Amount
		case TxDebit:
			captured := min(tx.Amount, h)
			balance -= tx.Amount - captured
			h -= captured
		case TxRefund:
			balance += tx.Amount
			h -= min(tx.Amount, h)
		case TxCredit:
			balance += tx.Amount
		}
		if tx.RequestID != "" {
			held[tx.RequestID] = h
		}
	}
	return balance
}

// Outstanding returns the credits still held per request in a log.
func Outstanding(txs []Transaction) map[string]int64 {
	held := make(map[string]int64)
	for _, tx := range txs {
		if tx.RequestID == "" {
			continue
		}
		h := held[tx.RequestID]
		switch tx.Kind {
		case TxHold:
			h += tx.Amount
		case TxDebit, TxRefund:
			h -= min(tx.Amount, h)
		}
		if h == 0 {
			delete(held, tx.RequestID)
			continue
		}
		held[tx.RequestID] = h
	}
	return held
}

// InRange reports whether t falls in [from, to); zero bounds are open.
func InRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
