// Package redis provides a Redis-backed creditgate.Ledger.
//
// Each account is a hash carrying its balance and version. A mutation reads
// the hash, computes the next state with creditgate.Op.Apply, and commits it
// with a Lua script that only writes when the version is unchanged. This
// makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
)

// Store is a Redis-backed Ledger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retry     creditgate.RetryPolicy
	logger    *zap.Logger
}

var _ creditgate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetryPolicy sets how version conflicts are retried.
func WithRetryPolicy(p creditgate.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditgate:",
		retry:     creditgate.DefaultRetryPolicy(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "redis_ledger"))
	return s
}

// Keys of one account share a hash tag so scripts work on Redis Cluster.
func (s *Store) accountKey(id string) string  { return s.keyPrefix + "acct:{" + id + "}" }
func (s *Store) holdsKey(id string) string    { return s.keyPrefix + "holds:{" + id + "}" }
func (s *Store) txKey(id string) string       { return s.keyPrefix + "tx:{" + id + "}" }
func (s *Store) creditedKey(id string) string { return s.keyPrefix + "credited:{" + id + "}" }

// openScript creates an account if it does not exist.
// KEYS[1] = account hash, KEYS[2] = tx list
// ARGV[1] = balance, ARGV[2] = tier, ARGV[3] = upgrade opt-in, ARGV[4] = created_at,
// ARGV[5] = opening tx json ("" for none)
//
// Returns 1 on success, 0 if the account exists.
var openScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "balance", ARGV[1], "version", 1, "tier", ARGV[2], "upgrade_opt_in", ARGV[3], "created_at", ARGV[4])
if ARGV[5] ~= "" then
    redis.call("RPUSH", KEYS[2], ARGV[5])
end
return 1
`)

// casScript commits a mutation if the account version is unchanged.
// KEYS[1] = account hash, KEYS[2] = holds hash, KEYS[3] = tx list, KEYS[4] = credited set
// ARGV[1] = expected version
// ARGV[2] = new balance
// ARGV[3] = request id ("" for none)
// ARGV[4] = new outstanding hold for the request
// ARGV[5] = tx json
// ARGV[6] = "1" if the request id must be credited at most once
//
// Returns:
//
//	1  = committed
//	0  = version conflict
//	-1 = request already credited
//	-2 = account not found
var casScript = goredis.NewScript(`
local version = redis.call("HGET", KEYS[1], "version")
if not version then
    return -2
end
if tonumber(version) ~= tonumber(ARGV[1]) then
    return 0
end
if ARGV[6] == "1" then
    if redis.call("SADD", KEYS[4], ARGV[3]) == 0 then
        return -1
    end
end
redis.call("HSET", KEYS[1], "balance", ARGV[2], "version", tonumber(version) + 1)
if ARGV[3] ~= "" then
    if tonumber(ARGV[4]) == 0 then
        redis.call("HDEL", KEYS[2], ARGV[3])
    else
        redis.call("HSET", KEYS[2], ARGV[3], ARGV[4])
    end
end
redis.call("RPUSH", KEYS[3], ARGV[5])
return 1
`)

// OpenAccount creates an account with its opening balance.
func (s *Store) OpenAccount(ctx context.Context, acct creditgate.Account) error {
	if acct.ID == "" {
		return fmt.Errorf("creditgate/redis: account id is required")
	}
	if acct.Balance < 0 {
		return fmt.Errorf("%w: opening balance %d", creditgate.ErrNegativeAmount, acct.Balance)
	}
	if acct.Tier == "" {
		acct.Tier = creditgate.AccountBasic
	}
	now := time.Now().UTC()

	opening := ""
	if acct.Balance > 0 {
		data, err := json.Marshal(creditgate.Transaction{
			ID:           uuid.New().String(),
			AccountID:    acct.ID,
			Kind:         creditgate.TxCredit,
			Amount:       acct.Balance,
			Reason:       creditgate.ReasonOpeningBalance,
			BalanceAfter: acct.Balance,
			CreatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("creditgate/redis: marshal opening tx: %w", err)
		}
		opening = string(data)
	}

	optIn := "0"
	if acct.UpgradeOptIn {
		optIn = "1"
	}

	res, err := openScript.Run(ctx, s.client,
		[]string{s.accountKey(acct.ID), s.txKey(acct.ID)},
		acct.Balance, string(acct.Tier), optIn, now.UnixNano(), opening,
	).Int64()
	if err != nil {
		return fmt.Errorf("creditgate/redis: open account: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", creditgate.ErrAccountExists, acct.ID)
	}
	return nil
}

// Hold reserves amount for requestID.
func (s *Store) Hold(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	tx, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxHold, Amount: amount, RequestID: requestID})
	return tx.ID, err
}

// Debit charges amount against the request's hold, then the balance.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	tx, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxDebit, Amount: amount, RequestID: requestID})
	return tx.ID, err
}

// Refund returns amount to the balance.
func (s *Store) Refund(ctx context.Context, accountID string, amount int64, requestID string) (string, error) {
	tx, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxRefund, Amount: amount, RequestID: requestID})
	return tx.ID, err
}

// Release refunds whatever is still held for requestID.
func (s *Store) Release(ctx context.Context, accountID string, requestID string) (string, int64, error) {
	tx, err := s.mutate(ctx, accountID, creditgate.Op{
		Kind:       creditgate.TxRefund,
		RequestID:  requestID,
		Reason:     creditgate.ReasonRelease,
		ReleaseAll: true,
	})
	return tx.ID, tx.Amount, err
}

// Credit adds amount to the balance, at most once per request id.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64, requestID, reason string) (string, error) {
	tx, err := s.mutate(ctx, accountID, creditgate.Op{Kind: creditgate.TxCredit, Amount: amount, RequestID: requestID, Reason: reason})
	return tx.ID, err
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
	vals, err := s.client.HMGet(ctx, s.accountKey(accountID),
		"balance", "version", "tier", "upgrade_opt_in", "created_at").Result()
	if err != nil {
		return creditgate.Account{}, fmt.Errorf("creditgate/redis: account: %w", err)
	}
	if vals[0] == nil {
		return creditgate.Account{}, fmt.Errorf("%w: %s", creditgate.ErrAccountNotFound, accountID)
	}

	balance, _ := strconv.ParseInt(str(vals[0]), 10, 64)
	version, _ := strconv.ParseInt(str(vals[1]), 10, 64)
	createdAt, _ := strconv.ParseInt(str(vals[4]), 10, 64)

	return creditgate.Account{
		ID:           accountID,
		Balance:      balance,
		Tier:         creditgate.AccountTier(str(vals[2])),
		Version:      version,
		UpgradeOptIn: str(vals[3]) == "1",
		CreatedAt:    time.Unix(0, createdAt).UTC(),
	}, nil
}

// History returns the account's transactions in [from, to), oldest first.
func (s *Store) History(ctx context.Context, accountID string, from, to time.Time) ([]creditgate.Transaction, error) {
	exists, err := s.client.Exists(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: history: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", creditgate.ErrAccountNotFound, accountID)
	}

	raw, err := s.client.LRange(ctx, s.txKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: history: %w", err)
	}

	txs := make([]creditgate.Transaction, 0, len(raw))
	for _, r := range raw {
		var tx creditgate.Transaction
		if err := json.Unmarshal([]byte(r), &tx); err != nil {
			return nil, fmt.Errorf("creditgate/redis: decode tx: %w", err)
		}
		if creditgate.InRange(tx.CreatedAt, from, to) {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (s *Store) mutate(ctx context.Context, accountID string, op creditgate.Op) (creditgate.Transaction, error) {
	var tx creditgate.Transaction
	err := creditgate.RetryConflicts(ctx, s.retry, func() error {
		var err error
		tx, err = s.tryMutate(ctx, accountID, op)
		if errors.Is(err, creditgate.ErrLedgerConflict) {
			s.logger.Debug("ledger cas conflict", zap.String("account_id", accountID))
		}
		return err
	})
	return tx, err
}

func (s *Store) tryMutate(ctx context.Context, accountID string, op creditgate.Op) (creditgate.Transaction, error) {
	pipe := s.client.Pipeline()
	stateCmd := pipe.HMGet(ctx, s.accountKey(accountID), "balance", "version")
	var heldCmd *goredis.StringCmd
	if op.RequestID != "" {
		heldCmd = pipe.HGet(ctx, s.holdsKey(accountID), op.RequestID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/redis: read state: %w", err)
	}

	vals := stateCmd.Val()
	if len(vals) < 2 || vals[0] == nil {
		return creditgate.Transaction{}, fmt.Errorf("%w: %s", creditgate.ErrAccountNotFound, accountID)
	}
	balance, _ := strconv.ParseInt(str(vals[0]), 10, 64)
	version, _ := strconv.ParseInt(str(vals[1]), 10, 64)

	var held int64
	if heldCmd != nil {
		if v, err := heldCmd.Int64(); err == nil {
			held = v
		}
	}

	newBalance, newHeld, amount, err := op.Apply(accountID, balance, held)
	if err != nil {
		return creditgate.Transaction{}, err
	}
	if op.ReleaseAll && amount == 0 {
		return creditgate.Transaction{}, nil
	}

	tx := creditgate.Transaction{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         op.Kind,
		Amount:       amount,
		RequestID:    op.RequestID,
		Reason:       op.Reason,
		BalanceAfter: newBalance,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/redis: marshal tx: %w", err)
	}

	onceOnly := "0"
	if op.Kind == creditgate.TxCredit && op.RequestID != "" {
		onceOnly = "1"
	}

	res, err := casScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.holdsKey(accountID), s.txKey(accountID), s.creditedKey(accountID)},
		version, newBalance, op.RequestID, newHeld, string(data), onceOnly,
	).Int64()
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/redis: commit: %w", err)
	}

	switch res {
	case 1:
		return tx, nil
	case 0:
		return creditgate.Transaction{}, creditgate.ErrLedgerConflict
	case -1:
		return creditgate.Transaction{}, fmt.Errorf("%w: %s", creditgate.ErrDuplicateCredit, op.RequestID)
	case -2:
		return creditgate.Transaction{}, fmt.Errorf("%w: %s", creditgate.ErrAccountNotFound, accountID)
	default:
		return creditgate.Transaction{}, fmt.Errorf("creditgate/redis: unexpected commit result: %d", res)
	}
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
