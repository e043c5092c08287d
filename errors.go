package creditgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrClassification      = errors.New("creditgate: malformed request")
	ErrInsufficientFunds   = errors.New("creditgate: insufficient funds")
	ErrNoEligibleProvider  = errors.New("creditgate: no eligible provider")
	ErrProviderUnavailable = errors.New("creditgate: provider unavailable")
	ErrLedgerConflict      = errors.New("creditgate: ledger version conflict")
	ErrAccountNotFound     = errors.New("creditgate: account not found")
	ErrAccountExists       = errors.New("creditgate: account already exists")
	ErrNegativeAmount      = errors.New("creditgate: negative amount")
	ErrDuplicateCredit     = errors.New("creditgate: request already credited")
	ErrRecordNotFound      = errors.New("creditgate: request record not found")
	ErrInvalidTransition   = errors.New("creditgate: invalid request state transition")

	// Provider adapters classify upstream failures with these.
	ErrRateLimited    = errors.New("creditgate: rate limited by provider")
	ErrAuthFailed     = errors.New("creditgate: provider authentication failed")
	ErrInvalidRequest = errors.New("creditgate: provider rejected request")
)

// ClassificationError reports a request that cannot be classified.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("creditgate: malformed request: %s", e.Reason)
}

func (e *ClassificationError) Unwrap() error { return ErrClassification }

// InsufficientFundsError reports that an account cannot cover a cost.
type InsufficientFundsError struct {
	AccountID string
	Required  int64
	Available int64
}

// Shortfall is how many credits the account is missing.
func (e *InsufficientFundsError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("creditgate: insufficient funds: account=%s required=%d available=%d shortfall=%d",
		e.AccountID, e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// NoEligibleProviderError reports that no provider serves the tier even after widening.
type NoEligibleProviderError struct {
	Tier QualityTier
}

func (e *NoEligibleProviderError) Error() string {
	return fmt.Sprintf("creditgate: no eligible provider for tier %s", e.Tier)
}

func (e *NoEligibleProviderError) Unwrap() error { return ErrNoEligibleProvider }

// ProviderUnavailableError reports an exhausted fallback chain.
type ProviderUnavailableError struct {
	RequestID string
	Attempts  int
	Last      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("creditgate: provider unavailable: request=%s attempts=%d: %v",
		e.RequestID, e.Attempts, e.Last)
}

func (e *ProviderUnavailableError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrProviderUnavailable}
	}
	return []error{ErrProviderUnavailable, e.Last}
}

// IsFatal returns true if the error should not be retried with another candidate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the caller may retry the request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrLedgerConflict)
}
