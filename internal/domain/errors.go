package domain

import "github.com/pkg/errors"

// input errors
var (
	ErrZeroAmount          = errors.New("amount must be greater than zero")
	ErrAssetNotConfigured  = errors.New("asset is not configured")
	ErrInvalidAsset        = errors.New("invalid asset identifier")
	ErrInvalidHolder       = errors.New("invalid holder identifier")
	ErrInvalidPrecision    = errors.New("invalid precision")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// policy errors
var (
	ErrTransactionLimitExceeded = errors.New("per-transaction limit exceeded")
	ErrAggregateLimitExceeded   = errors.New("aggregate limit exceeded")
)

// oracle errors
var (
	ErrInvalidPriceSource = errors.New("invalid price source")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrStalePrice         = errors.New("stale price")
	ErrPriceUnavailable   = errors.New("price source unavailable")
)

// arithmetic errors
var (
	ErrArithmeticOverflow  = errors.New("arithmetic overflow")
	ErrArithmeticUnderflow = errors.New("arithmetic underflow")
)

var (
	ErrTransferFailed = errors.New("transfer failed")
	ErrReentrantCall  = errors.New("reentrant call")
	ErrUnauthorized   = errors.New("unauthorized")
)

// ErrorCategory is the taxonomy class of a ledger error.
type ErrorCategory string

const (
	CategoryNone          ErrorCategory = ""
	CategoryInput         ErrorCategory = "input"
	CategoryBalance       ErrorCategory = "balance"
	CategoryPolicy        ErrorCategory = "policy"
	CategoryOracle        ErrorCategory = "oracle"
	CategoryArithmetic    ErrorCategory = "arithmetic"
	CategoryTransfer      ErrorCategory = "transfer"
	CategoryConcurrency   ErrorCategory = "concurrency"
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = []struct {
	err      error
	category ErrorCategory
}{
	{ErrZeroAmount, CategoryInput},
	{ErrAssetNotConfigured, CategoryInput},
	{ErrInvalidAsset, CategoryInput},
	{ErrInvalidHolder, CategoryInput},
	{ErrInvalidPrecision, CategoryInput},
	{ErrInsufficientBalance, CategoryBalance},
	{ErrTransactionLimitExceeded, CategoryPolicy},
	{ErrAggregateLimitExceeded, CategoryPolicy},
	{ErrInvalidPriceSource, CategoryOracle},
	{ErrInvalidPrice, CategoryOracle},
	{ErrStalePrice, CategoryOracle},
	{ErrPriceUnavailable, CategoryOracle},
	{ErrArithmeticOverflow, CategoryArithmetic},
	{ErrArithmeticUnderflow, CategoryArithmetic},
	{ErrTransferFailed, CategoryTransfer},
	{ErrReentrantCall, CategoryConcurrency},
	{ErrUnauthorized, CategoryAuthorization},
}

// Category classifies err. Unknown non-nil errors are internal.
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.category
		}
	}
	return CategoryInternal
}
