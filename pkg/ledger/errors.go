package ledger

import (
	"errors"
	"fmt"

	"github.com/domino14/skyodds/pkg/lmsr"
)

// Expected, caller-recoverable failures. Match them with errors.Is.
var (
	ErrInvalidParameter   = lmsr.ErrInvalidParameter
	ErrInvalidOutcome     = fmt.Errorf("%w: outcome", ErrInvalidParameter)
	ErrMarketClosed       = errors.New("market closed")
	ErrTooEarly           = errors.New("too early to resolve")
	ErrAlreadyResolved    = errors.New("market already resolved")
	ErrNotResolved        = errors.New("market not resolved")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrTradeOutOfBounds   = errors.New("trade out of bounds")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAlreadyClaimed     = errors.New("already claimed")
	ErrNothingToClaim     = errors.New("nothing to claim")
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketExists       = errors.New("market already exists")
	ErrMarketHalted       = errors.New("market halted")
)

// ErrInvariant marks an internal consistency failure. It means a bug, and the
// affected market stops accepting mutations once it is seen.
var ErrInvariant = errors.New("invariant violation")
