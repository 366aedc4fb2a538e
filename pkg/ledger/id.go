package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// abi.encode(string, string, string, uint256)
var flightIDArgs = abi.Arguments{
	{Type: mustType("string")},
	{Type: mustType("string")},
	{Type: mustType("string")},
	{Type: mustType("uint256")},
}

// MarketID derives the market id for a scheduled flight. It is the keccak256
// of the ABI-encoded flight number, origin, destination and departure
// (seconds), so the same flight always maps to the same id.
func MarketID(flightNumber, origin, destination string, departure time.Time) (string, error) {
	packed, err := flightIDArgs.Pack(flightNumber, origin, destination, big.NewInt(departure.Unix()))
	if err != nil {
		return "", fmt.Errorf("%w: encode flight id: %v", ErrInvalidParameter, err)
	}
	return crypto.Keccak256Hash(packed).Hex(), nil
}

// NormalizeID lowercases a market id so ids typed by hand compare equal to
// derived ones.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ParseAddress parses a hex holder or authority address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: bad address %q", ErrInvalidParameter, s)
	}
	return common.HexToAddress(s), nil
}
