// Package ledger holds the per-market state of the flight outcome AMM: the
// share quantity vector, holder positions and the trade record stream.
package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/domino14/skyodds/pkg/lmsr"
)

// Outcome indices for flight markets. Index 0 never resolves a market.
const (
	OutcomeNone       = 0
	OutcomeOnTime     = 1
	OutcomeDelayed30  = 2
	OutcomeDelayed120 = 3
	OutcomeCancelled  = 4
)

// FlightOutcomes are the outcome labels every flight market is created with.
var FlightOutcomes = []string{"none", "on_time", "delayed_30", "delayed_120", "cancelled"}

// GracePeriod is how long after scheduled departure a market must wait
// before it can be resolved.
const GracePeriod = 1800 * time.Second

// QuantityTolerance is the absolute float64 tolerance on quantities. Residue
// below it is snapped to zero, and buying then selling the same shares
// restores every quantity to within it.
const QuantityTolerance = 1e-9

type Status int

const (
	Unresolved Status = iota
	Resolved
)

func (s Status) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "unresolved"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "resolved":
		*s = Resolved
	case "unresolved":
		*s = Unresolved
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidParameter, string(b))
	}
	return nil
}

// Side selects which way a position pays. Long pays when its outcome is the
// resolved one. Short pays when any other outcome is. A short position is
// held as a basket of equal long quantities on every other outcome.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	side, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide accepts long/yes and short/no in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "yes":
		return Long, nil
	case "short", "no":
		return Short, nil
	}
	return Long, fmt.Errorf("%w: side %q", ErrInvalidParameter, s)
}

// Flight identifies the scheduled flight a market is about.
type Flight struct {
	Number      string `json:"flight_number"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Airline     string `json:"airline"`
}

// Market is the ledger record for one flight. Quantities has one slot per
// tradable outcome: outcome k lives in slot k-1.
type Market struct {
	ID              string    `json:"id"`
	Flight          Flight    `json:"flight"`
	Outcomes        []string  `json:"outcomes"`
	Liquidity       float64   `json:"liquidity"`
	Quantities      []float64 `json:"quantities"`
	Status          Status    `json:"status"`
	ResolvedOutcome int       `json:"resolved_outcome"`
	DepartureTime   time.Time `json:"departure_time"`
	TotalPool       float64   `json:"total_pool"`
	Reserve         float64   `json:"reserve"`
	Subsidy         float64   `json:"subsidy"`
	FeesCollected   float64   `json:"fees_collected"`
	Sequence        uint64    `json:"sequence"`
	CreatedAt       time.Time `json:"created_at"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
	Halted          bool      `json:"halted"`
}

// NewMarket builds a fresh, unresolved market with all-zero quantities. The
// reserve starts at the LMSR worst-case loss, which is what lets every
// winning share redeem at par.
func NewMarket(id string, flight Flight, outcomes []string, liquidity float64, departure, now time.Time) (*Market, error) {
	if !(liquidity > 0) || math.IsInf(liquidity, 0) {
		return nil, fmt.Errorf("%w: liquidity must be positive, got %v", ErrInvalidParameter, liquidity)
	}
	if len(outcomes) < 3 {
		return nil, fmt.Errorf("%w: need at least two outcomes besides none", ErrInvalidParameter)
	}
	n := len(outcomes) - 1
	subsidy := lmsr.MaxLoss(liquidity, n)
	return &Market{
		ID:            id,
		Flight:        flight,
		Outcomes:      append([]string(nil), outcomes...),
		Liquidity:     liquidity,
		Quantities:    make([]float64, n),
		Status:        Unresolved,
		DepartureTime: departure.UTC(),
		Reserve:       subsidy,
		Subsidy:       subsidy,
		CreatedAt:     now.UTC(),
	}, nil
}

// Slot maps an outcome index to its position in Quantities.
func (m *Market) Slot(outcome int) (int, error) {
	if outcome < 1 || outcome > len(m.Quantities) {
		return 0, fmt.Errorf("%w: %d (market has outcomes 1..%d)", ErrInvalidOutcome, outcome, len(m.Quantities))
	}
	return outcome - 1, nil
}

// Prices returns the current price vector, one entry per tradable outcome.
func (m *Market) Prices() ([]float64, error) {
	return lmsr.Prices(m.Liquidity, m.Quantities)
}

// UnlockTime is the earliest moment the market may be resolved.
func (m *Market) UnlockTime() time.Time {
	return m.DepartureTime.Add(GracePeriod)
}

// CanResolve reports whether the time lock has passed at now.
func (m *Market) CanResolve(now time.Time) bool {
	return !now.Before(m.UnlockTime())
}

// Clone returns a deep copy.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	c.Quantities = append([]float64(nil), m.Quantities...)
	return &c
}

// Check verifies the market's internal invariants.
func (m *Market) Check() error {
	if !(m.Liquidity > 0) {
		return fmt.Errorf("liquidity %v", m.Liquidity)
	}
	if len(m.Quantities) != len(m.Outcomes)-1 {
		return fmt.Errorf("%d quantities for %d outcomes", len(m.Quantities), len(m.Outcomes))
	}
	for i, q := range m.Quantities {
		if q < 0 || math.IsNaN(q) || math.IsInf(q, 0) {
			return fmt.Errorf("quantity %d is %v", i, q)
		}
	}
	if m.Reserve < 0 || math.IsNaN(m.Reserve) {
		return fmt.Errorf("reserve is %v", m.Reserve)
	}
	if m.Status == Resolved {
		if _, err := m.Slot(m.ResolvedOutcome); err != nil {
			return fmt.Errorf("resolved to %d", m.ResolvedOutcome)
		}
	}
	prices, err := m.Prices()
	if err != nil {
		return err
	}
	return lmsr.CheckPrices(prices)
}

func snap(v float64) float64 {
	if math.Abs(v) < QuantityTolerance {
		return 0
	}
	return v
}

// ApplyDelta adds delta to the quantity vector, snapping float residue near
// zero.
func (m *Market) ApplyDelta(delta []float64) {
	for i := range m.Quantities {
		m.Quantities[i] = snap(m.Quantities[i] + delta[i])
	}
}

// PositionKey identifies one position within a market.
type PositionKey struct {
	Holder  common.Address
	Outcome int
	Side    Side
}

// Position is a holder's shares on one outcome and side.
type Position struct {
	MarketID string         `json:"market_id"`
	Holder   common.Address `json:"holder"`
	Outcome  int            `json:"outcome"`
	Side     Side           `json:"side"`
	Shares   float64        `json:"shares"`
	Claimed  bool           `json:"claimed"`
}

func (p *Position) Key() PositionKey {
	return PositionKey{Holder: p.Holder, Outcome: p.Outcome, Side: p.Side}
}

// Wins reports whether the position pays out when the market resolves to
// outcome.
func (p *Position) Wins(outcome int) bool {
	if p.Side == Long {
		return p.Outcome == outcome
	}
	return p.Outcome != outcome
}

type TradeKind string

const (
	Buy  TradeKind = "buy"
	Sell TradeKind = "sell"
)

// TradeRecord is emitted after every trade. Replaying a market's records in
// sequence order is the only way to rebuild its price history.
type TradeRecord struct {
	ID         string         `json:"id"`
	MarketID   string         `json:"market_id"`
	Sequence   uint64         `json:"sequence"`
	Quantities []float64      `json:"quantities"`
	Timestamp  time.Time      `json:"timestamp"`
	Holder     common.Address `json:"holder"`
	Outcome    int            `json:"outcome"`
	Side       Side           `json:"side"`
	Kind       TradeKind      `json:"kind"`
	Shares     float64        `json:"shares"`
	Amount     float64        `json:"amount"`
}

// ClaimRecord is written once per successful claim.
type ClaimRecord struct {
	ID        string         `json:"id"`
	MarketID  string         `json:"market_id"`
	Holder    common.Address `json:"holder"`
	Shares    float64        `json:"shares"`
	Gross     float64        `json:"gross"`
	Fee       float64        `json:"fee"`
	Payout    float64        `json:"payout"`
	Timestamp time.Time      `json:"timestamp"`
}

// Debit removes shares from the position, snapping float residue near zero.
func (p *Position) Debit(shares float64) {
	p.Shares = snap(p.Shares - shares)
}
