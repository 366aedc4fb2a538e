package amm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/domino14/skyodds/pkg/ledger"
	"github.com/domino14/skyodds/pkg/lmsr"
)

// PricePoint is a market's prices right after one trade. Sequence 0 is the
// market's opening state.
type PricePoint struct {
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Quantities []float64 `json:"quantities"`
	Prices     []float64 `json:"prices"`
}

// Replay rebuilds a price history from trade records. Records may arrive in
// any order; they are applied by sequence and duplicates are dropped.
func Replay(b float64, n int, createdAt time.Time, records []ledger.TradeRecord) ([]PricePoint, error) {
	sorted := append([]ledger.TradeRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	q0 := make([]float64, n)
	p0, err := lmsr.Prices(b, q0)
	if err != nil {
		return nil, err
	}
	out := []PricePoint{{Timestamp: createdAt, Quantities: q0, Prices: p0}}

	var last uint64
	for _, rec := range sorted {
		if rec.Sequence == last {
			continue
		}
		if len(rec.Quantities) != n {
			return nil, fmt.Errorf("%w: record %d has %d quantities, want %d",
				ledger.ErrInvalidParameter, rec.Sequence, len(rec.Quantities), n)
		}
		prices, err := lmsr.Prices(b, rec.Quantities)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Sequence, err)
		}
		out = append(out, PricePoint{
			Sequence:   rec.Sequence,
			Timestamp:  rec.Timestamp,
			Quantities: append([]float64(nil), rec.Quantities...),
			Prices:     prices,
		})
		last = rec.Sequence
	}
	return out, nil
}

// History returns a market's price history from its trade records.
func (e *Engine) History(ctx context.Context, marketID string) ([]PricePoint, error) {
	l, err := e.lookup(marketID)
	if err != nil {
		return nil, err
	}
	var (
		m      *ledger.Market
		trades []ledger.TradeRecord
	)
	if err := l.View(func(s ledger.Snapshot) error {
		m = s.Market.Clone()
		trades = s.Trades()
		return nil
	}); err != nil {
		return nil, err
	}
	return Replay(m.Liquidity, len(m.Quantities), m.CreatedAt, trades)
}

// Trades returns a market's trade records in sequence order.
func (e *Engine) Trades(ctx context.Context, marketID string) ([]ledger.TradeRecord, error) {
	l, err := e.lookup(marketID)
	if err != nil {
		return nil, err
	}
	var trades []ledger.TradeRecord
	err = l.View(func(s ledger.Snapshot) error {
		trades = s.Trades()
		return nil
	})
	return trades, err
}
