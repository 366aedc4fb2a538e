package ledger

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Ledger owns one market, its positions and its trade records. Reads run
// under a shared lock and see a consistent snapshot. Writes run on a copy
// under the exclusive lock and become visible only once they succeed.
type Ledger struct {
	mu        sync.RWMutex
	market    *Market
	positions map[common.Address]map[PositionKey]*Position
	trades    []TradeRecord
}

// New wraps a market together with any positions and trades already on
// record for it.
func New(m *Market, positions []Position, trades []TradeRecord) *Ledger {
	l := &Ledger{
		market:    m.Clone(),
		positions: make(map[common.Address]map[PositionKey]*Position),
		trades:    append([]TradeRecord(nil), trades...),
	}
	for i := range positions {
		p := positions[i]
		l.put(&p)
	}
	return l
}

func (l *Ledger) put(p *Position) {
	byHolder, ok := l.positions[p.Holder]
	if !ok {
		byHolder = make(map[PositionKey]*Position)
		l.positions[p.Holder] = byHolder
	}
	byHolder[p.Key()] = p
}

// Snapshot is a read-only, consistent view of a ledger.
type Snapshot struct {
	Market *Market
	l      *Ledger
}

// Positions returns copies of every position held by holder, in a stable
// order.
func (s Snapshot) Positions(holder common.Address) []Position {
	out := []Position{}
	for _, p := range s.l.positions[holder] {
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

// Trades returns a copy of the market's trade records in sequence order.
func (s Snapshot) Trades() []TradeRecord {
	out := make([]TradeRecord, len(s.l.trades))
	copy(out, s.l.trades)
	return out
}

// View runs fn against a consistent snapshot. fn must not keep the market
// pointer after it returns.
func (l *Ledger) View(fn func(Snapshot) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(Snapshot{Market: l.market, l: l})
}

// Market returns a copy of the current market record.
func (l *Ledger) Market() *Market {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.market.Clone()
}

// Tx is a pending mutation of one ledger. Market is a private copy; positions
// are copied on first touch.
type Tx struct {
	Market *Market
	Trades []TradeRecord
	Claims []ClaimRecord

	base  map[common.Address]map[PositionKey]*Position
	dirty map[PositionKey]*Position
}

// Position returns the pending copy of a position, creating an empty one if
// the holder has none yet.
func (tx *Tx) Position(key PositionKey) *Position {
	if p, ok := tx.dirty[key]; ok {
		return p
	}
	p := &Position{MarketID: tx.Market.ID, Holder: key.Holder, Outcome: key.Outcome, Side: key.Side}
	if existing, ok := tx.base[key.Holder][key]; ok {
		*p = *existing
	}
	tx.dirty[key] = p
	return p
}

// HolderPositions returns pending copies of every position held by holder.
func (tx *Tx) HolderPositions(holder common.Address) []*Position {
	out := []*Position{}
	for key := range tx.base[holder] {
		out = append(out, tx.Position(key))
	}
	for key, p := range tx.dirty {
		if key.Holder == holder {
			if _, ok := tx.base[holder][key]; !ok {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return positionLess(out[i], out[j]) })
	return out
}

// Dirty returns every position touched by the transaction.
func (tx *Tx) Dirty() []Position {
	out := make([]Position, 0, len(tx.dirty))
	for _, p := range tx.dirty {
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

func (tx *Tx) check() error {
	if err := tx.Market.Check(); err != nil {
		return err
	}
	for _, p := range tx.dirty {
		if p.Shares < 0 {
			return fmt.Errorf("position %s/%d/%s has %v shares", p.Holder.Hex(), p.Outcome, p.Side, p.Shares)
		}
	}
	return nil
}

// Update applies mutate to a copy of the ledger, checks invariants, hands
// the result to persist and only then makes it visible. Any error leaves the
// ledger untouched. An invariant failure halts the market for good.
func (l *Ledger) Update(mutate func(*Tx) error, persist func(*Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.market.Halted {
		return fmt.Errorf("%w: %s", ErrMarketHalted, l.market.ID)
	}
	tx := &Tx{
		Market: l.market.Clone(),
		base:   l.positions,
		dirty:  make(map[PositionKey]*Position),
	}
	if err := mutate(tx); err != nil {
		return err
	}
	if err := tx.check(); err != nil {
		l.market.Halted = true
		log.Error().Err(err).Str("marketID", l.market.ID).Msg("market-halted")
		return fmt.Errorf("%w: market %s: %v", ErrInvariant, l.market.ID, err)
	}
	if persist != nil {
		if err := persist(tx); err != nil {
			return err
		}
	}

	l.market = tx.Market
	for _, p := range tx.dirty {
		l.put(p)
	}
	l.trades = append(l.trades, tx.Trades...)
	return nil
}

func positionLess(a, b *Position) bool {
	if c := bytes.Compare(a.Holder[:], b.Holder[:]); c != 0 {
		return c < 0
	}
	if a.Outcome != b.Outcome {
		return a.Outcome < b.Outcome
	}
	return a.Side < b.Side
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return positionLess(&ps[i], &ps[j]) })
}
