package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matryer/is"
)

var (
	departure = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestLedger(t *testing.T) *Ledger {
	id, err := MarketID("UA123", "SFO", "JFK", departure)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMarket(id, Flight{Number: "UA123", Origin: "SFO", Destination: "JFK", Airline: "UA"},
		FlightOutcomes, 100, departure, departure.Add(-48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return New(m, nil, nil)
}

func TestMarketIDDeterministic(t *testing.T) {
	is := is.New(t)
	a, err := MarketID("UA123", "SFO", "JFK", departure)
	is.NoErr(err)
	b, err := MarketID("UA123", "SFO", "JFK", departure.In(time.FixedZone("PST", -8*3600)))
	is.NoErr(err)
	is.Equal(a, b)
	is.Equal(len(a), 66)
	is.Equal(a[:2], "0x")

	c, err := MarketID("UA123", "SFO", "JFK", departure.Add(time.Minute))
	is.NoErr(err)
	is.True(a != c)
	d, err := MarketID("UA124", "SFO", "JFK", departure)
	is.NoErr(err)
	is.True(a != d)
}

func TestNewMarket(t *testing.T) {
	is := is.New(t)
	l := newTestLedger(t)
	m := l.Market()
	is.Equal(m.Quantities, []float64{0, 0, 0, 0})
	is.Equal(m.Status, Unresolved)
	is.True(m.Reserve > 138 && m.Reserve < 139) // 100 * ln 4
	prices, err := m.Prices()
	is.NoErr(err)
	is.Equal(prices, []float64{0.25, 0.25, 0.25, 0.25})
	is.Equal(m.UnlockTime(), departure.Add(30*time.Minute))
	is.True(!m.CanResolve(departure))
	is.True(m.CanResolve(departure.Add(30 * time.Minute)))
}

func TestNewMarketRejectsBadLiquidity(t *testing.T) {
	is := is.New(t)
	_, err := NewMarket("x", Flight{}, FlightOutcomes, 0, departure, departure)
	is.True(errors.Is(err, ErrInvalidParameter))
	_, err = NewMarket("x", Flight{}, []string{"none", "only"}, 10, departure, departure)
	is.True(errors.Is(err, ErrInvalidParameter))
}

func TestSlot(t *testing.T) {
	is := is.New(t)
	m := newTestLedger(t).Market()
	slot, err := m.Slot(OutcomeCancelled)
	is.NoErr(err)
	is.Equal(slot, 3)
	_, err = m.Slot(OutcomeNone)
	is.True(errors.Is(err, ErrInvalidOutcome))
	_, err = m.Slot(5)
	is.True(errors.Is(err, ErrInvalidOutcome))
	is.True(errors.Is(err, ErrInvalidParameter))
}

func TestParseSide(t *testing.T) {
	is := is.New(t)
	s, err := ParseSide("YES")
	is.NoErr(err)
	is.Equal(s, Long)
	s, err = ParseSide(" no ")
	is.NoErr(err)
	is.Equal(s, Short)
	_, err = ParseSide("maybe")
	is.True(errors.Is(err, ErrInvalidParameter))
}

func TestPositionWins(t *testing.T) {
	is := is.New(t)
	long := Position{Outcome: OutcomeOnTime, Side: Long}
	short := Position{Outcome: OutcomeOnTime, Side: Short}
	is.True(long.Wins(OutcomeOnTime))
	is.True(!long.Wins(OutcomeCancelled))
	is.True(!short.Wins(OutcomeOnTime))
	is.True(short.Wins(OutcomeCancelled))
}

func TestUpdateAppliesOnSuccess(t *testing.T) {
	is := is.New(t)
	l := newTestLedger(t)
	key := PositionKey{Holder: alice, Outcome: OutcomeOnTime, Side: Long}
	err := l.Update(func(tx *Tx) error {
		tx.Market.ApplyDelta([]float64{10, 0, 0, 0})
		tx.Position(key).Shares = 10
		tx.Trades = append(tx.Trades, TradeRecord{MarketID: tx.Market.ID, Sequence: 1})
		return nil
	}, nil)
	is.NoErr(err)

	err = l.View(func(s Snapshot) error {
		is.Equal(s.Market.Quantities, []float64{10, 0, 0, 0})
		ps := s.Positions(alice)
		is.Equal(len(ps), 1)
		is.Equal(ps[0].Shares, 10.0)
		is.Equal(len(s.Positions(bob)), 0)
		is.Equal(len(s.Trades()), 1)
		return nil
	})
	is.NoErr(err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	is := is.New(t)
	l := newTestLedger(t)
	boom := errors.New("boom")

	err := l.Update(func(tx *Tx) error {
		tx.Market.ApplyDelta([]float64{10, 0, 0, 0})
		return nil
	}, func(tx *Tx) error {
		return boom
	})
	is.Equal(err, boom)
	is.Equal(l.Market().Quantities, []float64{0, 0, 0, 0})

	err = l.Update(func(tx *Tx) error {
		tx.Market.ApplyDelta([]float64{10, 0, 0, 0})
		tx.Position(PositionKey{Holder: alice, Outcome: 1}).Shares = 3
		return ErrTradeOutOfBounds
	}, nil)
	is.True(errors.Is(err, ErrTradeOutOfBounds))
	is.Equal(l.Market().Quantities, []float64{0, 0, 0, 0})
	is.NoErr(l.View(func(s Snapshot) error {
		is.Equal(len(s.Positions(alice)), 0)
		return nil
	}))
}

func TestInvariantViolationHaltsMarket(t *testing.T) {
	is := is.New(t)
	l := newTestLedger(t)
	err := l.Update(func(tx *Tx) error {
		tx.Market.Quantities[2] = -5
		return nil
	}, nil)
	is.True(errors.Is(err, ErrInvariant))
	is.True(l.Market().Halted)
	is.Equal(l.Market().Quantities, []float64{0, 0, 0, 0})

	err = l.Update(func(tx *Tx) error { return nil }, nil)
	is.True(errors.Is(err, ErrMarketHalted))
}

func TestNegativePositionIsInvariantViolation(t *testing.T) {
	is := is.New(t)
	l := newTestLedger(t)
	err := l.Update(func(tx *Tx) error {
		tx.Position(PositionKey{Holder: bob, Outcome: 2, Side: Short}).Shares = -1
		return nil
	}, nil)
	is.True(errors.Is(err, ErrInvariant))
}

func TestHolderPositionsIncludesNewAndExisting(t *testing.T) {
	is := is.New(t)
	l := New(newTestLedger(t).Market(), []Position{
		{Holder: alice, Outcome: 2, Side: Long, Shares: 4},
	}, nil)
	err := l.Update(func(tx *Tx) error {
		tx.Position(PositionKey{Holder: alice, Outcome: 1, Side: Short}).Shares = 2
		ps := tx.HolderPositions(alice)
		is.Equal(len(ps), 2)
		is.Equal(ps[0].Outcome, 1)
		is.Equal(ps[1].Outcome, 2)
		return nil
	}, nil)
	is.NoErr(err)
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	is := is.New(t)
	l := newTestLedger(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Update(func(tx *Tx) error {
				tx.Market.ApplyDelta([]float64{1, 0, 0, 0})
				tx.Market.Sequence++
				return nil
			}, nil)
			is.NoErr(err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			is.NoErr(l.View(func(s Snapshot) error {
				is.Equal(float64(s.Market.Sequence), s.Market.Quantities[0])
				return nil
			}))
		}()
	}
	wg.Wait()
	is.Equal(l.Market().Quantities[0], 50.0)
}
