package amm

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lithammer/shortuuid"
	"github.com/rs/zerolog/log"

	"github.com/domino14/skyodds/pkg/ledger"
	"github.com/domino14/skyodds/pkg/lmsr"
)

type BuyRequest struct {
	MarketID string         `json:"market_id"`
	Holder   common.Address `json:"holder"`
	Outcome  int            `json:"outcome"`
	Side     ledger.Side    `json:"side"`
	Payment  float64        `json:"payment"`
}

type SellRequest struct {
	MarketID string         `json:"market_id"`
	Holder   common.Address `json:"holder"`
	Outcome  int            `json:"outcome"`
	Side     ledger.Side    `json:"side"`
	Shares   float64        `json:"shares"`
}

// TradeResult is what a committed trade produced.
type TradeResult struct {
	Record   ledger.TradeRecord `json:"record"`
	Prices   []float64          `json:"prices"`
	Position ledger.Position    `json:"position"`
}

func (e *Engine) checkPayment(payment float64) error {
	if math.IsNaN(payment) || payment < e.params.MinTrade || payment > e.params.MaxTrade {
		return fmt.Errorf("%w: payment %v outside [%v, %v]", ledger.ErrTradeOutOfBounds,
			payment, e.params.MinTrade, e.params.MaxTrade)
	}
	return nil
}

// checkTradable rejects a trade whose resulting prices leave the open
// interval (0,1). It returns the prices at q otherwise.
func checkTradable(b float64, q []float64) ([]float64, error) {
	prices, err := lmsr.Prices(b, q)
	if err != nil {
		return nil, err
	}
	if err := lmsr.CheckPrices(prices); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrTradeOutOfBounds, err)
	}
	return prices, nil
}

func checkHolder(holder common.Address) error {
	if holder == (common.Address{}) {
		return fmt.Errorf("%w: missing holder", ledger.ErrInvalidParameter)
	}
	return nil
}

// Buy spends payment on shares of one outcome and side. The share amount is
// the unique one whose LMSR cost equals the payment.
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (TradeResult, error) {
	if err := checkHolder(req.Holder); err != nil {
		return TradeResult{}, err
	}
	if err := e.checkPayment(req.Payment); err != nil {
		return TradeResult{}, err
	}
	l, err := e.lookup(req.MarketID)
	if err != nil {
		return TradeResult{}, err
	}

	var res TradeResult
	err = l.Update(func(tx *ledger.Tx) error {
		m := tx.Market
		if m.Status == ledger.Resolved {
			return fmt.Errorf("%w: %s", ledger.ErrMarketClosed, m.ID)
		}
		slot, err := m.Slot(req.Outcome)
		if err != nil {
			return err
		}
		short := req.Side == ledger.Short
		shares, err := lmsr.SharesForPayment(m.Liquidity, m.Quantities, slot, req.Payment, short)
		if err != nil {
			return err
		}
		delta := lmsr.Delta(len(m.Quantities), slot, shares, short)
		if _, err := checkTradable(m.Liquidity, lmsr.Apply(m.Quantities, delta)); err != nil {
			return err
		}
		m.ApplyDelta(delta)
		m.TotalPool += req.Payment
		m.Reserve += req.Payment

		pos := tx.Position(ledger.PositionKey{Holder: req.Holder, Outcome: req.Outcome, Side: req.Side})
		pos.Shares += shares
		res = e.record(tx, pos, ledger.Buy, shares, req.Payment)
		return nil
	}, e.persistTrade(ctx))
	if err != nil {
		e.tradeFailed(ctx, req.MarketID, err)
		return TradeResult{}, err
	}

	log.Info().Str("marketID", res.Record.MarketID).Uint64("seq", res.Record.Sequence).
		Str("holder", req.Holder.Hex()).Int("outcome", req.Outcome).Str("side", req.Side.String()).
		Float64("payment", req.Payment).Float64("shares", res.Record.Shares).Msg("buy-executed")
	e.publish(ctx, res.Record)
	return res, nil
}

// Sell returns shares to the market maker and pays back C(q) - C(q'),
// truncated to the settlement precision.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (TradeResult, error) {
	if err := checkHolder(req.Holder); err != nil {
		return TradeResult{}, err
	}
	if !(req.Shares > 0) || math.IsInf(req.Shares, 0) {
		return TradeResult{}, fmt.Errorf("%w: shares must be positive, got %v", ledger.ErrInvalidParameter, req.Shares)
	}
	l, err := e.lookup(req.MarketID)
	if err != nil {
		return TradeResult{}, err
	}

	var res TradeResult
	err = l.Update(func(tx *ledger.Tx) error {
		m := tx.Market
		if m.Status == ledger.Resolved {
			return fmt.Errorf("%w: %s", ledger.ErrMarketClosed, m.ID)
		}
		slot, err := m.Slot(req.Outcome)
		if err != nil {
			return err
		}
		pos := tx.Position(ledger.PositionKey{Holder: req.Holder, Outcome: req.Outcome, Side: req.Side})
		if req.Shares > pos.Shares+1e-9 {
			return fmt.Errorf("%w: holding %v, selling %v", ledger.ErrInsufficientShares, pos.Shares, req.Shares)
		}
		shares := math.Min(req.Shares, pos.Shares)
		short := req.Side == ledger.Short
		proceeds, err := lmsr.SaleProceeds(m.Liquidity, m.Quantities, slot, shares, short)
		if err != nil {
			return err
		}
		if proceeds, err = floorSettlement(proceeds); err != nil {
			return err
		}
		delta := lmsr.Delta(len(m.Quantities), slot, -shares, short)
		if _, err := checkTradable(m.Liquidity, lmsr.Apply(m.Quantities, delta)); err != nil {
			return err
		}
		m.ApplyDelta(delta)
		m.Reserve -= proceeds
		pos.Debit(shares)
		res = e.record(tx, pos, ledger.Sell, shares, proceeds)
		return nil
	}, e.persistTrade(ctx))
	if err != nil {
		e.tradeFailed(ctx, req.MarketID, err)
		return TradeResult{}, err
	}

	log.Info().Str("marketID", res.Record.MarketID).Uint64("seq", res.Record.Sequence).
		Str("holder", req.Holder.Hex()).Int("outcome", req.Outcome).Str("side", req.Side.String()).
		Float64("shares", res.Record.Shares).Float64("proceeds", res.Record.Amount).Msg("sell-executed")
	e.publish(ctx, res.Record)
	return res, nil
}

// record stamps the next sequence number on the market and appends the
// trade record carrying the full new quantity vector.
func (e *Engine) record(tx *ledger.Tx, pos *ledger.Position, kind ledger.TradeKind, shares, amount float64) TradeResult {
	m := tx.Market
	m.Sequence++
	rec := ledger.TradeRecord{
		ID:         shortuuid.New(),
		MarketID:   m.ID,
		Sequence:   m.Sequence,
		Quantities: append([]float64(nil), m.Quantities...),
		Timestamp:  e.now().UTC(),
		Holder:     pos.Holder,
		Outcome:    pos.Outcome,
		Side:       pos.Side,
		Kind:       kind,
		Shares:     shares,
		Amount:     amount,
	}
	tx.Trades = append(tx.Trades, rec)
	prices, _ := m.Prices()
	return TradeResult{Record: rec, Prices: prices, Position: *pos}
}

func (e *Engine) persistTrade(ctx context.Context) func(*ledger.Tx) error {
	if e.store == nil {
		return nil
	}
	return func(tx *ledger.Tx) error {
		if err := e.store.SaveTrade(ctx, tx.Market, tx.Dirty(), tx.Trades[0]); err != nil {
			return fmt.Errorf("save trade: %w", err)
		}
		return nil
	}
}

func (e *Engine) tradeFailed(ctx context.Context, marketID string, err error) {
	if errors.Is(err, ledger.ErrInvariant) {
		e.halted(ctx, ledger.NormalizeID(marketID), err)
	}
}

func (e *Engine) publish(ctx context.Context, rec ledger.TradeRecord) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, rec); err != nil {
		log.Err(err).Str("marketID", rec.MarketID).Uint64("seq", rec.Sequence).Msg("publish-trade-failed")
	}
}

// Quote previews a buy without executing it.
type Quote struct {
	Shares          float64   `json:"shares"`
	AveragePrice    float64   `json:"average_price"`
	PriceBefore     float64   `json:"price_before"`
	PriceAfter      float64   `json:"price_after"`
	NewPrices       []float64 `json:"new_prices"`
	PotentialPayout float64   `json:"potential_payout"`
}

// Quote returns what a buy of payment on outcome and side would get at the
// current quantities.
func (e *Engine) Quote(ctx context.Context, marketID string, outcome int, side ledger.Side, payment float64) (Quote, error) {
	if err := e.checkPayment(payment); err != nil {
		return Quote{}, err
	}
	l, err := e.lookup(marketID)
	if err != nil {
		return Quote{}, err
	}
	var q Quote
	err = l.View(func(s ledger.Snapshot) error {
		m := s.Market
		if m.Status == ledger.Resolved {
			return fmt.Errorf("%w: %s", ledger.ErrMarketClosed, m.ID)
		}
		slot, err := m.Slot(outcome)
		if err != nil {
			return err
		}
		short := side == ledger.Short
		shares, err := lmsr.SharesForPayment(m.Liquidity, m.Quantities, slot, payment, short)
		if err != nil {
			return err
		}
		before, err := m.Prices()
		if err != nil {
			return err
		}
		after, err := checkTradable(m.Liquidity, lmsr.Apply(m.Quantities, lmsr.Delta(len(m.Quantities), slot, shares, short)))
		if err != nil {
			return err
		}
		q = Quote{
			Shares:          shares,
			AveragePrice:    payment / shares,
			PriceBefore:     sidePrice(before, slot, short),
			PriceAfter:      sidePrice(after, slot, short),
			NewPrices:       after,
			PotentialPayout: shares,
		}
		return nil
	})
	return q, err
}

func sidePrice(prices []float64, slot int, short bool) float64 {
	if short {
		return 1 - prices[slot]
	}
	return prices[slot]
}
