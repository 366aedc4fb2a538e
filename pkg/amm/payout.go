package amm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lithammer/shortuuid"
	"github.com/rs/zerolog/log"

	"github.com/domino14/skyodds/pkg/ledger"
)

// Winnings is a holder's settlement in a resolved market. Gross, Fee and
// Payout cover only positions not yet claimed; WinningShares counts every
// winning position.
type Winnings struct {
	MarketID      string         `json:"market_id"`
	Holder        common.Address `json:"holder"`
	WinningShares float64        `json:"winning_shares"`
	Gross         float64        `json:"gross"`
	Fee           float64        `json:"fee"`
	Payout        float64        `json:"payout"`
	CanClaim      bool           `json:"can_claim"`
}

// tally sums winning shares, split into all and still unclaimed.
func tally(resolved int, positions []*ledger.Position) (all, unclaimed float64, contributing []*ledger.Position) {
	for _, p := range positions {
		if p.Shares <= 0 || !p.Wins(resolved) {
			continue
		}
		all += p.Shares
		if !p.Claimed {
			unclaimed += p.Shares
			contributing = append(contributing, p)
		}
	}
	return all, unclaimed, contributing
}

func (e *Engine) winnings(m *ledger.Market, holder common.Address, positions []*ledger.Position) (Winnings, []*ledger.Position, error) {
	all, unclaimed, contributing := tally(m.ResolvedOutcome, positions)
	w := Winnings{MarketID: m.ID, Holder: holder, WinningShares: all}
	if unclaimed <= 0 {
		return w, nil, nil
	}
	gross, fee, payout, err := settle(unclaimed, e.params.FeeBps)
	if err != nil {
		return Winnings{}, nil, err
	}
	w.Gross, w.Fee, w.Payout = gross, fee, payout
	w.CanClaim = true
	return w, contributing, nil
}

// CalculateWinnings reports what holder could claim from a resolved market.
// It has no side effects.
func (e *Engine) CalculateWinnings(ctx context.Context, marketID string, holder common.Address) (Winnings, error) {
	l, err := e.lookup(marketID)
	if err != nil {
		return Winnings{}, err
	}
	var w Winnings
	err = l.View(func(s ledger.Snapshot) error {
		if s.Market.Status != ledger.Resolved {
			return fmt.Errorf("%w: %s", ledger.ErrNotResolved, s.Market.ID)
		}
		held := s.Positions(holder)
		ps := make([]*ledger.Position, len(held))
		for i := range held {
			ps[i] = &held[i]
		}
		w, _, err = e.winnings(s.Market, holder, ps)
		return err
	})
	return w, err
}

// Claim pays holder for every unclaimed winning position, at most once. The
// claimed flags flip inside the market's exclusive section, so a concurrent
// second claim sees them set and fails with ErrAlreadyClaimed.
func (e *Engine) Claim(ctx context.Context, marketID string, holder common.Address) (Winnings, error) {
	if err := checkHolder(holder); err != nil {
		return Winnings{}, err
	}
	l, err := e.lookup(marketID)
	if err != nil {
		return Winnings{}, err
	}

	var (
		w     Winnings
		claim ledger.ClaimRecord
	)
	persist := func(tx *ledger.Tx) error {
		if e.store == nil {
			return nil
		}
		if err := e.store.SaveClaim(ctx, tx.Market, tx.Dirty(), tx.Claims[0]); err != nil {
			return fmt.Errorf("save claim: %w", err)
		}
		return nil
	}
	err = l.Update(func(tx *ledger.Tx) error {
		m := tx.Market
		if m.Status != ledger.Resolved {
			return fmt.Errorf("%w: %s", ledger.ErrNotResolved, m.ID)
		}
		positions := tx.HolderPositions(holder)
		var contributing []*ledger.Position
		w, contributing, err = e.winnings(m, holder, positions)
		if err != nil {
			return err
		}
		if !w.CanClaim {
			if w.WinningShares > 0 {
				return fmt.Errorf("%w: %s in %s", ledger.ErrAlreadyClaimed, holder.Hex(), m.ID)
			}
			return fmt.Errorf("%w: %s in %s", ledger.ErrNothingToClaim, holder.Hex(), m.ID)
		}
		for _, p := range contributing {
			if p.Claimed {
				return fmt.Errorf("%w: %s in %s", ledger.ErrAlreadyClaimed, holder.Hex(), m.ID)
			}
			p.Claimed = true
		}
		m.Reserve -= w.Gross
		m.FeesCollected += w.Fee

		claim = ledger.ClaimRecord{
			ID:        shortuuid.New(),
			MarketID:  m.ID,
			Holder:    holder,
			Shares:    w.WinningShares,
			Gross:     w.Gross,
			Fee:       w.Fee,
			Payout:    w.Payout,
			Timestamp: e.now().UTC(),
		}
		tx.Claims = append(tx.Claims, claim)
		w.CanClaim = false
		return nil
	}, persist)
	if err != nil {
		e.tradeFailed(ctx, marketID, err)
		return Winnings{}, err
	}

	log.Info().Str("marketID", claim.MarketID).Str("holder", holder.Hex()).
		Float64("payout", claim.Payout).Float64("fee", claim.Fee).Msg("winnings-claimed")

	if e.payer != nil {
		// The claim record is the transfer instruction; a failed transfer is
		// retried from it rather than by re-running the claim.
		if err := e.payer.Pay(ctx, claim); err != nil {
			log.Err(err).Str("claimID", claim.ID).Str("marketID", claim.MarketID).Msg("payout-transfer-failed")
		}
	}
	return w, nil
}
