package amm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/domino14/skyodds/pkg/ledger"
)

// Authority is the fixed allow-list of identities that may resolve markets.
type Authority struct {
	allowed map[common.Address]struct{}
}

func NewAuthority(addrs ...common.Address) *Authority {
	a := &Authority{allowed: make(map[common.Address]struct{}, len(addrs))}
	for _, addr := range addrs {
		a.allowed[addr] = struct{}{}
	}
	return a
}

func (a *Authority) Allowed(addr common.Address) bool {
	_, ok := a.allowed[addr]
	return ok
}

// IsAuthority reports whether caller may resolve markets.
func (e *Engine) IsAuthority(caller common.Address) bool {
	return e.authority.Allowed(caller)
}

// Resolve settles a market on outcome. Only an authorized caller may do it,
// only once, and only after departure plus the grace period. Resolution
// freezes the quantity vector.
func (e *Engine) Resolve(ctx context.Context, marketID string, caller common.Address, outcome int) error {
	if !e.authority.Allowed(caller) {
		return fmt.Errorf("%w: %s may not resolve markets", ledger.ErrUnauthorized, caller.Hex())
	}
	l, err := e.lookup(marketID)
	if err != nil {
		return err
	}

	var persist func(*ledger.Tx) error
	if e.store != nil {
		persist = func(tx *ledger.Tx) error {
			if err := e.store.SaveResolution(ctx, tx.Market); err != nil {
				return fmt.Errorf("save resolution: %w", err)
			}
			return nil
		}
	}

	err = l.Update(func(tx *ledger.Tx) error {
		m := tx.Market
		if m.Status == ledger.Resolved {
			return fmt.Errorf("%w: %s resolved to %d", ledger.ErrAlreadyResolved, m.ID, m.ResolvedOutcome)
		}
		if _, err := m.Slot(outcome); err != nil {
			return err
		}
		now := e.now()
		if !m.CanResolve(now) {
			return fmt.Errorf("%w: %s unlocks at %s", ledger.ErrTooEarly, m.ID, m.UnlockTime().Format(time.RFC3339))
		}
		m.Status = ledger.Resolved
		m.ResolvedOutcome = outcome
		m.ResolvedAt = now.UTC()
		return nil
	}, persist)
	if err != nil {
		e.tradeFailed(ctx, marketID, err)
		return err
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
		return fmt.Errorf("read resolved market: %w", err)
	}
	log.Info().Str("marketID", m.ID).Int("outcome", outcome).Str("label", m.Outcomes[outcome]).
		Str("caller", caller.Hex()).Float64("pool", m.TotalPool).Msg("market-resolved")

	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, m, trades); err != nil {
			log.Err(err).Str("marketID", m.ID).Msg("archive-failed")
		}
	}
	return nil
}
