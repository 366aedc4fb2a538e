// Package amm is the flight market engine: it creates markets, executes
// trades against the LMSR, resolves markets behind a time lock and pays out
// winning shares. All state lives in per-market ledgers; every mutation of
// one market is serialized while different markets proceed independently.
package amm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/domino14/skyodds/pkg/ledger"
	"github.com/domino14/skyodds/pkg/lmsr"
)

// DefaultFeeBps is the protocol fee charged on gross payouts, in basis points.
const DefaultFeeBps = 200

// Store persists ledger changes. Each method must be atomic.
type Store interface {
	CreateMarket(ctx context.Context, m *ledger.Market) error
	SaveTrade(ctx context.Context, m *ledger.Market, positions []ledger.Position, rec ledger.TradeRecord) error
	SaveResolution(ctx context.Context, m *ledger.Market) error
	SaveClaim(ctx context.Context, m *ledger.Market, positions []ledger.Position, claim ledger.ClaimRecord) error
	HaltMarket(ctx context.Context, marketID string) error
	LoadMarkets(ctx context.Context) ([]*ledger.Market, error)
	LoadPositions(ctx context.Context, marketID string) ([]ledger.Position, error)
	ListTrades(ctx context.Context, marketID string) ([]ledger.TradeRecord, error)
}

// Publisher receives every trade record after it is committed.
type Publisher interface {
	Publish(ctx context.Context, rec ledger.TradeRecord) error
}

// Archiver receives a market's full trade log once it resolves.
type Archiver interface {
	Archive(ctx context.Context, m *ledger.Market, trades []ledger.TradeRecord) error
}

// Payer transfers a committed claim's payout to its holder.
type Payer interface {
	Pay(ctx context.Context, claim ledger.ClaimRecord) error
}

// Params are the engine's fixed trading parameters.
type Params struct {
	MinTrade         float64
	MaxTrade         float64
	FeeBps           int64
	DefaultLiquidity float64
}

// DefaultParams returns the production trading parameters.
func DefaultParams() Params {
	return Params{
		MinTrade:         1,
		MaxTrade:         10000,
		FeeBps:           DefaultFeeBps,
		DefaultLiquidity: lmsr.Liquidity,
	}
}

// Options wires the engine's collaborators. Every field is optional.
type Options struct {
	Params      Params
	Authorities []common.Address
	Store       Store
	Publisher   Publisher
	Archiver    Archiver
	Payer       Payer
	Now         func() time.Time
}

type Engine struct {
	params    Params
	authority *Authority
	store     Store
	publisher Publisher
	archiver  Archiver
	payer     Payer
	now       func() time.Time
	validate  *validator.Validate

	mu      sync.RWMutex
	markets map[string]*ledger.Ledger
}

func New(opts Options) (*Engine, error) {
	p := opts.Params
	if p == (Params{}) {
		p = DefaultParams()
	}
	if !(p.MinTrade > 0) || p.MaxTrade < p.MinTrade {
		return nil, fmt.Errorf("%w: trade bounds [%v, %v]", ledger.ErrInvalidParameter, p.MinTrade, p.MaxTrade)
	}
	if p.FeeBps < 0 || p.FeeBps >= 10000 {
		return nil, fmt.Errorf("%w: fee %d bps", ledger.ErrInvalidParameter, p.FeeBps)
	}
	if !(p.DefaultLiquidity > 0) {
		return nil, fmt.Errorf("%w: default liquidity %v", ledger.ErrInvalidParameter, p.DefaultLiquidity)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		params:    p,
		authority: NewAuthority(opts.Authorities...),
		store:     opts.Store,
		publisher: opts.Publisher,
		archiver:  opts.Archiver,
		payer:     opts.Payer,
		now:       now,
		validate:  validator.New(),
		markets:   make(map[string]*ledger.Ledger),
	}, nil
}

// Params returns the engine's trading parameters.
func (e *Engine) Params() Params {
	return e.params
}

// Load rebuilds every ledger from the store. It replaces whatever the
// engine held in memory.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	markets, err := e.store.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	loaded := make(map[string]*ledger.Ledger, len(markets))
	for _, m := range markets {
		positions, err := e.store.LoadPositions(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("load positions for %s: %w", m.ID, err)
		}
		trades, err := e.store.ListTrades(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("load trades for %s: %w", m.ID, err)
		}
		loaded[m.ID] = ledger.New(m, positions, trades)
	}
	e.mu.Lock()
	e.markets = loaded
	e.mu.Unlock()
	log.Info().Int("markets", len(loaded)).Msg("ledgers-loaded")
	return nil
}

// CreateMarketParams describe a new flight market.
type CreateMarketParams struct {
	FlightNumber  string    `json:"flight_number" validate:"required,alphanum,max=10"`
	Origin        string    `json:"origin" validate:"required,alpha,len=3"`
	Destination   string    `json:"destination" validate:"required,alpha,len=3,nefield=Origin"`
	Airline       string    `json:"airline" validate:"required,alphanum,min=2,max=3"`
	DepartureTime time.Time `json:"departure_time" validate:"required"`
	// Liquidity is the LMSR b. Zero selects the engine default.
	Liquidity float64 `json:"liquidity" validate:"gte=0"`
}

func (p *CreateMarketParams) normalize() {
	p.FlightNumber = strings.ToUpper(strings.TrimSpace(p.FlightNumber))
	p.Origin = strings.ToUpper(strings.TrimSpace(p.Origin))
	p.Destination = strings.ToUpper(strings.TrimSpace(p.Destination))
	p.Airline = strings.ToUpper(strings.TrimSpace(p.Airline))
}

// CreateMarket opens a market for a flight and returns its id. A second
// attempt for the same flight fails with ErrMarketExists.
func (e *Engine) CreateMarket(ctx context.Context, p CreateMarketParams) (string, error) {
	p.normalize()
	if err := e.validate.Struct(p); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrInvalidParameter, err)
	}
	b := p.Liquidity
	if b == 0 {
		b = e.params.DefaultLiquidity
	}
	id, err := ledger.MarketID(p.FlightNumber, p.Origin, p.Destination, p.DepartureTime)
	if err != nil {
		return "", err
	}
	flight := ledger.Flight{Number: p.FlightNumber, Origin: p.Origin, Destination: p.Destination, Airline: p.Airline}
	m, err := ledger.NewMarket(id, flight, ledger.FlightOutcomes, b, p.DepartureTime, e.now())
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[id]; ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrMarketExists, id)
	}
	if e.store != nil {
		if err := e.store.CreateMarket(ctx, m); err != nil {
			return "", fmt.Errorf("create market %s: %w", id, err)
		}
	}
	e.markets[id] = ledger.New(m, nil, nil)
	log.Info().Str("marketID", id).Str("flight", p.FlightNumber).
		Time("departure", m.DepartureTime).Float64("liquidity", b).Msg("market-created")
	return id, nil
}

func (e *Engine) lookup(marketID string) (*ledger.Ledger, error) {
	id := ledger.NormalizeID(marketID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMarketNotFound, marketID)
	}
	return l, nil
}

// GetMarket returns a copy of a market record.
func (e *Engine) GetMarket(ctx context.Context, marketID string) (*ledger.Market, error) {
	l, err := e.lookup(marketID)
	if err != nil {
		return nil, err
	}
	return l.Market(), nil
}

// ListMarkets returns every market, earliest departure first.
func (e *Engine) ListMarkets(ctx context.Context) []*ledger.Market {
	e.mu.RLock()
	out := make([]*ledger.Market, 0, len(e.markets))
	for _, l := range e.markets {
		out = append(out, l.Market())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DepartureTime.Equal(out[j].DepartureTime) {
			return out[i].DepartureTime.Before(out[j].DepartureTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PriceView is a market's price vector at one point in its trade sequence.
type PriceView struct {
	MarketID   string    `json:"market_id"`
	Sequence   uint64    `json:"sequence"`
	Outcomes   []string  `json:"outcomes"`
	Quantities []float64 `json:"quantities"`
	Prices     []float64 `json:"prices"`
}

// GetPrices returns the current price of every tradable outcome.
func (e *Engine) GetPrices(ctx context.Context, marketID string) (PriceView, error) {
	l, err := e.lookup(marketID)
	if err != nil {
		return PriceView{}, err
	}
	var pv PriceView
	err = l.View(func(s ledger.Snapshot) error {
		prices, err := s.Market.Prices()
		if err != nil {
			return err
		}
		pv = PriceView{
			MarketID:   s.Market.ID,
			Sequence:   s.Market.Sequence,
			Outcomes:   append([]string(nil), s.Market.Outcomes[1:]...),
			Quantities: append([]float64(nil), s.Market.Quantities...),
			Prices:     prices,
		}
		return nil
	})
	return pv, err
}

// Positions returns every position holder has in a market.
func (e *Engine) Positions(ctx context.Context, marketID string, holder common.Address) ([]ledger.Position, error) {
	l, err := e.lookup(marketID)
	if err != nil {
		return nil, err
	}
	var out []ledger.Position
	err = l.View(func(s ledger.Snapshot) error {
		out = s.Positions(holder)
		return nil
	})
	return out, err
}

// halted records an invariant failure in the store so the market stays
// halted across restarts.
func (e *Engine) halted(ctx context.Context, marketID string, err error) {
	log.Error().Err(err).Str("marketID", marketID).Msg("market-invariant-failed")
	if e.store == nil {
		return
	}
	if herr := e.store.HaltMarket(ctx, marketID); herr != nil {
		log.Error().Err(herr).Str("marketID", marketID).Msg("halt-persist-failed")
	}
}
