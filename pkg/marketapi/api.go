package marketapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/hlog"
	"github.com/twitchtv/twirp"

	"github.com/domino14/skyodds/pkg/amm"
	"github.com/domino14/skyodds/pkg/ledger"
)

// CallerHeader carries the address a request acts as. Requests that act for
// an address must also be signed by it (see SignRequest).
const CallerHeader = "X-Caller-Address"

// MarketService exposes the engine over JSON/HTTP.
type MarketService struct {
	engine *amm.Engine
	auth   *SignatureAuth
	apiKey string
}

// NewMarketService serves engine. Trades, resolutions and claims are
// authenticated by auth (a default one if nil); creating markets needs
// apiKey when it is set.
func NewMarketService(engine *amm.Engine, auth *SignatureAuth, apiKey string) *MarketService {
	if auth == nil {
		auth = NewSignatureAuth(DefaultSignatureWindow, nil)
	}
	return &MarketService{engine: engine, auth: auth, apiKey: apiKey}
}

// Handler returns the service's routes. feed, if not nil, is served at /ws.
func (m *MarketService) Handler(feed http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/markets", APIKeyAuth(m.apiKey, m.createMarket))
	mux.HandleFunc("GET /v1/markets", m.listMarkets)
	mux.HandleFunc("GET /v1/markets/{id}", m.getMarket)
	mux.HandleFunc("GET /v1/markets/{id}/prices", m.getPrices)
	mux.HandleFunc("GET /v1/markets/{id}/history", m.getHistory)
	mux.HandleFunc("GET /v1/markets/{id}/quote", m.getQuote)
	mux.HandleFunc("POST /v1/markets/{id}/buy", m.buy)
	mux.HandleFunc("POST /v1/markets/{id}/sell", m.sell)
	mux.HandleFunc("POST /v1/markets/{id}/resolve", m.resolve)
	mux.HandleFunc("GET /v1/markets/{id}/winnings/{holder}", m.getWinnings)
	mux.HandleFunc("POST /v1/markets/{id}/claim", m.claim)
	mux.HandleFunc("GET /v1/markets/{id}/positions/{holder}", m.getPositions)
	if feed != nil {
		mux.Handle("GET /ws", feed)
	}
	return mux
}

// twirpError maps engine errors onto twirp codes.
func twirpError(err error) twirp.Error {
	var terr twirp.Error
	if errors.As(err, &terr) {
		return terr
	}
	code := twirp.Internal
	switch {
	case errors.Is(err, ledger.ErrMarketNotFound):
		code = twirp.NotFound
	case errors.Is(err, ledger.ErrMarketExists):
		code = twirp.AlreadyExists
	case errors.Is(err, ledger.ErrUnauthorized):
		code = twirp.PermissionDenied
	case errors.Is(err, ledger.ErrTradeOutOfBounds):
		code = twirp.OutOfRange
	case errors.Is(err, ledger.ErrInvalidParameter):
		code = twirp.InvalidArgument
	case errors.Is(err, ledger.ErrMarketClosed), errors.Is(err, ledger.ErrTooEarly),
		errors.Is(err, ledger.ErrAlreadyResolved), errors.Is(err, ledger.ErrNotResolved),
		errors.Is(err, ledger.ErrInsufficientShares), errors.Is(err, ledger.ErrAlreadyClaimed),
		errors.Is(err, ledger.ErrNothingToClaim), errors.Is(err, ledger.ErrMarketHalted):
		code = twirp.FailedPrecondition
	}
	return twirp.NewError(code, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	terr := twirpError(err)
	hlog.FromRequest(r).Debug().Err(err).Str("code", string(terr.Code())).Msg("request-failed")
	if werr := twirp.WriteError(w, terr); werr != nil {
		hlog.FromRequest(r).Err(werr).Msg("write-error-failed")
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Err(err).Msg("encode-response-failed")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return twirp.InvalidArgumentError("body", err.Error())
	}
	return nil
}

func address(s, field string) (common.Address, error) {
	addr, err := ledger.ParseAddress(s)
	if err != nil {
		return common.Address{}, twirp.InvalidArgumentError(field, err.Error())
	}
	return addr, nil
}

// actingAs checks that an authenticated caller may act for holder. A zero
// holder means the caller itself.
func actingAs(caller, holder common.Address) (common.Address, error) {
	if holder == (common.Address{}) {
		return caller, nil
	}
	if holder != caller {
		return caller, twirp.NewError(twirp.PermissionDenied, "holder does not match caller")
	}
	return holder, nil
}

func (m *MarketService) createMarket(w http.ResponseWriter, r *http.Request) {
	var req amm.CreateMarketParams
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := m.engine.CreateMarket(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	market, err := m.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, market)
}

func (m *MarketService) listMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"markets": m.engine.ListMarkets(r.Context())})
}

func (m *MarketService) getMarket(w http.ResponseWriter, r *http.Request) {
	market, err := m.engine.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, market)
}

func (m *MarketService) getPrices(w http.ResponseWriter, r *http.Request) {
	pv, err := m.engine.GetPrices(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pv)
}

func (m *MarketService) getHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := m.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"history": hist})
}

func (m *MarketService) getQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcome, err := strconv.Atoi(q.Get("outcome"))
	if err != nil {
		writeError(w, r, twirp.InvalidArgumentError("outcome", "must be an integer"))
		return
	}
	payment, err := strconv.ParseFloat(q.Get("payment"), 64)
	if err != nil {
		writeError(w, r, twirp.InvalidArgumentError("payment", "must be a number"))
		return
	}
	side := ledger.Long
	if s := q.Get("side"); s != "" {
		if side, err = ledger.ParseSide(s); err != nil {
			writeError(w, r, err)
			return
		}
	}
	quote, err := m.engine.Quote(r.Context(), r.PathValue("id"), outcome, side, payment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, quote)
}

type tradeBody struct {
	Holder  common.Address `json:"holder"`
	Outcome int            `json:"outcome"`
	Side    ledger.Side    `json:"side"`
	Payment float64        `json:"payment"`
	Shares  float64        `json:"shares"`
}

func (m *MarketService) buy(w http.ResponseWriter, r *http.Request) {
	who, err := m.auth.Verify(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body tradeBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	holder, err := actingAs(who, body.Holder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := m.engine.Buy(r.Context(), amm.BuyRequest{
		MarketID: r.PathValue("id"),
		Holder:   holder,
		Outcome:  body.Outcome,
		Side:     body.Side,
		Payment:  body.Payment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (m *MarketService) sell(w http.ResponseWriter, r *http.Request) {
	who, err := m.auth.Verify(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body tradeBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	holder, err := actingAs(who, body.Holder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := m.engine.Sell(r.Context(), amm.SellRequest{
		MarketID: r.PathValue("id"),
		Holder:   holder,
		Outcome:  body.Outcome,
		Side:     body.Side,
		Shares:   body.Shares,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (m *MarketService) resolve(w http.ResponseWriter, r *http.Request) {
	who, err := m.auth.Verify(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Outcome int `json:"outcome"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := m.engine.Resolve(r.Context(), id, who, body.Outcome); err != nil {
		writeError(w, r, err)
		return
	}
	market, err := m.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, market)
}

func (m *MarketService) getWinnings(w http.ResponseWriter, r *http.Request) {
	holder, err := address(r.PathValue("holder"), "holder")
	if err != nil {
		writeError(w, r, err)
		return
	}
	win, err := m.engine.CalculateWinnings(r.Context(), r.PathValue("id"), holder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, win)
}

func (m *MarketService) claim(w http.ResponseWriter, r *http.Request) {
	who, err := m.auth.Verify(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	win, err := m.engine.Claim(r.Context(), r.PathValue("id"), who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, win)
}

func (m *MarketService) getPositions(w http.ResponseWriter, r *http.Request) {
	holder, err := address(r.PathValue("holder"), "holder")
	if err != nil {
		writeError(w, r, err)
		return
	}
	positions, err := m.engine.Positions(r.Context(), r.PathValue("id"), holder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"positions": positions})
}
