// package lmsr implements a Logarithmic Market Scoring Rule
//
// Every function here is pure: callers pass the liquidity constant (b) and
// the outstanding share quantities for all outcomes and get back prices,
// costs or share amounts. Inputs are never mutated. Prices are probabilities
// in (0,1), not cents.
package lmsr

import (
	"errors"
	"fmt"
	"math"
)

// Liquidity is the default liquidity constant for new markets, in
// settlement units.
const Liquidity = float64(100.0)

// Epsilon is the relative tolerance within which a price vector must sum to 1.
const Epsilon = 1e-6

// ErrInvalidParameter is returned for a non-positive liquidity constant or a
// malformed quantity vector.
var ErrInvalidParameter = errors.New("invalid parameter")

func validate(b float64, allShares []float64) error {
	if !(b > 0) || math.IsInf(b, 0) {
		return fmt.Errorf("%w: liquidity must be positive and finite, got %v", ErrInvalidParameter, b)
	}
	for i, s := range allShares {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: share quantity %d is not finite", ErrInvalidParameter, i)
		}
	}
	return nil
}

func maxShares(allShares []float64) float64 {
	m := math.Inf(-1)
	for _, s := range allShares {
		if s > m {
			m = s
		}
	}
	return m
}

func allZero(allShares []float64) bool {
	for _, s := range allShares {
		if s != 0 {
			return false
		}
	}
	return true
}

// logSumExp returns ln Σ exp((q_j - maxQ)/b) over the slots selected by
// include, along with maxQ. Shifting by maxQ keeps every exponent <= 0.
func logSumExp(b float64, allShares []float64, include func(int) bool) (float64, float64) {
	maxQ := maxShares(allShares)
	sum := float64(0)
	for i, s := range allShares {
		if include != nil && !include(i) {
			continue
		}
		sum += math.Exp((s - maxQ) / b)
	}
	return math.Log(sum), maxQ
}

// Prices returns the instantaneous price of every outcome,
// p_i = exp(q_i/b) / Σ exp(q_j/b). An all-zero vector yields the uniform
// distribution.
func Prices(b float64, allShares []float64) ([]float64, error) {
	if err := validate(b, allShares); err != nil {
		return nil, err
	}
	n := len(allShares)
	prices := make([]float64, n)
	if n == 0 {
		return prices, nil
	}
	if allZero(allShares) {
		for i := range prices {
			prices[i] = 1 / float64(n)
		}
		return prices, nil
	}
	maxQ := maxShares(allShares)
	sum := float64(0)
	for i, s := range allShares {
		prices[i] = math.Exp((s - maxQ) / b)
		sum += prices[i]
	}
	for i := range prices {
		prices[i] /= sum
	}
	return prices, nil
}

// Price calculates the price of a single outcome given a liquidity constant
// (b), the outstanding shares for all outcomes, and the index of this
// outcome in the array.
func Price(b float64, allShares []float64, shareIdx int) (float64, error) {
	if shareIdx < 0 || shareIdx >= len(allShares) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidParameter, shareIdx)
	}
	prices, err := Prices(b, allShares)
	if err != nil {
		return 0, err
	}
	return prices[shareIdx], nil
}

// Cost is the LMSR cost function C(q) = b * ln(Σ exp(q_j/b)).
func Cost(b float64, allShares []float64) (float64, error) {
	if err := validate(b, allShares); err != nil {
		return 0, err
	}
	if len(allShares) == 0 {
		return 0, fmt.Errorf("%w: no outcomes", ErrInvalidParameter)
	}
	lse, maxQ := logSumExp(b, allShares, nil)
	return maxQ + b*lse, nil
}

// CostDelta returns C(after) - C(before).
func CostDelta(b float64, before, after []float64) (float64, error) {
	if len(before) != len(after) {
		return 0, fmt.Errorf("%w: vector lengths differ", ErrInvalidParameter)
	}
	cb, err := Cost(b, before)
	if err != nil {
		return 0, err
	}
	ca, err := Cost(b, after)
	if err != nil {
		return 0, err
	}
	return ca - cb, nil
}

// TradeCost calculates the price of buying `shares` shares of a stock, given
// a liquidity constant b, the outstanding shares for all stocks, and the
// index of our particular stock in this array of outstanding shares. A
// negative share count prices a sale (the result is then negative).
func TradeCost(b float64, shares float64, allShares []float64, idx int) (float64, error) {
	if idx < 0 || idx >= len(allShares) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidParameter, idx)
	}
	return CostDelta(b, allShares, Apply(allShares, Delta(len(allShares), idx, shares, false)))
}

// Delta returns the quantity change produced by holding `shares` of slot
// idx. A long position moves only q_idx; a short position is the complement
// basket and moves every other slot by the same amount.
func Delta(n, idx int, shares float64, short bool) []float64 {
	d := make([]float64, n)
	if !short {
		d[idx] = shares
		return d
	}
	for i := range d {
		if i != idx {
			d[i] = shares
		}
	}
	return d
}

// Apply returns allShares + delta as a new slice.
func Apply(allShares, delta []float64) []float64 {
	out := make([]float64, len(allShares))
	for i := range allShares {
		out[i] = allShares[i] + delta[i]
	}
	return out
}

// logPrice returns ln p_idx and ln(1 - p_idx), both computed without
// forming p_idx directly.
func logPrice(b float64, allShares []float64, idx int) (float64, float64) {
	total, maxQ := logSumExp(b, allShares, nil)
	lp := (allShares[idx]-maxQ)/b - total
	rest, _ := logSumExp(b, allShares, func(i int) bool { return i != idx })
	return lp, rest - total
}

// logExpm1Plus returns ln(expm1(x) + p) for x >= 0 and p in [0,1].
func logExpm1Plus(x, p float64) float64 {
	if x > 30 {
		return x + math.Log1p((p-1)*math.Exp(-x))
	}
	return math.Log(math.Expm1(x) + p)
}

// SharesForPayment returns how many shares of slot idx a payment buys, i.e.
// the unique s >= 0 with C(q + Delta(s)) - C(q) = payment. Both sides have a
// closed form; bisection is used only if it is numerically unusable.
func SharesForPayment(b float64, allShares []float64, idx int, payment float64, short bool) (float64, error) {
	if err := validate(b, allShares); err != nil {
		return 0, err
	}
	if idx < 0 || idx >= len(allShares) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidParameter, idx)
	}
	if short && len(allShares) < 2 {
		return 0, fmt.Errorf("%w: short side needs at least two outcomes", ErrInvalidParameter)
	}
	if !(payment > 0) || math.IsInf(payment, 0) {
		return 0, fmt.Errorf("%w: payment must be positive, got %v", ErrInvalidParameter, payment)
	}

	x := payment / b
	lp, lq := logPrice(b, allShares, idx)
	var s float64
	if short {
		// e^{s/b} = (e^x - p) / (1 - p)
		p := math.Exp(lp)
		s = b * (x + math.Log1p(-p*math.Exp(-x)) - lq)
	} else {
		// e^{s/b} = 1 + (e^x - 1) / p
		s = b * (logExpm1Plus(x, math.Exp(lp)) - lp)
	}
	if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
		return solveShares(b, allShares, idx, payment, short)
	}
	return s, nil
}

func solveShares(b float64, allShares []float64, idx int, payment float64, short bool) (float64, error) {
	before, err := Cost(b, allShares)
	if err != nil {
		return 0, err
	}
	f := func(s float64) float64 {
		c, _ := Cost(b, Apply(allShares, Delta(len(allShares), idx, s, short)))
		return c - before
	}
	hi := payment
	for f(hi) < payment {
		hi *= 2
		if math.IsInf(hi, 0) {
			return 0, fmt.Errorf("%w: no share amount matches payment %v", ErrInvalidParameter, payment)
		}
	}
	return Solve(f, payment, 0, hi), nil
}

// Solve finds x in [lo, hi] with f(x) = target for a monotonically increasing
// f, by bisection.
func Solve(f func(float64) float64, target, lo, hi float64) float64 {
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		if mid == lo || mid == hi {
			break
		}
		if f(mid) < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// SaleProceeds returns C(q) - C(q - Delta(shares)), the payment returned for
// giving back `shares` of slot idx.
func SaleProceeds(b float64, allShares []float64, idx int, shares float64, short bool) (float64, error) {
	if idx < 0 || idx >= len(allShares) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidParameter, idx)
	}
	after := Apply(allShares, Delta(len(allShares), idx, -shares, short))
	c, err := CostDelta(b, after, allShares)
	if err != nil {
		return 0, err
	}
	return c, nil
}

// MaxLoss is the market maker's worst-case loss, b * ln(n).
func MaxLoss(b float64, n int) float64 {
	if n < 1 {
		return 0
	}
	return b * math.Log(float64(n))
}

// CheckPrices reports an error unless every price lies strictly inside (0,1)
// and the vector sums to 1 within Epsilon. A component reaches 0 or 1 only
// when the quantities are so far apart that float64 can no longer tell the
// outcomes' weights apart.
func CheckPrices(prices []float64) error {
	if len(prices) == 0 {
		return nil
	}
	sum := float64(0)
	for i, p := range prices {
		if math.IsNaN(p) || p <= 0 || p >= 1 {
			return fmt.Errorf("price %d out of range: %v", i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > Epsilon {
		return fmt.Errorf("prices sum to %v", sum)
	}
	return nil
}
