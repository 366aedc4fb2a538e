package lmsr

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/matryer/is"
)

const testEpsilon = 1e-5

func withinEpsilon(a, b float64) bool {
	return math.Abs(a-b) < testEpsilon
}

func sum(xs []float64) float64 {
	s := float64(0)
	for _, x := range xs {
		s += x
	}
	return s
}

func TestPrice(t *testing.T) {
	is := is.New(t)
	p, err := Price(10, []float64{10, 20, 23}, 0)
	is.NoErr(err)
	is.True(withinEpsilon(p, 0.13536235))
}

func TestPrice2(t *testing.T) {
	is := is.New(t)
	p, err := Price(100, []float64{100, 200, 230}, 0)
	is.NoErr(err)
	is.True(withinEpsilon(p, 0.13536235))
}

func TestPriceEmptyShares(t *testing.T) {
	is := is.New(t)
	p, err := Price(100, []float64{0, 0, 0, 0, 0, 0, 0}, 2)
	is.NoErr(err)
	is.Equal(p, 1/7.0)
}

func TestPricesUniform(t *testing.T) {
	is := is.New(t)
	prices, err := Prices(100, []float64{0, 0, 0, 0})
	is.NoErr(err)
	is.Equal(prices, []float64{0.25, 0.25, 0.25, 0.25})
}

func TestPricesNoOutcomes(t *testing.T) {
	is := is.New(t)
	prices, err := Prices(100, nil)
	is.NoErr(err)
	is.Equal(len(prices), 0)
}

func TestPricesInvalidLiquidity(t *testing.T) {
	is := is.New(t)
	for _, b := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := Prices(b, []float64{1, 2})
		is.True(errors.Is(err, ErrInvalidParameter))
	}
	_, err := Cost(0, []float64{1, 2})
	is.True(errors.Is(err, ErrInvalidParameter))
}

func TestPricesLargeQuantitiesDoNotOverflow(t *testing.T) {
	is := is.New(t)
	prices, err := Prices(100, []float64{1e6, 1e6 + 50, 1e6 - 20})
	is.NoErr(err)
	is.NoErr(CheckPrices(prices))
	small, err := Prices(100, []float64{0, 50, -20})
	is.NoErr(err)
	for i := range prices {
		is.True(withinEpsilon(prices[i], small[i]))
	}
}

func TestPricesProperty(t *testing.T) {
	is := is.New(t)
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := 2 + r.Intn(6)
		q := make([]float64, n)
		for j := range q {
			q[j] = r.Float64() * 300
		}
		b := 10 + r.Float64()*500
		prices, err := Prices(b, q)
		is.NoErr(err)
		for _, p := range prices {
			is.True(p > 0 && p < 1)
		}
		is.True(math.Abs(sum(prices)-1) <= Epsilon)
	}
}

func TestTradeCost(t *testing.T) {
	is := is.New(t)
	c, err := TradeCost(10, 7, []float64{10, 20, 23}, 0)
	is.NoErr(err)
	is.True(withinEpsilon(c, 1.28590162))
}

func TestTradeCost2(t *testing.T) {
	is := is.New(t)
	c, err := TradeCost(100, 70, []float64{100, 200, 230}, 0)
	is.NoErr(err)
	is.True(withinEpsilon(c, 12.8590162))
}

func TestTradeCost3(t *testing.T) {
	is := is.New(t)
	shares := []float64{0, 0, 0, 0}
	c, err := TradeCost(100, 50, shares, 0)
	is.NoErr(err)
	is.True(withinEpsilon(c, 15.02978252))
	// inputs are left alone
	is.Equal(shares, []float64{0, 0, 0, 0})
}

func TestSharesForPaymentLong(t *testing.T) {
	is := is.New(t)
	q := []float64{0, 0, 0, 0}
	s, err := SharesForPayment(100, q, 0, 15.02978252, false)
	is.NoErr(err)
	is.True(withinEpsilon(s, 50))
}

func TestSharesForPaymentInvertsCost(t *testing.T) {
	is := is.New(t)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		n := 2 + r.Intn(4)
		q := make([]float64, n)
		for j := range q {
			q[j] = r.Float64() * 300
		}
		b := 20 + r.Float64()*200
		idx := r.Intn(n)
		payment := 1 + r.Float64()*500
		short := r.Intn(2) == 0

		s, err := SharesForPayment(b, q, idx, payment, short)
		is.NoErr(err)
		is.True(s > 0)
		c, err := CostDelta(b, q, Apply(q, Delta(n, idx, s, short)))
		is.NoErr(err)
		is.True(math.Abs(c-payment) < 1e-6*payment)
	}
}

func TestSharesForPaymentMatchesBisection(t *testing.T) {
	is := is.New(t)
	q := []float64{40, 10, 0, 5}
	for _, short := range []bool{false, true} {
		closed, err := SharesForPayment(100, q, 1, 50, short)
		is.NoErr(err)
		bisected, err := solveShares(100, q, 1, 50, short)
		is.NoErr(err)
		is.True(withinEpsilon(closed, bisected))
	}
}

func TestSharesForPaymentHugePayment(t *testing.T) {
	is := is.New(t)
	// x = payment/b far beyond exp overflow
	s, err := SharesForPayment(1, []float64{0, 0}, 0, 5000, false)
	is.NoErr(err)
	is.True(!math.IsInf(s, 0) && s > 5000)
}

func TestSharesForPaymentRejects(t *testing.T) {
	is := is.New(t)
	_, err := SharesForPayment(100, []float64{0, 0}, 0, 0, false)
	is.True(errors.Is(err, ErrInvalidParameter))
	_, err = SharesForPayment(100, []float64{0, 0}, 2, 10, false)
	is.True(errors.Is(err, ErrInvalidParameter))
	_, err = SharesForPayment(100, []float64{0}, 0, 10, true)
	is.True(errors.Is(err, ErrInvalidParameter))
}

func TestBuyMovesPrices(t *testing.T) {
	is := is.New(t)
	q := []float64{0, 0, 0, 0}
	before, _ := Prices(100, q)
	s, err := SharesForPayment(100, q, 1, 50, false)
	is.NoErr(err)
	after, _ := Prices(100, Apply(q, Delta(4, 1, s, false)))
	is.True(after[1] > before[1])
	for j := range after {
		if j != 1 {
			is.True(after[j] < before[j])
		}
	}
	is.True(math.Abs(sum(after)-1) <= Epsilon)
}

func TestShortBuyLowersPrice(t *testing.T) {
	is := is.New(t)
	q := []float64{10, 0, 0, 0}
	before, _ := Prices(100, q)
	s, err := SharesForPayment(100, q, 0, 30, true)
	is.NoErr(err)
	after, _ := Prices(100, Apply(q, Delta(4, 0, s, true)))
	is.True(after[0] < before[0])
}

func TestSaleProceedsMatchesPurchase(t *testing.T) {
	is := is.New(t)
	q := []float64{0, 0, 0, 0}
	s, err := SharesForPayment(100, q, 2, 50, false)
	is.NoErr(err)
	after := Apply(q, Delta(4, 2, s, false))
	back, err := SaleProceeds(100, after, 2, s, false)
	is.NoErr(err)
	is.True(back <= 50+1e-9)
	is.True(withinEpsilon(back, 50))
}

func TestMaxLoss(t *testing.T) {
	is := is.New(t)
	is.True(withinEpsilon(MaxLoss(100, 4), 138.629436))
	is.Equal(MaxLoss(100, 0), 0.0)
}

func TestCheckPrices(t *testing.T) {
	is := is.New(t)
	is.NoErr(CheckPrices([]float64{0.5, 0.5}))
	is.True(CheckPrices([]float64{0.5, 0.6}) != nil)
	is.True(CheckPrices([]float64{math.NaN(), 1}) != nil)
	is.True(CheckPrices([]float64{1, 0, 0, 0}) != nil)
	is.True(CheckPrices([]float64{0, 0.5, 0.5}) != nil)
}

func TestThinLiquiditySaturatesPrices(t *testing.T) {
	is := is.New(t)
	q := []float64{0, 0, 0, 0}
	s, err := SharesForPayment(0.01, q, 0, 10, false)
	is.NoErr(err)
	prices, err := Prices(0.01, Apply(q, Delta(4, 0, s, false)))
	is.NoErr(err)
	is.True(CheckPrices(prices) != nil)
}
