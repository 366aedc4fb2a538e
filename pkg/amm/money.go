package amm

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// SettlementDecimals is the precision of the settlement currency (USDC).
const SettlementDecimals = 6

func roundingContexts() (down, up *apd.Context) {
	down = apd.BaseContext.WithPrecision(34)
	down.Rounding = apd.RoundDown
	up = apd.BaseContext.WithPrecision(34)
	up.Rounding = apd.RoundUp
	return down, up
}

// floorSettlement truncates amount toward zero at the settlement precision.
func floorSettlement(amount float64) (float64, error) {
	down, _ := roundingContexts()
	d := new(apd.Decimal)
	if _, err := d.SetFloat64(amount); err != nil {
		return 0, fmt.Errorf("settle %v: %w", amount, err)
	}
	if _, err := down.Quantize(d, d, -SettlementDecimals); err != nil {
		return 0, fmt.Errorf("quantize %v: %w", amount, err)
	}
	return d.Float64()
}

// settle values winning shares at par and splits the result into fee and
// payout. Gross is rounded down and the fee up to the settlement precision,
// so rounding never pays out more than the shares are worth.
func settle(shares float64, feeBps int64) (gross, fee, payout float64, err error) {
	down, up := roundingContexts()

	g := new(apd.Decimal)
	if _, err := g.SetFloat64(shares); err != nil {
		return 0, 0, 0, fmt.Errorf("settle %v: %w", shares, err)
	}
	if _, err := down.Quantize(g, g, -SettlementDecimals); err != nil {
		return 0, 0, 0, fmt.Errorf("quantize gross: %w", err)
	}

	f := new(apd.Decimal)
	if _, err := up.Mul(f, g, apd.New(feeBps, -4)); err != nil {
		return 0, 0, 0, fmt.Errorf("fee: %w", err)
	}
	if _, err := up.Quantize(f, f, -SettlementDecimals); err != nil {
		return 0, 0, 0, fmt.Errorf("quantize fee: %w", err)
	}

	p := new(apd.Decimal)
	if _, err := down.Sub(p, g, f); err != nil {
		return 0, 0, 0, fmt.Errorf("payout: %w", err)
	}

	if gross, err = g.Float64(); err != nil {
		return 0, 0, 0, err
	}
	if fee, err = f.Float64(); err != nil {
		return 0, 0, 0, err
	}
	if payout, err = p.Float64(); err != nil {
		return 0, 0, 0, err
	}
	return gross, fee, payout, nil
}
