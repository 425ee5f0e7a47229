package market

import (
	"fmt"
	"math"
	"time"
)

// maxReturn is the single-bar price move treated as a suspect spike.
const maxReturn = 0.10

// Report is the outcome of validating one batch. Fatal findings reject the
// batch (it must not be written); warnings are logged and the batch is
// written anyway.
type Report struct {
	Fatal    []string
	Warnings []string
}

// OK reports whether the batch may be persisted.
func (r Report) OK() bool {
	return len(r.Fatal) == 0
}

func (r *Report) fatalf(format string, args ...any) {
	r.Fatal = append(r.Fatal, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err returns the fatal findings as a single error, or nil.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("market: batch rejected: %s", r.Fatal[0])
}

// ValidateCandles checks an OHLCV batch. Fatal: missing required fields,
// OHLC inequality violations, duplicate keys within the batch. Non-fatal:
// time-continuity gaps and single-bar returns above 10%.
func ValidateCandles(batch []Candle) Report {
	var r Report
	seen := make(map[string]struct{}, len(batch))

	var step time.Duration
	if len(batch) > 0 {
		if d, err := IntervalDuration(batch[0].Timeframe); err == nil {
			step = d
		}
	}

	var prev *Candle
	for i := range batch {
		c := &batch[i]

		if c.Symbol == "" || c.Timeframe == "" || c.Time.IsZero() {
			r.fatalf("candle %d: missing required field", i)
			continue
		}
		if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
			r.fatalf("candle %d at %s: negative value", i, c.Time.Format(time.RFC3339))
		}
		lo, hi := math.Min(c.Open, c.Close), math.Max(c.Open, c.Close)
		if c.Low > lo || c.High < hi || c.Low > c.High {
			r.fatalf("candle %d at %s: OHLC inequality violated (o=%v h=%v l=%v c=%v)",
				i, c.Time.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
		}

		key := c.Key()
		if _, dup := seen[key]; dup {
			r.fatalf("candle %d: duplicate key %s", i, key)
		}
		seen[key] = struct{}{}

		if prev != nil {
			if step > 0 {
				if gap := c.Time.Sub(prev.Time); gap > step {
					r.warnf("gap of %v before %s", gap-step, c.Time.Format(time.RFC3339))
				}
			}
			if prev.Close > 0 {
				if ret := math.Abs(c.Close-prev.Close) / prev.Close; ret > maxReturn {
					r.warnf("return %.1f%% at %s exceeds %.0f%%",
						ret*100, c.Time.Format(time.RFC3339), maxReturn*100)
				}
			}
		}
		prev = c
	}
	return r
}

// ValidateOpenInterest checks an OI batch. Fatal: missing fields,
// non-positive open interest, duplicate keys.
func ValidateOpenInterest(batch []OpenInterest) Report {
	var r Report
	seen := make(map[string]struct{}, len(batch))

	for i, o := range batch {
		if o.Symbol == "" || o.Period == "" || o.Time.IsZero() {
			r.fatalf("oi %d: missing required field", i)
			continue
		}
		if o.OpenInterest <= 0 {
			r.fatalf("oi %d at %s: non-positive open interest %v",
				i, o.Time.Format(time.RFC3339), o.OpenInterest)
		}
		key := o.Key()
		if _, dup := seen[key]; dup {
			r.fatalf("oi %d: duplicate key %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return r
}

// ValidateFundingRates checks a funding batch. Fatal: missing fields,
// duplicate keys. Non-fatal: spacing that deviates from the 8h interval.
func ValidateFundingRates(batch []FundingRate) Report {
	var r Report
	seen := make(map[string]struct{}, len(batch))

	var prev *FundingRate
	for i := range batch {
		f := &batch[i]
		if f.Symbol == "" || f.FundingTime.IsZero() {
			r.fatalf("funding %d: missing required field", i)
			continue
		}
		key := f.Key()
		if _, dup := seen[key]; dup {
			r.fatalf("funding %d: duplicate key %s", i, key)
		}
		seen[key] = struct{}{}

		if prev != nil {
			if gap := f.FundingTime.Sub(prev.FundingTime); gap > FundingInterval {
				r.warnf("funding gap of %v before %s", gap, f.FundingTime.Format(time.RFC3339))
			}
		}
		prev = f
	}
	return r
}

// ValidateLiquidations checks a liquidation batch. Fatal: missing order id,
// invalid side, non-positive price or quantity, duplicate order ids.
func ValidateLiquidations(batch []Liquidation) Report {
	var r Report
	seen := make(map[string]struct{}, len(batch))

	for i, l := range batch {
		if l.OrderID == "" || l.Symbol == "" || l.Time.IsZero() {
			r.fatalf("liquidation %d: missing required field", i)
			continue
		}
		if l.Side != SideBuy && l.Side != SideSell {
			r.fatalf("liquidation %d: invalid side %q", i, l.Side)
		}
		if l.Price <= 0 || l.Quantity <= 0 {
			r.fatalf("liquidation %d: non-positive price or quantity", i)
		}
		if _, dup := seen[l.OrderID]; dup {
			r.fatalf("liquidation %d: duplicate order id %s", i, l.OrderID)
		}
		seen[l.OrderID] = struct{}{}
	}
	return r
}

// ValidateLongShortRatios checks a long/short ratio batch. Fatal: missing
// fields, negative components, duplicate keys.
func ValidateLongShortRatios(batch []LongShortRatio) Report {
	var r Report
	seen := make(map[string]struct{}, len(batch))

	for i, x := range batch {
		if x.Symbol == "" || x.Period == "" || x.Time.IsZero() {
			r.fatalf("ratio %d: missing required field", i)
			continue
		}
		if x.LongShortRatio < 0 || x.LongAccount < 0 || x.ShortAccount < 0 {
			r.fatalf("ratio %d: negative value", i)
		}
		key := x.Key()
		if _, dup := seen[key]; dup {
			r.fatalf("ratio %d: duplicate key %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return r
}
