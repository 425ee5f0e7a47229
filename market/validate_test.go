package market

import (
	"strings"
	"testing"
	"time"
)

func candle(t time.Time, o, h, l, c float64) Candle {
	return Candle{
		Time: t, Symbol: "SOL/USDT", Timeframe: "5m",
		Open: o, High: h, Low: l, Close: c, Volume: 100,
	}
}

func TestValidateCandles_AcceptsWellFormed(t *testing.T) {
	base := time.UnixMilli(1700000000000).UTC()
	batch := []Candle{
		candle(base, 100, 105, 99, 104),
		candle(base.Add(5*time.Minute), 104, 106, 103, 105),
		candle(base.Add(10*time.Minute), 105, 105, 105, 105), // flat bar
	}

	r := ValidateCandles(batch)
	if !r.OK() {
		t.Fatalf("fatal findings on valid batch: %v", r.Fatal)
	}
	if len(r.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", r.Warnings)
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v, want nil", r.Err())
	}
}

func TestValidateCandles_OHLCInequalityIsFatal(t *testing.T) {
	// open=10, high=5, low=6, close=7: high below open and low above high.
	bad := candle(time.UnixMilli(1700000000000).UTC(), 10, 5, 6, 7)

	r := ValidateCandles([]Candle{bad})
	if r.OK() {
		t.Fatal("batch with broken OHLC passed validation")
	}
	if !strings.Contains(r.Fatal[0], "OHLC inequality") {
		t.Errorf("Fatal[0] = %q, want OHLC inequality finding", r.Fatal[0])
	}
	if r.Err() == nil {
		t.Error("Err() = nil, want error")
	}
}

func TestValidateCandles_NegativeValueIsFatal(t *testing.T) {
	bad := candle(time.UnixMilli(1700000000000).UTC(), -1, 5, -2, 3)
	if r := ValidateCandles([]Candle{bad}); r.OK() {
		t.Error("negative candle passed validation")
	}
}

func TestValidateCandles_DuplicateKeyIsFatal(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC()
	batch := []Candle{
		candle(ts, 100, 105, 99, 104),
		candle(ts, 101, 106, 100, 105),
	}
	r := ValidateCandles(batch)
	if r.OK() {
		t.Fatal("duplicate keys passed validation")
	}
	if !strings.Contains(r.Fatal[0], "duplicate key") {
		t.Errorf("Fatal[0] = %q, want duplicate key finding", r.Fatal[0])
	}
}

func TestValidateCandles_MissingFieldIsFatal(t *testing.T) {
	bad := Candle{Time: time.Now(), Timeframe: "5m", Open: 1, High: 1, Low: 1, Close: 1}
	if r := ValidateCandles([]Candle{bad}); r.OK() {
		t.Error("candle without symbol passed validation")
	}
}

func TestValidateCandles_GapIsWarningOnly(t *testing.T) {
	base := time.UnixMilli(1700000000000).UTC()
	batch := []Candle{
		candle(base, 100, 105, 99, 104),
		candle(base.Add(20*time.Minute), 104, 106, 103, 105), // 15m hole
	}

	r := ValidateCandles(batch)
	if !r.OK() {
		t.Fatalf("gap treated as fatal: %v", r.Fatal)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "gap") {
		t.Errorf("Warnings = %v, want one gap warning", r.Warnings)
	}
}

func TestValidateCandles_SpikeIsWarningOnly(t *testing.T) {
	base := time.UnixMilli(1700000000000).UTC()
	batch := []Candle{
		candle(base, 100, 105, 99, 100),
		candle(base.Add(5*time.Minute), 100, 120, 99, 115), // +15% close-to-close
	}

	r := ValidateCandles(batch)
	if !r.OK() {
		t.Fatalf("spike treated as fatal: %v", r.Fatal)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "return") {
		t.Errorf("Warnings = %v, want one return warning", r.Warnings)
	}
}

func TestValidateOpenInterest(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC()
	good := OpenInterest{Time: ts, Symbol: "SOL/USDT", Period: "5m", OpenInterest: 1000, OpenInterestValue: 150000}

	if r := ValidateOpenInterest([]OpenInterest{good}); !r.OK() {
		t.Fatalf("valid OI rejected: %v", r.Fatal)
	}

	zero := good
	zero.OpenInterest = 0
	if r := ValidateOpenInterest([]OpenInterest{zero}); r.OK() {
		t.Error("non-positive OI passed validation")
	}

	if r := ValidateOpenInterest([]OpenInterest{good, good}); r.OK() {
		t.Error("duplicate OI keys passed validation")
	}
}

func TestValidateLiquidations(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC()
	good := Liquidation{OrderID: "42", Time: ts, Symbol: "SOL/USDT", Side: SideBuy, Price: 55.5, Quantity: 10}

	if r := ValidateLiquidations([]Liquidation{good}); !r.OK() {
		t.Fatalf("valid liquidation rejected: %v", r.Fatal)
	}

	badSide := good
	badSide.Side = "HOLD"
	if r := ValidateLiquidations([]Liquidation{badSide}); r.OK() {
		t.Error("invalid side passed validation")
	}

	if r := ValidateLiquidations([]Liquidation{good, good}); r.OK() {
		t.Error("duplicate order ids passed validation")
	}

	noID := good
	noID.OrderID = ""
	if r := ValidateLiquidations([]Liquidation{noID}); r.OK() {
		t.Error("missing order id passed validation")
	}
}

func TestValidateFundingRates(t *testing.T) {
	base := time.UnixMilli(1700000000000).UTC()
	batch := []FundingRate{
		{FundingTime: base, Symbol: "SOL/USDT", FundingRate: 0.0001, MarkPrice: 55},
		{FundingTime: base.Add(FundingInterval), Symbol: "SOL/USDT", FundingRate: -0.0002, MarkPrice: 54},
	}
	if r := ValidateFundingRates(batch); !r.OK() || len(r.Warnings) != 0 {
		t.Fatalf("valid funding batch: fatal=%v warnings=%v", r.Fatal, r.Warnings)
	}

	gapped := []FundingRate{
		batch[0],
		{FundingTime: base.Add(2 * FundingInterval), Symbol: "SOL/USDT", FundingRate: 0.0001},
	}
	r := ValidateFundingRates(gapped)
	if !r.OK() {
		t.Fatalf("funding gap treated as fatal: %v", r.Fatal)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one funding gap warning", r.Warnings)
	}
}

func TestValidateLongShortRatios(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC()
	good := LongShortRatio{Time: ts, Symbol: "SOL/USDT", Period: "5m", LongShortRatio: 1.5, LongAccount: 0.6, ShortAccount: 0.4}

	if r := ValidateLongShortRatios([]LongShortRatio{good}); !r.OK() {
		t.Fatalf("valid ratio rejected: %v", r.Fatal)
	}

	neg := good
	neg.LongAccount = -0.1
	if r := ValidateLongShortRatios([]LongShortRatio{neg}); r.OK() {
		t.Error("negative ratio component passed validation")
	}
}
