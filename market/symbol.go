package market

import "strings"

// Symbols are canonically written with a slash ("SOL/USDT"). The exchange
// wire format drops the slash ("SOLUSDT"), WebSocket stream names lowercase
// it ("solusdt"), and document-store paths replace it with an underscore
// ("SOL_USDT"). All conversions live here; components accept canonical
// symbols at their boundaries.

// quoteAssets, longest first, used to split a slashless exchange symbol.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "BNB", "USD"}

// ExchangeSymbol converts a canonical symbol to the exchange's wire form.
func ExchangeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// StreamSymbol converts a canonical symbol to the lowercase stream form.
func StreamSymbol(symbol string) string {
	return strings.ToLower(ExchangeSymbol(symbol))
}

// PathSymbol converts a canonical symbol to a document-store path segment.
func PathSymbol(symbol string) string {
	return strings.ReplaceAll(CanonicalSymbol(symbol), "/", "_")
}

// CanonicalSymbol normalizes any accepted form to "BASE/QUOTE". Inputs that
// already carry a separator are uppercased; slashless exchange symbols are
// split on a known quote asset. Unrecognized symbols pass through uppercased.
func CanonicalSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(s, "/") {
		return s
	}
	if strings.Contains(s, "_") {
		return strings.ReplaceAll(s, "_", "/")
	}
	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}
	return s
}
