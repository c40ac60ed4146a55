package symbols

import (
	"fmt"
	"strings"
)

// quotes are tried longest first when splitting concatenated ids.
var quotes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// Split splits a unified "BASE/QUOTE" symbol.
func Split(unified string) (base, quote string, err error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(unified)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol %q, expected BASE/QUOTE", unified)
	}
	return parts[0], parts[1], nil
}

// ToExchange converts a unified perpetual symbol to the exchange wire id.
//
//	binance, bybit: BTC/USDT -> BTCUSDT
//	okx:            BTC/USDT -> BTC-USDT-SWAP
//	kucoin:         BTC/USDT -> XBTUSDTM
func ToExchange(exchange, unified string) (string, error) {
	base, quote, err := Split(unified)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(exchange) {
	case "binance", "bybit":
		return base + quote, nil
	case "okx":
		return base + "-" + quote + "-SWAP", nil
	case "kucoin":
		if base == "BTC" {
			base = "XBT"
		}
		return base + quote + "M", nil
	default:
		return "", fmt.Errorf("unsupported exchange %q", exchange)
	}
}

// FromExchange converts an exchange wire id back to a unified symbol.
func FromExchange(exchange, id string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(id))
	switch strings.ToLower(exchange) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		parts := strings.Split(sym, "-")
		if len(parts) != 2 {
			return "", fmt.Errorf("invalid okx instrument %q", id)
		}
		return parts[0] + "/" + parts[1], nil
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "binance", "bybit":
	default:
		return "", fmt.Errorf("unsupported exchange %q", exchange)
	}
	for _, q := range quotes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)] + "/" + q, nil
		}
	}
	return "", fmt.Errorf("cannot split %s id %q", exchange, id)
}
