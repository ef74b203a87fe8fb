// Package binance implements the Binance venue adapter: HMAC-SHA256 request
// signing over a canonical query string, uppercase-concatenated symbol wire
// form, and the REST order-lifecycle surface (spec.md §6 "Binance").
package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// sign is a pure function of (secret, query): it never logs the secret and
// never returns it embedded in an error. Grounded on
// other_examples/.../binance_broker.go's bb.sign.
func sign(secret string, q url.Values) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(q.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// toWireSymbol converts the canonical SymbolId to Binance's uppercase
// concatenated wire form ("BTC-USDT" -> "BTCUSDT", "BTCUSDT" -> "BTCUSDT").
func toWireSymbol(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' || c == '_' || c == '/' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
