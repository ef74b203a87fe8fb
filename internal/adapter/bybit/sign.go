// Package bybit implements the Bybit V5 venue adapter: HMAC-SHA256 hex
// signatures over timestamp+api_key+recv_window+params, with GET requests
// signing the query string and POST requests signing the JSON body
// (spec.md §6 "Bybit").
package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// prehash builds the Bybit V5 signing string: timestamp + api_key +
// recv_window + (query string for GET, JSON body for POST).
func prehash(timestamp, apiKey, recvWindow, payload string) string {
	return timestamp + apiKey + recvWindow + payload
}

// sign is a pure function of (secret, prehash string); it never logs the
// secret or leaks it via an error message.
func sign(secret, prehashStr string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehashStr))
	return hex.EncodeToString(mac.Sum(nil))
}

// toWireSymbol converts the canonical SymbolId to Bybit's concatenated form
// ("BTC-USDT" -> "BTCUSDT"), identical to Binance's wire form.
func toWireSymbol(s string) string {
	up := strings.ToUpper(s)
	up = strings.ReplaceAll(up, "-", "")
	up = strings.ReplaceAll(up, "_", "")
	return up
}
