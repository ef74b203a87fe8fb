// Package okx implements the OKX venue adapter: HMAC-SHA256 base64
// signatures over timestamp+method+path+body, a required passphrase
// header, and a demo mode that adds the x-simulated-trading: 1 header
// (spec.md §6 "OKX"). Demo mode does not switch the host; requests go to
// the configured BaseURL in both modes.
package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"
)

// isoTimestamp returns an OKX-format ISO-8601 timestamp with millisecond
// precision, e.g. "2024-01-02T03:04:05.678Z".
func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// prehash builds the OKX signing string: timestamp + method + requestPath + body.
func prehash(timestamp, method, requestPath, body string) string {
	return timestamp + strings.ToUpper(method) + requestPath + body
}

// sign is a pure function of (secret, prehash string); it never logs the
// secret or leaks it via an error message.
func sign(secret, prehashStr string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehashStr))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// toWireSymbol converts the canonical SymbolId to OKX's hyphenated form
// ("BTCUSDT" -> "BTC-USDT"). Only the base/quote split for the quote
// suffixes USDT, USDC, USD, BTC and ETH (tried in that order) is handled;
// anything already hyphenated passes through unchanged.
func toWireSymbol(s string) string {
	up := strings.ToUpper(s)
	if strings.Contains(up, "-") {
		return up
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(up, quote) && len(up) > len(quote) {
			base := up[:len(up)-len(quote)]
			return base + "-" + quote
		}
	}
	return up
}
