package okx

import (
	"strings"
	"testing"
	"time"
)

func TestSignDeterministicAndSecretFree(t *testing.T) {
	ts := isoTimestamp(time.Unix(0, 0))
	ph := prehash(ts, "GET", "/api/v5/account/balance", "")

	s1 := sign("secret-value", ph)
	s2 := sign("secret-value", ph)
	if s1 != s2 {
		t.Fatal("signing must be deterministic")
	}
	if strings.Contains(s1, "secret-value") {
		t.Fatal("signature must never embed the secret")
	}
}

func TestToWireSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC-USDT",
		"BTC-USDT": "BTC-USDT",
		"ethusdt":  "ETH-USDT",
	}
	for in, want := range cases {
		if got := toWireSymbol(in); got != want {
			t.Errorf("toWireSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
