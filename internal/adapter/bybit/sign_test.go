package bybit

import (
	"strings"
	"testing"
)

func TestSignDeterministicAndSecretFree(t *testing.T) {
	ph := prehash("1000", "api-key", "5000", "symbol=BTCUSDT")

	s1 := sign("shh", ph)
	s2 := sign("shh", ph)
	if s1 != s2 {
		t.Fatal("signing must be deterministic")
	}
	if strings.Contains(s1, "shh") {
		t.Fatal("signature must never embed the secret")
	}
}

func TestToWireSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC-USDT": "BTCUSDT",
		"BTCUSDT":  "BTCUSDT",
		"eth_usdt": "ETHUSDT",
	}
	for in, want := range cases {
		if got := toWireSymbol(in); got != want {
			t.Errorf("toWireSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
