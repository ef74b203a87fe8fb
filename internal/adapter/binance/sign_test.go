package binance

import (
	"net/url"
	"strings"
	"testing"
)

func TestSignIsDeterministicAndSecretFree(t *testing.T) {
	q := url.Values{}
	q.Set("symbol", "BTCUSDT")
	q.Set("timestamp", "1000")

	sig1 := sign("top-secret", q)
	sig2 := sign("top-secret", q)
	if sig1 != sig2 {
		t.Fatal("signing the same query with the same secret must be deterministic")
	}
	if strings.Contains(sig1, "top-secret") {
		t.Fatal("signature must never embed the secret")
	}

	otherSecret := sign("different-secret", q)
	if sig1 == otherSecret {
		t.Fatal("different secrets must produce different signatures")
	}
}

func TestToWireSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC-USDT": "BTCUSDT",
		"BTCUSDT":  "BTCUSDT",
		"btc-usdt": "BTCUSDT",
		"ETH_USDT": "ETHUSDT",
	}
	for in, want := range cases {
		if got := toWireSymbol(in); got != want {
			t.Errorf("toWireSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
