package venue

import "testing"

func TestOrderStatusAllowsTransitionTo(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusNew, StatusAccepted, true},
		{StatusAccepted, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusNew, false},
		{StatusFilled, StatusPartiallyFilled, false},
		{StatusCanceled, StatusFilled, false},
		{StatusNew, StatusNew, true},
		{StatusFilled, StatusFilled, false},
	}
	for _, c := range cases {
		if got := c.from.AllowsTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestPlaceOrderRequestValidate(t *testing.T) {
	price := 100.0
	valid := PlaceOrderRequest{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 1, ClientOrderID: "x"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	noQty := valid
	noQty.Qty = 0
	if err := noQty.Validate(); err == nil {
		t.Error("expected error for qty <= 0")
	}

	noID := valid
	noID.ClientOrderID = ""
	if err := noID.Validate(); err == nil {
		t.Error("expected error for empty client_order_id")
	}

	limitNoPrice := valid
	limitNoPrice.Type = Limit
	if err := limitNoPrice.Validate(); err == nil {
		t.Error("expected error for limit order without price")
	}

	limitWithPrice := limitNoPrice
	limitWithPrice.Price = &price
	if err := limitWithPrice.Validate(); err != nil {
		t.Errorf("expected valid limit order, got %v", err)
	}
}

func TestVenueBBOCrossed(t *testing.T) {
	crossed := VenueBBO{BidPrice: 101, AskPrice: 100}
	if !crossed.Crossed() {
		t.Error("expected crossed book to be detected")
	}

	stale := VenueBBO{BidPrice: 101, AskPrice: 100, IsStale: true}
	if stale.Crossed() {
		t.Error("stale books should not be flagged as crossed")
	}

	fine := VenueBBO{BidPrice: 100, AskPrice: 101}
	if fine.Crossed() {
		t.Error("non-crossed book flagged as crossed")
	}
}
