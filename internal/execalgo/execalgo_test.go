package execalgo

import (
	"testing"
	"time"

	"github.com/sawpanic/exec-core/internal/venue"
)

func TestTWAPSlicesEvenlyOverDuration(t *testing.T) {
	var emitted []ChildOrder
	cfg := Config{
		Symbol: "BTCUSDT", Side: venue.Buy, TargetQty: 10,
		Duration: 4 * time.Minute, SliceInterval: time.Minute,
	}
	twap := NewTWAP(cfg, func(c ChildOrder) { emitted = append(emitted, c) })

	start := time.Now()
	twap.Start(start)
	for i := 0; i < 4; i++ {
		twap.OnTick(start.Add(time.Duration(i) * time.Minute))
	}

	if len(emitted) != 4 {
		t.Fatalf("expected 4 slices, got %d", len(emitted))
	}
	for _, c := range emitted {
		if c.Qty != 2.5 {
			t.Errorf("slice qty = %v, want 2.5", c.Qty)
		}
	}
}

func TestTWAPCompletesWhenFilledReachesTarget(t *testing.T) {
	cfg := Config{Symbol: "BTCUSDT", Side: venue.Buy, TargetQty: 4, Duration: 2 * time.Minute, SliceInterval: time.Minute}
	var emitted []ChildOrder
	twap := NewTWAP(cfg, func(c ChildOrder) { emitted = append(emitted, c) })
	start := time.Now()
	twap.Start(start)
	twap.OnTick(start)
	twap.OnTick(start.Add(time.Minute))

	for _, c := range emitted {
		twap.OnFill(c.Index, c.Qty, 100)
	}
	if twap.State() != StateCompleted {
		t.Errorf("state = %v, want completed", twap.State())
	}
	if twap.AveragePrice() != 100 {
		t.Errorf("average price = %v, want 100", twap.AveragePrice())
	}
}

func TestTWAPSkipsSlicesBelowMinQty(t *testing.T) {
	cfg := Config{
		Symbol: "BTCUSDT", Side: venue.Buy, TargetQty: 1,
		Duration: 10 * time.Minute, SliceInterval: time.Minute, MinSliceQty: 1,
	}
	var emitted []ChildOrder
	twap := NewTWAP(cfg, func(c ChildOrder) { emitted = append(emitted, c) })
	start := time.Now()
	twap.Start(start)
	// Each of the first 9 slices would be ~0.1 qty, below MinSliceQty=1, and
	// are skipped without consuming remaining_qty; the final slice has only
	// one remaining_slices left and so absorbs the full remaining quantity.
	for i := 0; i < 10; i++ {
		twap.OnTick(start.Add(time.Duration(i) * time.Minute))
	}
	if len(emitted) != 1 {
		t.Fatalf("expected only the final slice to clear min_slice_qty, got %d emitted", len(emitted))
	}
	if emitted[0].Qty != 1 {
		t.Errorf("final slice qty = %v, want 1 (all remaining quantity)", emitted[0].Qty)
	}
}

func TestVWAPFollowsVolumeProfile(t *testing.T) {
	var emitted []ChildOrder
	cfg := VWAPConfig{
		Config: Config{
			Symbol: "BTCUSDT", Side: venue.Buy, TargetQty: 100,
			Duration: 3 * time.Minute, SliceInterval: time.Minute,
		},
		VolumeProfile: []float64{0.2, 0.3, 0.5},
	}
	vwap := NewVWAP(cfg, func(c ChildOrder) { emitted = append(emitted, c) })
	start := time.Now()
	vwap.Start(start)
	for i := 0; i < 3; i++ {
		vwap.OnTick(start.Add(time.Duration(i) * time.Minute))
	}
	if len(emitted) != 3 {
		t.Fatalf("expected 3 slices, got %d", len(emitted))
	}
	want := []float64{20, 30, 50}
	for i, c := range emitted {
		if c.Qty != want[i] {
			t.Errorf("slice %d qty = %v, want %v", i, c.Qty, want[i])
		}
	}
}

func TestVWAPProfileShorterThanSlicesIsPaddedAndRenormalized(t *testing.T) {
	cfg := VWAPConfig{
		Config: Config{
			Symbol: "BTCUSDT", Side: venue.Buy, TargetQty: 100,
			Duration: 4 * time.Minute, SliceInterval: time.Minute,
		},
		VolumeProfile: []float64{1, 1}, // only 2 entries for 4 slices
	}
	profile := normalizeProfile(cfg.VolumeProfile, cfg.Config.slices())
	if len(profile) != 4 {
		t.Fatalf("expected 4-slice profile, got %d", len(profile))
	}
	var sum float64
	for _, f := range profile {
		sum += f
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("profile does not sum to 1: %v (%+v)", sum, profile)
	}
	if profile[2] != 0 || profile[3] != 0 {
		t.Errorf("expected zero-padding for missing entries: %+v", profile)
	}
}

func TestVWAPProfileLongerThanSlicesIsTruncatedAndRenormalized(t *testing.T) {
	profile := normalizeProfile([]float64{0.1, 0.2, 0.3, 0.4, 0.5}, 2)
	if len(profile) != 2 {
		t.Fatalf("expected truncation to 2 entries, got %d", len(profile))
	}
	var sum float64
	for _, f := range profile {
		sum += f
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("profile does not sum to 1 after truncation: %v", sum)
	}
}

func TestPauseResumeAndCancel(t *testing.T) {
	cfg := Config{Symbol: "BTCUSDT", Side: venue.Buy, TargetQty: 10, Duration: time.Minute, SliceInterval: time.Minute}
	var emitted []ChildOrder
	twap := NewTWAP(cfg, func(c ChildOrder) { emitted = append(emitted, c) })
	start := time.Now()
	twap.Start(start)
	twap.Pause()
	twap.OnTick(start)
	if len(emitted) != 0 {
		t.Fatal("expected no slices to emit while paused")
	}
	twap.Resume()
	twap.OnTick(start)
	if len(emitted) != 1 {
		t.Fatal("expected one slice after resume")
	}

	twap.Cancel()
	if twap.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", twap.State())
	}
}
