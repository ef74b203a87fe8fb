package execalgo

import "time"

// VWAPConfig extends Config with a historical volume profile shaping each
// slice's target size, and an optional participation-rate cap against
// recently observed market volume.
type VWAPConfig struct {
	Config
	VolumeProfile     []float64 // fractions of TargetQty per slice, normalized to sum to 1
	ParticipationRate float64   // optional; 0 disables the cap
}

// VWAP is like TWAP but slice sizing follows VolumeProfile instead of an
// even split, per spec.md §4.H.
type VWAP struct {
	*base
	profile           []float64
	participationRate float64
}

// normalizeProfile implements OPEN QUESTION DECISION 4: a profile longer
// than the slice count is truncated to the first N entries; a profile
// shorter than the slice count is zero-padded, and the result is
// renormalized to sum to 1 in both cases.
func normalizeProfile(profile []float64, slices int) []float64 {
	out := make([]float64, slices)
	n := len(profile)
	if n > slices {
		n = slices
	}
	copy(out, profile[:n])

	var sum float64
	for _, f := range out {
		sum += f
	}
	if sum <= 0 {
		even := 1.0 / float64(slices)
		for i := range out {
			out[i] = even
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func NewVWAP(cfg VWAPConfig, emit ChildEmitter) *VWAP {
	n := cfg.slices()
	return &VWAP{
		base:              newBase(cfg.Config, emit, n),
		profile:           normalizeProfile(cfg.VolumeProfile, n),
		participationRate: cfg.ParticipationRate,
	}
}

func (v *VWAP) OnTick(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateRunning {
		return
	}
	if now.Before(v.nextSliceAt) {
		return
	}
	if v.sliceIndex >= v.totalSlices || v.remainingQty <= 1e-12 {
		v.state = StateCompleted
		return
	}

	frac := 0.0
	if v.sliceIndex < len(v.profile) {
		frac = v.profile[v.sliceIndex]
	}
	qty := v.cfg.TargetQty * frac
	if qty > v.remainingQty {
		qty = v.remainingQty
	}
	if pr, ok := v.participationCapLocked(); ok && qty > pr {
		qty = pr
	}
	qty = v.applyJitterQty(qty)
	if qty > v.remainingQty {
		qty = v.remainingQty
	}
	v.emitSlice(now, qty)
}

// participationCapLocked returns the participation-rate cap given the
// latest observed market volume, when configured. Caller holds v.mu.
func (v *VWAP) participationCapLocked() (float64, bool) {
	if v.participationRate <= 0 || !v.ref.hasData {
		return 0, false
	}
	return v.participationRate * v.ref.volume, true
}
