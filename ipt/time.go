package ipt

// Time reconstructs a running timestamp counter and a core:bus clock ratio
// from timing packets interleaved in the stream.
//
// Both values update irregularly and are not fully accurate; callers must
// treat them as best-effort approximations valid as of the decoder's
// current read-ahead position.
type Time struct {
	tsc   uint64
	ratio uint32
}

// UpdateTSC records a timestamp counter value from a timing packet.
func (t *Time) UpdateTSC(tsc uint64) {
	t.tsc = tsc
}

// UpdateCBR records a core:bus clock ratio from a timing packet.
func (t *Time) UpdateCBR(ratio uint8) {
	t.ratio = uint32(ratio)
}

// TSC returns the last reconstructed timestamp counter value. Zero until
// the first timing packet has been decoded.
func (t *Time) TSC() uint64 {
	return t.tsc
}

// Ratio returns the last core:bus clock ratio, defined as core cycles per
// bus clock cycle. Zero until the first ratio packet has been decoded.
func (t *Time) Ratio() uint32 {
	return t.ratio
}

// Clear drops all reconstructed timing state.
func (t *Time) Clear() {
	*t = Time{}
}
