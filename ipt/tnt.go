package ipt

import "math/bits"

// TNTCache buffers the taken/not-taken outcomes carried by a single
// branch-outcome packet and dispenses them one at a time, oldest first.
//
// The cache never holds outcomes from two packets at once: it must drain
// completely before the engine refills it from the next outcome packet.
type TNTCache struct {
	tnt   uint64 // Packet payload including the stop bit
	index uint64 // One-hot marker of the next outcome to dispense
}

// IsEmpty reports whether all buffered outcomes have been dispensed.
func (c *TNTCache) IsEmpty() bool {
	return c.index == 0
}

// Update fills the cache from an outcome packet payload. The payload holds
// the outcomes below a stop bit, oldest outcome in the highest position.
//
// Returns ErrBadPacket if the payload has no stop bit and ErrInternal if
// the cache has not drained yet; the latter is an engine logic fault, not
// a property of the trace.
func (c *TNTCache) Update(payload uint64) error {
	if c.index != 0 {
		return ErrInternal
	}
	if payload == 0 {
		return ErrBadPacket
	}

	// The highest set bit is the stop bit; outcomes sit below it.
	stop := uint64(1) << (bits.Len64(payload) - 1)
	c.tnt = payload
	c.index = stop >> 1
	return nil
}

// Query dispenses the oldest buffered outcome. Returns ErrInternal when the
// cache is empty; the engine refills before querying.
func (c *TNTCache) Query() (bool, error) {
	if c.index == 0 {
		return false, ErrInternal
	}
	taken := c.tnt&c.index != 0
	c.index >>= 1
	return taken, nil
}

// Clear drops all buffered outcomes.
func (c *TNTCache) Clear() {
	*c = TNTCache{}
}
