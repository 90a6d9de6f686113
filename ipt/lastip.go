package ipt

// IPCompression identifies how an address packet compresses its payload
// against the last fully-resolved address. The producer picks the narrowest
// encoding that still disambiguates the new address; the decoder only
// applies it.
type IPCompression uint8

const (
	// IPSuppressed carries no address; the producer intentionally
	// omitted it.
	IPSuppressed IPCompression = 0

	// IPUpdate16 replaces the low 16 bits of the last address.
	IPUpdate16 IPCompression = 1

	// IPUpdate32 replaces the low 32 bits of the last address.
	IPUpdate32 IPCompression = 2

	// IPSext48 replaces the full address with the 48-bit payload
	// sign-extended to 64 bits.
	IPSext48 IPCompression = 3
)

// PayloadSize returns the encoded payload size in bytes for the
// compression, or ErrBadPacket for compressions the decoder does not
// support.
func (c IPCompression) PayloadSize() (int, error) {
	switch c {
	case IPSuppressed:
		return 0, nil
	case IPUpdate16:
		return 2, nil
	case IPUpdate32:
		return 4, nil
	case IPSext48:
		return 6, nil
	default:
		return 0, ErrBadPacket
	}
}

// LastIP tracks the most recently established full linear address and
// applies compressed deltas from address packets against it.
type LastIP struct {
	ip         uint64
	haveIP     bool
	suppressed bool
}

// Update applies an address packet payload with the declared compression.
//
// A suppressed update keeps the tracked address but marks it unavailable
// for the current packet. Returns ErrBadPacket for compressions the
// decoder does not support.
func (l *LastIP) Update(ipc IPCompression, payload uint64) error {
	switch ipc {
	case IPSuppressed:
		l.suppressed = true
		return nil
	case IPUpdate16:
		l.ip = (l.ip &^ 0xffff) | (payload & 0xffff)
	case IPUpdate32:
		l.ip = (l.ip &^ 0xffffffff) | (payload & 0xffffffff)
	case IPSext48:
		l.ip = sext(payload, 48)
	default:
		return ErrBadPacket
	}
	l.haveIP = true
	l.suppressed = false
	return nil
}

// IP returns the current address. The second return is false while the
// address is suppressed or no address has been established yet; the caller
// reports zero in that case, following the suppressed-address convention.
func (l *LastIP) IP() (uint64, bool) {
	if !l.haveIP || l.suppressed {
		return 0, false
	}
	return l.ip, true
}

// Clear drops all tracked address state.
func (l *LastIP) Clear() {
	*l = LastIP{}
}

// sext sign-extends the low bits of v to 64 bits.
func sext(v uint64, bits uint) uint64 {
	sign := uint64(1) << (bits - 1)
	return (v ^ sign) - sign
}
