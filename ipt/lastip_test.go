package ipt

import "testing"

func TestLastIP_FullThenDelta(t *testing.T) {
	var l LastIP

	assertNoErr(t, l.Update(IPSext48, 0x7fff12345678), "full address update")
	ip, ok := l.IP()
	assertEqual(t, true, ok, "address available")
	assertEqual(t, uint64(0x7fff12345678), ip, "full address")

	// Replace the low 16 bits only.
	assertNoErr(t, l.Update(IPUpdate16, 0xaaaa), "16-bit delta")
	ip, _ = l.IP()
	assertEqual(t, uint64(0x7fff1234aaaa), ip, "address after 16-bit delta")

	// Replace the low 32 bits only.
	assertNoErr(t, l.Update(IPUpdate32, 0xbbbbcccc), "32-bit delta")
	ip, _ = l.IP()
	assertEqual(t, uint64(0x7fffbbbbcccc), ip, "address after 32-bit delta")
}

func TestLastIP_SignExtension(t *testing.T) {
	cases := []struct {
		name    string
		payload uint64
		want    uint64
	}{
		{"positive boundary", 0x7fffffffffff, 0x00007fffffffffff},
		{"negative boundary", 0x800000000000, 0xffff800000000000},
		{"all bits set", 0xffffffffffff, 0xffffffffffffffff},
		{"zero", 0x000000000001, 0x0000000000000001},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var l LastIP
			assertNoErr(t, l.Update(IPSext48, tc.payload), "update")
			ip, ok := l.IP()
			assertEqual(t, true, ok, "address available")
			assertEqual(t, tc.want, ip, "sign-extended address")
		})
	}
}

func TestLastIP_Suppressed(t *testing.T) {
	var l LastIP

	// No address established yet.
	_, ok := l.IP()
	assertEqual(t, false, ok, "address before any update")

	assertNoErr(t, l.Update(IPSext48, 0x1000), "full update")
	assertNoErr(t, l.Update(IPSuppressed, 0), "suppressed update")

	// Suppression hides the address for the current packet but keeps
	// the tracked value for later deltas.
	_, ok = l.IP()
	assertEqual(t, false, ok, "address while suppressed")

	assertNoErr(t, l.Update(IPUpdate16, 0x2000), "delta after suppression")
	ip, ok := l.IP()
	assertEqual(t, true, ok, "address after delta")
	assertEqual(t, uint64(0x2000), ip, "delta applied against kept address")
}

func TestLastIP_UnknownCompression(t *testing.T) {
	var l LastIP
	for ipc := IPCompression(4); ipc <= 7; ipc++ {
		assertErrIs(t, l.Update(ipc, 0), ErrBadPacket, "unsupported compression")
	}
}

func TestLastIP_Clear(t *testing.T) {
	var l LastIP
	assertNoErr(t, l.Update(IPSext48, 0x1000), "update")
	l.Clear()
	_, ok := l.IP()
	assertEqual(t, false, ok, "address after clear")
}

func TestIPCompression_PayloadSize(t *testing.T) {
	cases := []struct {
		ipc  IPCompression
		size int
	}{
		{IPSuppressed, 0},
		{IPUpdate16, 2},
		{IPUpdate32, 4},
		{IPSext48, 6},
	}
	for _, tc := range cases {
		size, err := tc.ipc.PayloadSize()
		assertNoErr(t, err, "PayloadSize")
		assertEqual(t, tc.size, size, "payload size")
	}

	_, err := IPCompression(5).PayloadSize()
	assertErrIs(t, err, ErrBadPacket, "unsupported compression size")
}
