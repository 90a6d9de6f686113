package ipt

import (
	"bytes"
	"errors"
	"testing"
)

// traceBuilder assembles raw trace buffers for tests, one packet at a time.
type traceBuilder struct {
	buf []byte
}

func newTrace() *traceBuilder {
	return &traceBuilder{}
}

func (b *traceBuilder) bytes() []byte {
	return b.buf
}

func (b *traceBuilder) raw(data ...byte) *traceBuilder {
	b.buf = append(b.buf, data...)
	return b
}

func (b *traceBuilder) pad() *traceBuilder {
	return b.raw(opcPad)
}

func (b *traceBuilder) psb() *traceBuilder {
	return b.raw(psbPattern[:]...)
}

func (b *traceBuilder) psbend() *traceBuilder {
	return b.raw(opcExt, extPSBEnd)
}

func (b *traceBuilder) le(v uint64, n int) *traceBuilder {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, byte(v>>(8*i)))
	}
	return b
}

func (b *traceBuilder) addr(opc byte, ipc IPCompression, payload uint64) *traceBuilder {
	b.raw(opc | byte(ipc)<<5)
	size, err := ipc.PayloadSize()
	if err != nil {
		panic("trace builder: bad ipc")
	}
	return b.le(payload, size)
}

func (b *traceBuilder) tip(ipc IPCompression, payload uint64) *traceBuilder {
	return b.addr(opcTIP, ipc, payload)
}

func (b *traceBuilder) tipPGE(ipc IPCompression, payload uint64) *traceBuilder {
	return b.addr(opcTIPPGE, ipc, payload)
}

func (b *traceBuilder) tipPGD(ipc IPCompression, payload uint64) *traceBuilder {
	return b.addr(opcTIPPGD, ipc, payload)
}

func (b *traceBuilder) fup(ipc IPCompression, payload uint64) *traceBuilder {
	return b.addr(opcFUP, ipc, payload)
}

// tntPayload packs outcomes (oldest first) below a stop bit.
func tntPayload(outcomes ...bool) uint64 {
	n := len(outcomes)
	v := uint64(1) << n
	for i, taken := range outcomes {
		if taken {
			v |= 1 << (n - 1 - i)
		}
	}
	return v
}

func (b *traceBuilder) tnt8(outcomes ...bool) *traceBuilder {
	if len(outcomes) < 1 || len(outcomes) > 6 {
		panic("trace builder: tnt8 carries 1 to 6 outcomes")
	}
	return b.raw(byte(tntPayload(outcomes...)) << 1)
}

func (b *traceBuilder) tnt64(outcomes ...bool) *traceBuilder {
	if len(outcomes) < 1 || len(outcomes) > 47 {
		panic("trace builder: tnt64 carries 1 to 47 outcomes")
	}
	b.raw(opcExt, extTNT64)
	return b.le(tntPayload(outcomes...), 6)
}

func (b *traceBuilder) modeExec(m ExecMode) *traceBuilder {
	var payload byte
	switch m {
	case ExecMode16:
		payload = 0
	case ExecMode32:
		payload = modeExecCSL
	case ExecMode64:
		payload = modeExecCSD
	default:
		panic("trace builder: bad exec mode")
	}
	return b.raw(opcMode, payload)
}

func (b *traceBuilder) modeTSX(speculative, aborted bool) *traceBuilder {
	payload := byte(modeLeafTSX) << 5
	if speculative {
		payload |= modeTSXIntX
	}
	if aborted {
		payload |= modeTSXAbrt
	}
	return b.raw(opcMode, payload)
}

func (b *traceBuilder) pip(payload uint64) *traceBuilder {
	b.raw(opcExt, extPIP)
	return b.le(payload, 6)
}

func (b *traceBuilder) tsc(v uint64) *traceBuilder {
	b.raw(opcTSC)
	return b.le(v, 7)
}

func (b *traceBuilder) cbr(ratio uint8) *traceBuilder {
	return b.raw(opcExt, extCBR, ratio, 0x00)
}

func (b *traceBuilder) ovf() *traceBuilder {
	return b.raw(opcExt, extOVF)
}

func (b *traceBuilder) stop() *traceBuilder {
	return b.raw(opcExt, extStop)
}

// Test assertion helpers

func assertEqual[T comparable](t *testing.T, want, got T, msg string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %v, got %v", msg, want, got)
	}
}

func assertBytesEqual(t *testing.T, want, got []byte, msg string) {
	t.Helper()
	if !bytes.Equal(want, got) {
		t.Errorf("%s: want %x, got %x", msg, want, got)
	}
}

func assertErrIs(t *testing.T, err error, want Err, msg string) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("%s: want error %v, got %v", msg, want, err)
	}
}

func assertNoErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error %v", msg, err)
	}
}

// The builder must emit exactly the encodings the classifier reads;
// spot-check a few against hand-written bytes.
func TestTraceBuilder_Encodings(t *testing.T) {
	assertBytesEqual(t, psbPattern[:], newTrace().psb().bytes(), "sync packet")
	assertBytesEqual(t, []byte{0x02, 0x23}, newTrace().psbend().bytes(), "header terminator")
	assertBytesEqual(t, []byte{0x0e}, newTrace().tnt8(true, true).bytes(), "short outcome packet")
	assertBytesEqual(t,
		[]byte{0x6d, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00},
		newTrace().tip(IPSext48, 0x1000).bytes(), "branch packet")
	assertBytesEqual(t,
		[]byte{0x19, 0x5f, 0xcf, 0xd0, 0xf9, 0x82, 0x00, 0x00},
		newTrace().tsc(0x82f9d0cf5f).bytes(), "timing packet")
}

func newTestDecoder(t *testing.T, buf []byte) *Decoder {
	t.Helper()
	d, err := NewDecoder(Config{Buf: buf})
	if err != nil {
		t.Fatalf("NewDecoder() error: %v", err)
	}
	return d
}

// startSynced runs QueryStart and fails the test on error.
func startSynced(t *testing.T, d *Decoder) (uint64, Status) {
	t.Helper()
	addr, status, err := d.QueryStart()
	if err != nil {
		t.Fatalf("QueryStart() error: %v", err)
	}
	return addr, status
}
