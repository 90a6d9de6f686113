package ipt

import "fmt"

// PktType represents the type of a trace packet
type PktType int

const (
	PktUnknown PktType = iota
	PktPad             // Alignment padding, no payload
	PktPSB             // Synchronization packet
	PktPSBEnd          // End of a PSB+ header sequence
	PktTNT8            // Short conditional-branch outcome packet
	PktTNT64           // Long conditional-branch outcome packet
	PktTIP             // Unconditional branch target address
	PktTIPPGE          // Tracing enabled at address
	PktTIPPGD          // Tracing disabled at address
	PktFUP             // Flow update (source address)
	PktMode            // Execution mode change
	PktPIP             // Paging (address space) change
	PktTSC             // Timestamp counter value
	PktCBR             // Core:bus clock ratio
	PktOVF             // Producer-side overflow
	PktStop            // Trace stopped
)

func (t PktType) String() string {
	switch t {
	case PktPad:
		return "PAD"
	case PktPSB:
		return "PSB"
	case PktPSBEnd:
		return "PSBEND"
	case PktTNT8:
		return "TNT.8"
	case PktTNT64:
		return "TNT.64"
	case PktTIP:
		return "TIP"
	case PktTIPPGE:
		return "TIP.PGE"
	case PktTIPPGD:
		return "TIP.PGD"
	case PktFUP:
		return "FUP"
	case PktMode:
		return "MODE"
	case PktPIP:
		return "PIP"
	case PktTSC:
		return "TSC"
	case PktCBR:
		return "CBR"
	case PktOVF:
		return "OVF"
	case PktStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Packet opcodes. A 0x02 first byte escapes into the extended opcode table.
const (
	opcPad  = 0x00
	opcExt  = 0x02
	opcTSC  = 0x19
	opcMode = 0x99

	// Address packets encode their type in the low five bits and the
	// address compression in the top three.
	opcAddrMask = 0x1f
	opcTIPPGD   = 0x01
	opcTIP      = 0x0d
	opcTIPPGE   = 0x11
	opcFUP      = 0x1d
)

// Extended opcodes, second byte after 0x02.
const (
	extCBR    = 0x03
	extPSBEnd = 0x23
	extPIP    = 0x43
	extPSB    = 0x82
	extStop   = 0x83
	extTNT64  = 0xa3
	extOVF    = 0xf3
)

// Fixed packet and payload sizes in bytes.
const (
	lenPSB   = 16
	lenTSC   = 8 // opcode + 7 payload bytes (56-bit timestamp)
	lenCBR   = 4 // extended opcode + ratio + reserved byte
	lenPIP   = 8 // extended opcode + 6 payload bytes
	lenTNT64 = 8 // extended opcode + 6 payload bytes
	lenMode  = 2
)

// Mode packet leaves, top three bits of the payload byte.
const (
	modeLeafExec = 0x00
	modeLeafTSX  = 0x01
)

// Mode payload bits.
const (
	modeExecCSL = 0x01
	modeExecCSD = 0x02
	modeTSXIntX = 0x01
	modeTSXAbrt = 0x02
)

// cr3Shift aligns the PIP payload to the address-space base it names.
const cr3Shift = 5

// psbPattern is the full synchronization packet. It cannot occur in the
// payload of any other packet, which makes it a safe re-sync marker.
var psbPattern = [lenPSB]byte{
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
}

// Packet represents a classified trace packet. Len is the total encoded
// size including the opcode byte(s); the remaining fields are populated
// per packet type.
type Packet struct {
	Type PktType
	Len  int

	// Address packets (TIP, TIP.PGE, TIP.PGD, FUP)
	IPC IPCompression // Declared address compression
	IP  uint64        // Raw payload bits, interpreted per IPC

	// Outcome packets
	TNT uint64 // Payload including the stop bit

	// Mode packets
	ModeExec    ExecMode
	ModeTSX     bool // Payload is the TSX leaf
	Speculative bool
	Aborted     bool

	// Timing packets
	TSC   uint64
	Ratio uint8

	// Paging packets
	CR3 uint64
}

// Description returns a human-readable description of the packet
func (p *Packet) Description() string {
	switch p.Type {
	case PktTNT8, PktTNT64:
		return fmt.Sprintf("%s payload=0x%x", p.Type, p.TNT)
	case PktTIP, PktTIPPGE, PktTIPPGD, PktFUP:
		return fmt.Sprintf("%s ipc=%d ip=0x%x", p.Type, p.IPC, p.IP)
	case PktMode:
		if p.ModeTSX {
			return fmt.Sprintf("MODE.TSX intx=%v abrt=%v", p.Speculative, p.Aborted)
		}
		return fmt.Sprintf("MODE.Exec %s", p.ModeExec)
	case PktPIP:
		return fmt.Sprintf("PIP cr3=0x%x", p.CR3)
	case PktTSC:
		return fmt.Sprintf("TSC 0x%x", p.TSC)
	case PktCBR:
		return fmt.Sprintf("CBR %d", p.Ratio)
	default:
		return p.Type.String()
	}
}

// ReadPacket classifies the packet at pos in buf. It is a pure function of
// the buffer contents; it never mutates state and never reads past the end
// of buf.
//
// Returns ErrEndOfStream if the buffer ends before the packet does,
// ErrBadOpcode for unrecognized opcodes and ErrBadPacket for recognized
// opcodes with payloads the decoder cannot interpret.
func ReadPacket(buf []byte, pos int) (Packet, error) {
	if pos < 0 || pos >= len(buf) {
		return Packet{}, ErrEndOfStream
	}
	b := buf[pos:]
	hdr := b[0]

	switch {
	case hdr == opcPad:
		return Packet{Type: PktPad, Len: 1}, nil
	case hdr == opcExt:
		return readExtended(b)
	case hdr == opcTSC:
		return readTSC(b)
	case hdr == opcMode:
		return readMode(b)
	case hdr&0x01 == 0:
		// Any other even byte is a short outcome packet.
		return Packet{Type: PktTNT8, Len: 1, TNT: uint64(hdr >> 1)}, nil
	}

	switch hdr & opcAddrMask {
	case opcTIP:
		return readAddr(b, PktTIP)
	case opcTIPPGE:
		return readAddr(b, PktTIPPGE)
	case opcTIPPGD:
		return readAddr(b, PktTIPPGD)
	case opcFUP:
		return readAddr(b, PktFUP)
	}

	return Packet{}, ErrBadOpcode
}

func readExtended(b []byte) (Packet, error) {
	if len(b) < 2 {
		return Packet{}, ErrEndOfStream
	}

	switch b[1] {
	case extPSB:
		if len(b) < lenPSB {
			return Packet{}, ErrEndOfStream
		}
		for i, want := range psbPattern {
			if b[i] != want {
				return Packet{}, ErrBadPacket
			}
		}
		return Packet{Type: PktPSB, Len: lenPSB}, nil

	case extPSBEnd:
		return Packet{Type: PktPSBEnd, Len: 2}, nil

	case extCBR:
		if len(b) < lenCBR {
			return Packet{}, ErrEndOfStream
		}
		return Packet{Type: PktCBR, Len: lenCBR, Ratio: b[2]}, nil

	case extTNT64:
		if len(b) < lenTNT64 {
			return Packet{}, ErrEndOfStream
		}
		payload := readLE(b[2:], 6)
		// The stop bit must be present and at least one outcome
		// must precede it.
		if payload < 2 {
			return Packet{}, ErrBadPacket
		}
		return Packet{Type: PktTNT64, Len: lenTNT64, TNT: payload}, nil

	case extPIP:
		if len(b) < lenPIP {
			return Packet{}, ErrEndOfStream
		}
		return Packet{Type: PktPIP, Len: lenPIP, CR3: readLE(b[2:], 6) << cr3Shift}, nil

	case extOVF:
		return Packet{Type: PktOVF, Len: 2}, nil

	case extStop:
		return Packet{Type: PktStop, Len: 2}, nil
	}

	return Packet{}, ErrBadOpcode
}

func readTSC(b []byte) (Packet, error) {
	if len(b) < lenTSC {
		return Packet{}, ErrEndOfStream
	}
	return Packet{Type: PktTSC, Len: lenTSC, TSC: readLE(b[1:], 7)}, nil
}

func readMode(b []byte) (Packet, error) {
	if len(b) < lenMode {
		return Packet{}, ErrEndOfStream
	}
	payload := b[1]
	pkt := Packet{Type: PktMode, Len: lenMode}

	switch payload >> 5 {
	case modeLeafExec:
		csl := payload&modeExecCSL != 0
		csd := payload&modeExecCSD != 0
		switch {
		case csd && csl:
			return Packet{}, ErrBadPacket
		case csd:
			pkt.ModeExec = ExecMode64
		case csl:
			pkt.ModeExec = ExecMode32
		default:
			pkt.ModeExec = ExecMode16
		}
	case modeLeafTSX:
		pkt.ModeTSX = true
		pkt.Speculative = payload&modeTSXIntX != 0
		pkt.Aborted = payload&modeTSXAbrt != 0
	default:
		return Packet{}, ErrBadPacket
	}

	return pkt, nil
}

func readAddr(b []byte, typ PktType) (Packet, error) {
	ipc := IPCompression(b[0] >> 5)
	size, err := ipc.PayloadSize()
	if err != nil {
		return Packet{}, err
	}
	if len(b) < 1+size {
		return Packet{}, ErrEndOfStream
	}
	return Packet{Type: typ, Len: 1 + size, IPC: ipc, IP: readLE(b[1:], size)}, nil
}

func readLE(b []byte, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// findSync scans buf forward from pos for the next synchronization packet.
// Returns the offset of its first byte, or false if none remains.
func findSync(buf []byte, pos int) (int, bool) {
	if pos < 0 {
		pos = 0
	}
	for ; pos+lenPSB <= len(buf); pos++ {
		if buf[pos] != psbPattern[0] {
			continue
		}
		match := true
		for i := 1; i < lenPSB; i++ {
			if buf[pos+i] != psbPattern[i] {
				match = false
				break
			}
		}
		if match {
			return pos, true
		}
	}
	return 0, false
}
