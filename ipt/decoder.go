package ipt

import (
	"intelpt/common"
)

// Decoder is the query decode engine. It drives forward through the trace
// buffer, classifies packets, and answers branch, event and timing queries
// in true trace order.
//
// A freshly constructed Decoder is unsynchronized: every query except
// QueryStart fails until a synchronization packet has been located. A single
// Decoder is not safe for concurrent use; parallelism across a large trace
// is achieved by synchronizing independent Decoder instances to different
// sync points of the same read-only buffer.
type Decoder struct {
	buf []byte        // Caller-owned trace buffer, never mutated
	log common.Logger // Logger for errors and debug info

	pos     int  // Current position in the trace buffer
	syncPos int  // Position of the last synchronization packet
	synced  bool // True once a synchronization packet has been located

	// Decoder flags
	tracingDisabled bool // Tracing is paused in the traced program
	consumePending  bool // Packet at pos waits for its events to drain

	pendingLen int // Size of the parsed-but-unconsumed event packet at pos
	tntLen     int // Size of the outcome packet the cache was filled from

	lastIP LastIP      // Last-address tracker
	tnt    TNTCache    // Cached conditional-branch outcomes
	time   Time        // Reconstructed timing information
	evq    *EventQueue // Pending events

	curEvent *Event // Most recently delivered event
}

// NewDecoder creates a decoder over the configured trace buffer. The buffer
// must remain valid and unmodified for the decoder's lifetime.
//
// Returns ErrInvalid if the configuration carries no buffer.
func NewDecoder(cfg Config) (*Decoder, error) {
	if cfg.Buf == nil {
		return nil, ErrInvalid
	}
	log := cfg.Log
	if log == nil {
		log = common.NewNoOpLogger()
	}
	return &Decoder{
		buf: cfg.Buf,
		log: log,
		evq: NewEventQueue(cfg.EventDepth),
	}, nil
}

// Offset returns the current decoder position as a byte offset from the
// start of the trace buffer. Useful for reporting errors.
func (d *Decoder) Offset() (uint64, error) {
	if d == nil {
		return 0, ErrInvalid
	}
	return uint64(d.pos), nil
}

// SyncOffset returns the offset of the last synchronization packet. Useful
// when splitting a trace stream for parallel decoding. Zero before the
// first successful QueryStart.
func (d *Decoder) SyncOffset() (uint64, error) {
	if d == nil {
		return 0, ErrInvalid
	}
	return uint64(d.syncPos), nil
}

// IsSynchronized returns true if the decoder has synchronized with the
// trace stream.
func (d *Decoder) IsSynchronized() bool {
	return d != nil && d.synced
}

// Reset clears the decoder's cached state: the outcome cache, the event
// queue, the current event, timing, the last-address tracker and the
// decoder flags. Position, sync point and buffer are left untouched, so a
// decoder recovers into a known-clean state without re-synchronizing.
func (d *Decoder) Reset() {
	if d == nil {
		return
	}
	d.clearDerived()
}

// QueryStart synchronizes the decoder and starts querying.
//
// It scans forward from the current position for the next synchronization
// packet, processes the state snapshot that follows it, then reads ahead to
// the first query-relevant packet. On success it returns the address of the
// first instruction, unless the producer suppressed it; a suppressed
// address is reported as zero with StatusIPSuppressed set.
//
// Returns ErrNoSync if no synchronization packet remains before the end of
// the buffer.
func (d *Decoder) QueryStart() (uint64, Status, error) {
	if d == nil {
		return 0, 0, ErrInvalid
	}

	off, ok := findSync(d.buf, d.pos)
	if !ok {
		if d.log != nil {
			d.log.Debug("no synchronization packet found")
		}
		return 0, 0, ErrNoSync
	}

	d.clearDerived()
	d.synced = true
	d.syncPos = off
	d.pos = off + lenPSB
	d.log.Logf(common.SeverityInfo, "synchronized at offset %d", off)

	if err := d.processHeader(); err != nil {
		return 0, 0, err
	}

	if _, _, err := d.readAhead(); err != nil {
		return 0, 0, err
	}

	status := d.status()
	addr, have := d.lastIP.IP()
	if !have {
		status |= StatusIPSuppressed
	}
	return addr, status, nil
}

// QueryUncondBranch returns the destination address of the next
// unconditional branch and advances the decoder past it.
//
// Returns ErrBadQuery if the next query-relevant packet is not an
// unconditional branch, or while queued events remain undelivered.
func (d *Decoder) QueryUncondBranch() (uint64, Status, error) {
	if d == nil {
		return 0, 0, ErrInvalid
	}
	if !d.synced {
		return 0, 0, ErrNoSync
	}
	if !d.evq.IsEmpty() {
		// Events precede the branch in trace order.
		return 0, 0, ErrBadQuery
	}

	kind, pkt, err := d.readAhead()
	if err != nil {
		return 0, 0, err
	}
	switch kind {
	case raBranch:
		if err := d.lastIP.Update(pkt.IPC, pkt.IP); err != nil {
			return 0, 0, err
		}
		d.pos += pkt.Len
		addr, have := d.lastIP.IP()
		status := d.status()
		if !have {
			status |= StatusIPSuppressed
		}
		d.log.Logf(common.SeverityDebug, "uncond branch to 0x%x at offset %d", addr, d.pos)
		return addr, status, nil
	case raEnd:
		return 0, 0, ErrEndOfStream
	default:
		return 0, 0, ErrBadQuery
	}
}

// QueryCondBranch returns whether the next conditional branch was taken.
//
// Buffered outcomes from the current outcome packet are dispensed first,
// without advancing the buffer position; an empty cache refills from the
// next outcome packet. Returns ErrBadQuery if the next query-relevant
// packet carries no outcome information, or while queued events remain
// undelivered.
func (d *Decoder) QueryCondBranch() (bool, Status, error) {
	if d == nil {
		return false, 0, ErrInvalid
	}
	if !d.synced {
		return false, 0, ErrNoSync
	}

	if d.tnt.IsEmpty() {
		if !d.evq.IsEmpty() {
			return false, 0, ErrBadQuery
		}

		kind, pkt, err := d.readAhead()
		if err != nil {
			return false, 0, err
		}
		switch kind {
		case raOutcome:
			if err := d.tnt.Update(pkt.TNT); err != nil {
				return false, 0, err
			}
			d.tntLen = pkt.Len
			d.log.Logf(common.SeverityDebug, "outcome packet at offset %d: %s", d.pos, pkt.Description())
		case raEnd:
			return false, 0, ErrEndOfStream
		default:
			return false, 0, ErrBadQuery
		}
	}

	taken, err := d.tnt.Query()
	if err != nil {
		return false, 0, err
	}
	if d.tnt.IsEmpty() {
		// All outcomes dispensed; consume the packet.
		d.pos += d.tntLen
		d.tntLen = 0
	}
	return taken, d.status(), nil
}

// QueryEvent returns the next pending asynchronous event.
//
// Pending events are dequeued oldest first without advancing the buffer
// position; once the packet that produced them has drained completely, the
// decoder advances past it. With no event pending, the decoder reads ahead
// until a packet yields one. Returns ErrBadQuery if the next query-relevant
// packet carries no event.
func (d *Decoder) QueryEvent() (Event, Status, error) {
	if d == nil {
		return Event{}, 0, ErrInvalid
	}
	if !d.synced {
		return Event{}, 0, ErrNoSync
	}

	if d.evq.IsEmpty() {
		kind, _, err := d.readAhead()
		if err != nil {
			return Event{}, 0, err
		}
		switch kind {
		case raEvent:
			// readAhead queued the packet's events already.
		case raEnd:
			return Event{}, 0, ErrEndOfStream
		default:
			return Event{}, 0, ErrBadQuery
		}
	}

	ev, ok := d.evq.Dequeue()
	if !ok {
		return Event{}, 0, ErrInternal
	}
	d.curEvent = &ev

	if d.evq.IsEmpty() && d.consumePending {
		// Every event from the packet has been delivered.
		d.pos += d.pendingLen
		d.pendingLen = 0
		d.consumePending = false
	}
	return ev, d.status(), nil
}

// CurrentEvent returns the most recently delivered event, or nil if no
// event has been delivered yet. The decoder owns the event until it is
// overwritten by the next QueryEvent.
func (d *Decoder) CurrentEvent() *Event {
	if d == nil {
		return nil
	}
	return d.curEvent
}

// QueryTime returns the reconstructed timestamp counter value at the
// decoder's current position. Since the decoder reads ahead to the next
// query-relevant packet, the value matches the branch or event about to be
// reported. The value updates irregularly and is not fully accurate.
func (d *Decoder) QueryTime() (uint64, error) {
	if d == nil {
		return 0, ErrInvalid
	}
	return d.time.TSC(), nil
}

// QueryCoreBusRatio returns the core:bus clock ratio at the decoder's
// current position, defined as core cycles per bus clock cycle. Like
// QueryTime, the value is approximate and updates irregularly.
func (d *Decoder) QueryCoreBusRatio() (uint32, error) {
	if d == nil {
		return 0, ErrInvalid
	}
	return d.time.Ratio(), nil
}

// WillEvent reports whether decoding the packet at the current position
// would enqueue at least one event, so a caller can decide to issue
// QueryEvent first. Purely advisory; it never mutates decoder state and
// reports false when the packet cannot be classified.
func (d *Decoder) WillEvent() (bool, error) {
	if d == nil {
		return false, ErrInvalid
	}
	if !d.synced {
		// Events only queue after synchronization; nothing can be
		// pending here.
		return false, nil
	}
	if !d.evq.IsEmpty() {
		return true, nil
	}

	pkt, err := ReadPacket(d.buf, d.pos)
	if err != nil {
		return false, nil
	}
	switch pkt.Type {
	case PktMode, PktPIP, PktOVF, PktTIPPGE, PktTIPPGD, PktStop:
		return true, nil
	}
	return false, nil
}

// raKind tags the result of the internal read-ahead loop.
type raKind int

const (
	raBranch  raKind = iota // Unconditional-branch packet at position
	raOutcome               // Branch-outcome packet at position
	raEvent                 // Event-bearing packet at position
	raEnd                   // Clean end of the trace buffer
)

// readAhead advances to the next query-relevant packet, consuming status
// packets along the way. The query-relevant packet itself is classified but
// not consumed; position addresses it on return.
//
// Shared by every query entry point; each caller applies its own
// post-condition check on the returned kind.
func (d *Decoder) readAhead() (raKind, Packet, error) {
	for {
		if d.pos >= len(d.buf) {
			return raEnd, Packet{}, nil
		}

		pkt, err := ReadPacket(d.buf, d.pos)
		if err != nil {
			d.log.Logf(common.SeverityDebug, "read ahead stopped at offset %d: %v", d.pos, err)
			return 0, Packet{}, err
		}

		switch pkt.Type {
		case PktPad, PktPSBEnd:
			d.pos += pkt.Len

		case PktTSC:
			d.time.UpdateTSC(pkt.TSC)
			d.pos += pkt.Len

		case PktCBR:
			d.time.UpdateCBR(pkt.Ratio)
			d.pos += pkt.Len

		case PktPSB:
			// Mid-stream synchronization point.
			d.syncPos = d.pos
			d.pos += pkt.Len
			if err := d.processHeader(); err != nil {
				return 0, Packet{}, err
			}

		case PktFUP:
			// A flow update outside a header refines the last
			// address without being query-relevant itself.
			if err := d.lastIP.Update(pkt.IPC, pkt.IP); err != nil {
				return 0, Packet{}, err
			}
			d.pos += pkt.Len

		case PktTIP:
			return raBranch, pkt, nil

		case PktTNT8, PktTNT64:
			return raOutcome, pkt, nil

		case PktMode, PktPIP, PktOVF, PktTIPPGE, PktTIPPGD, PktStop:
			// Queue the packet's events now so callers observe
			// the pending-event condition; the packet itself is
			// only consumed once the queue drains.
			if err := d.processEventPacket(pkt); err != nil {
				return 0, Packet{}, err
			}
			return raEvent, pkt, nil

		default:
			return 0, Packet{}, ErrBadOpcode
		}
	}
}

// processHeader consumes the state-snapshot packets that follow a
// synchronization packet, up to and including its terminator. Snapshot
// packets update decoder state without queuing events.
func (d *Decoder) processHeader() error {
	for {
		pkt, err := ReadPacket(d.buf, d.pos)
		if err != nil {
			return err
		}

		switch pkt.Type {
		case PktPSBEnd:
			d.pos += pkt.Len
			return nil

		case PktPad:
			d.pos += pkt.Len

		case PktFUP:
			if err := d.lastIP.Update(pkt.IPC, pkt.IP); err != nil {
				return err
			}
			d.pos += pkt.Len

		case PktTSC:
			d.time.UpdateTSC(pkt.TSC)
			d.pos += pkt.Len

		case PktCBR:
			d.time.UpdateCBR(pkt.Ratio)
			d.pos += pkt.Len

		case PktMode, PktPIP:
			// State snapshots, not changes; no event is queued.
			d.pos += pkt.Len

		default:
			// The header ended without an explicit terminator;
			// leave the packet for the read-ahead loop.
			return nil
		}
	}
}

// processEventPacket decodes the event-bearing packet at the current
// position and queues its events in order. The packet is not consumed until
// every queued event has been delivered.
func (d *Decoder) processEventPacket(pkt Packet) error {
	var ev Event

	switch pkt.Type {
	case PktMode:
		if pkt.ModeTSX {
			ev = Event{Type: EventTSX, Speculative: pkt.Speculative, Aborted: pkt.Aborted}
		} else {
			ev = Event{Type: EventExecMode, Mode: pkt.ModeExec}
		}

	case PktPIP:
		ev = Event{Type: EventPaging, CR3: pkt.CR3}

	case PktOVF:
		ev = Event{Type: EventOverflow}

	case PktStop:
		ev = Event{Type: EventStopped}

	case PktTIPPGE:
		if err := d.lastIP.Update(pkt.IPC, pkt.IP); err != nil {
			return err
		}
		addr, have := d.lastIP.IP()
		ev = Event{Type: EventEnabled, IP: addr, IPSuppressed: !have}
		d.tracingDisabled = false

	case PktTIPPGD:
		if err := d.lastIP.Update(pkt.IPC, pkt.IP); err != nil {
			return err
		}
		addr, have := d.lastIP.IP()
		ev = Event{Type: EventDisabled, IP: addr, IPSuppressed: !have}
		d.tracingDisabled = true

	default:
		return ErrInternal
	}

	if err := d.evq.Enqueue(ev); err != nil {
		return err
	}
	d.consumePending = true
	d.pendingLen = pkt.Len
	d.log.Logf(common.SeverityDebug, "event packet at offset %d: %s", d.pos, pkt.Description())
	return nil
}

// status assembles the success status bit-vector for the current decoder
// state.
func (d *Decoder) status() Status {
	var s Status
	if d.tracingDisabled {
		s |= StatusTracingDisabled
	}
	if !d.evq.IsEmpty() {
		s |= StatusEventPending
	}
	if d.pos >= len(d.buf) {
		s |= StatusEOS
	}
	return s
}

// clearDerived drops all cached and derived state, keeping position, sync
// point and buffer.
func (d *Decoder) clearDerived() {
	d.tracingDisabled = false
	d.consumePending = false
	d.pendingLen = 0
	d.tntLen = 0
	d.lastIP.Clear()
	d.tnt.Clear()
	d.time.Clear()
	if d.evq != nil {
		d.evq.Clear()
	}
	d.curEvent = nil
}
