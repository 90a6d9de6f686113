// Package ipt implements a query decoder for a bit-compressed processor
// execution-trace stream. The decoder turns a raw, caller-owned trace buffer
// into an ordered sequence of branch, timing and asynchronous-event queries
// without re-executing the traced program.
package ipt

import "intelpt/common"

// Err represents library error return codes.
//
// All query operations either succeed with a non-negative Status bit-vector
// or fail with exactly one of these codes.
type Err int

const (
	// ErrInternal indicates an engine logic fault, e.g. refilling a
	// non-empty outcome cache. Not caused by the trace stream.
	ErrInternal Err = iota + 1

	// ErrInvalid indicates a nil decoder or malformed call arguments.
	ErrInvalid

	// ErrNoSync indicates the decoder has not located a synchronization
	// packet, or failed to find one scanning forward.
	ErrNoSync

	// ErrEndOfStream indicates decoding ran past the end of the trace
	// buffer while more packet bytes were expected.
	ErrEndOfStream

	// ErrBadOpcode indicates an unrecognized packet opcode.
	ErrBadOpcode

	// ErrBadPacket indicates a recognized opcode with a payload the
	// decoder could not interpret.
	ErrBadPacket

	// ErrBadQuery indicates the query does not match what the next
	// query-relevant packet encodes.
	ErrBadQuery
)

func (e Err) Error() string {
	switch e {
	case ErrInternal:
		return "internal decoder error"
	case ErrInvalid:
		return "invalid argument"
	case ErrNoSync:
		return "decoder out of sync"
	case ErrEndOfStream:
		return "end of trace stream"
	case ErrBadOpcode:
		return "unknown opcode"
	case ErrBadPacket:
		return "unknown packet payload"
	case ErrBadQuery:
		return "query does not match trace"
	default:
		return "unknown error"
	}
}

// Status is the bit-vector returned by successful queries. It reports
// conditions alongside the query result; it is never negative.
type Status int

const (
	// StatusIPSuppressed is set when the reported address was explicitly
	// omitted by the trace producer. The address is reported as zero.
	StatusIPSuppressed Status = 1 << iota

	// StatusEventPending is set when at least one asynchronous event is
	// waiting to be delivered via QueryEvent.
	StatusEventPending

	// StatusEOS is set when the end of the trace buffer was reached
	// exactly at this query.
	StatusEOS

	// StatusTracingDisabled is set while the traced program's tracing is
	// paused. Branch queries are not meaningful until it is re-enabled.
	StatusTracingDisabled
)

// ExecMode represents the execution mode of the traced program.
type ExecMode int

const (
	ExecModeUnknown ExecMode = iota
	ExecMode16
	ExecMode32
	ExecMode64
)

func (m ExecMode) String() string {
	switch m {
	case ExecMode16:
		return "16-bit"
	case ExecMode32:
		return "32-bit"
	case ExecMode64:
		return "64-bit"
	default:
		return "unknown"
	}
}

// EventType represents the kind of an asynchronous trace event.
type EventType int

const (
	EventTypeUnknown  EventType = iota
	EventEnabled                // Tracing has been enabled
	EventDisabled               // Tracing has been disabled
	EventPaging                 // The address space changed
	EventOverflow               // The trace producer lost packets
	EventExecMode               // The execution mode changed
	EventTSX                    // A transaction started, committed or aborted
	EventStopped                // Tracing stopped for good
)

func (t EventType) String() string {
	switch t {
	case EventEnabled:
		return "ENABLED"
	case EventDisabled:
		return "DISABLED"
	case EventPaging:
		return "PAGING"
	case EventOverflow:
		return "OVERFLOW"
	case EventExecMode:
		return "EXEC_MODE"
	case EventTSX:
		return "TSX"
	case EventStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Event is a discrete occurrence independent of the branch stream. Events
// are delivered strictly before the primary payload of the packet that
// produced them.
type Event struct {
	Type EventType

	// Enabled/Disabled specific fields
	IP           uint64 // Address tracing resumed from / was disabled at
	IPSuppressed bool   // The producer omitted the address

	// Paging specific fields
	CR3 uint64 // New address space base

	// Exec mode specific fields
	Mode ExecMode

	// TSX specific fields
	Speculative bool // Execution is speculative (inside a transaction)
	Aborted     bool // The transaction aborted
}

// Config holds decoder construction parameters. The trace buffer is owned by
// the caller and must remain valid and unmodified for the decoder's entire
// lifetime; the decoder never copies it.
type Config struct {
	// Buf is the raw trace buffer.
	Buf []byte

	// EventDepth bounds the pending-event queue. It reflects the maximum
	// number of events a single packet may carry. Zero selects
	// DefaultEventDepth.
	EventDepth int

	// Log receives decode diagnostics. Nil selects a no-op logger.
	Log common.Logger
}
