// Package frame implements the wire codec: zero-copy parsing of inbound
// command frames and JSON-RPC 2.0 string formatting of outbound frames.
package frame

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
	"unsafe"
)

// MethodID discriminates the payload shape of an inbound frame. Unknown
// is a sentinel bounding validation, not a dispatchable method.
type MethodID uint8

const (
	PipelineStart MethodID = iota
	PipelineStop
	PipelinePause
	PipelineResume
	Unknown
)

func (m MethodID) String() string {
	switch m {
	case PipelineStart:
		return "PipelineStart"
	case PipelineStop:
		return "PipelineStop"
	case PipelinePause:
		return "PipelinePause"
	case PipelineResume:
		return "PipelineResume"
	default:
		return "Unknown"
	}
}

const headerSize = 9 // 8-byte req_id + 1-byte method_id

// ErrMalformed covers structural parse failures: a buffer shorter than
// the header, a non-UTF-8 pipeline descriptor, or a stop/pause/resume
// payload that is not exactly 4 bytes. Surfaced as JSON-RPC -32700 with
// id=-1, since the request id cannot be trusted in these cases.
var ErrMalformed = errors.New("frame: malformed")

// ErrInvalidRequest is returned when the frame parses structurally but
// carries req_id == 0. Surfaced as JSON-RPC -32600.
var ErrInvalidRequest = errors.New("frame: invalid request")

// ErrUnknownMethod is returned when method_id >= Unknown. The req_id is
// still valid and known at this point; this implementation classifies
// the condition as MethodNotFound (-32601) rather than InvalidRequest,
// carrying the client's req_id, matching the original dispatcher's
// lookup-miss behavior (see DESIGN.md for the rationale).
var ErrUnknownMethod = errors.New("frame: unknown method")

// Payload is a tagged variant over the method-specific fields a parsed
// frame may carry. Exactly one of PipelineConfig or PipelineID is
// meaningful, selected by Method.
type Payload struct {
	Method         MethodID
	PipelineConfig string // valid iff Method == PipelineStart; view into buf
	PipelineID     uint32 // valid iff Method is Stop/Pause/Resume
}

// Frame is a parsed inbound request. It retains the owning byte buffer
// for the lifetime of any string views into it (PipelineConfig is a
// substring of buf, not a copy). Parse does not allocate beyond the
// Frame and Payload structs themselves.
type Frame struct {
	ReqID   uint64
	Payload Payload

	buf []byte
}

// Buf returns the original wire buffer backing this frame's payload
// views. Callers must not retain the returned slice past the frame's
// task lifetime.
func (f *Frame) Buf() []byte { return f.buf }

// Parse decodes buf per the wire layout: 8-byte little-endian req_id, 1
// byte method_id, followed by a method-specific payload. buf is
// retained (not copied) inside the returned Frame; the caller must keep
// it alive for as long as the Frame is used. Parse always heap-allocates
// the Frame; callers on the hot path that maintain a task-descriptor
// pool should use ParseInto instead.
func Parse(buf []byte) (*Frame, error) {
	f := &Frame{}
	if err := ParseInto(buf, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseInto decodes buf into the caller-supplied f, which may be a
// pooled record being reused for this call. It is how task
// descriptors are allocated through the object pool rather than the
// Go heap on the hot path. On error f's contents are unspecified; the
// caller should not submit it as a task.
func ParseInto(buf []byte, f *Frame) error {
	if len(buf) < headerSize {
		return ErrMalformed
	}

	reqID := binary.LittleEndian.Uint64(buf[0:8])
	methodByte := buf[8]

	if reqID == 0 {
		return ErrInvalidRequest
	}
	if methodByte >= uint8(Unknown) {
		return ErrUnknownMethod
	}
	method := MethodID(methodByte)
	rest := buf[headerSize:]

	f.ReqID = reqID
	f.buf = buf
	switch method {
	case PipelineStart:
		if !utf8.Valid(rest) {
			return ErrMalformed
		}
		f.Payload = Payload{Method: method, PipelineConfig: bytesToString(rest)}
	case PipelineStop, PipelinePause, PipelineResume:
		if len(rest) != 4 {
			return ErrMalformed
		}
		f.Payload = Payload{Method: method, PipelineID: binary.LittleEndian.Uint32(rest)}
	default:
		return ErrUnknownMethod
	}
	return nil
}

// bytesToString borrows b's backing array instead of copying it, giving
// PipelineConfig a true zero-copy view into the owning frame buffer.
// Safe here because the returned string's lifetime is bounded by the
// Frame's, which in turn is bounded by the buffer the caller commits to
// keeping alive, the same discipline asked of every payload view.
func bytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
