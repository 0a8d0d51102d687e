// Package h2 implements the HTTP/2 codec consumed by the bridge: an
// event-driven session engine built on golang.org/x/net/http2's Framer and
// HPACK coder. The bridge talks to the Codec interface only; the engine keeps
// frame parsing, header block assembly, settings and flow-control window
// accounting below that line.
package h2

import (
	"errors"

	"golang.org/x/net/http2"
)

// HeadersCategory distinguishes the first header block on a stream (the
// request) from any later one (trailers).
type HeadersCategory int

// Header block categories.
const (
	CategoryNone HeadersCategory = iota
	CategoryRequest
	CategoryTrailers
)

// FrameEvent describes a frame delivered to (or sent on behalf of) the
// session owner. Only the fields relevant to the frame type are set.
type FrameEvent struct {
	Type      http2.FrameType
	StreamID  uint32
	EndStream bool
	Ack       bool            // SETTINGS
	PromiseID uint32          // PUSH_PROMISE
	Priority  uint32          // HEADERS / PRIORITY weight
	Category  HeadersCategory // HEADERS
}

// Sentinel errors understood across the codec boundary.
var (
	// ErrTemporalCallbackFailure may be returned from OnHeaderField; the
	// codec resets the affected stream and keeps the session alive.
	ErrTemporalCallbackFailure = errors.New("h2: temporal callback failure")

	// ErrDeferred is returned by a DataSource with no bytes available yet;
	// the stream is parked until ResumeData.
	ErrDeferred = errors.New("h2: data source deferred")

	// ErrStreamNotFound is returned by submit operations targeting an
	// unknown or already closed stream.
	ErrStreamNotFound = errors.New("h2: no such stream")
)

// DataSource is the per-stream pull callback feeding response body bytes to
// the codec. Read fills p and reports eof when the final byte has been
// produced; returning ErrDeferred parks the stream until ResumeData. Any
// other error is fatal to the session.
type DataSource interface {
	Read(p []byte) (n int, eof bool, err error)
}

// Callbacks receives codec events. All callbacks run serially within
// MemRecv/MemSend on the caller's goroutine; a non-nil error (other than the
// documented temporal failure) is fatal to the session.
type Callbacks interface {
	OnBeginHeaders(streamID uint32, priority uint32) error
	OnHeaderField(streamID uint32, name, value string) error
	OnFrameRecv(ev FrameEvent) error
	OnDataChunk(streamID uint32, data []byte) error
	OnFrameSend(ev FrameEvent) error
	OnFrameNotSend(ev FrameEvent, cause error) error
	OnStreamClose(streamID uint32, code http2.ErrCode) error
	OnUnknownFrame(frameType http2.FrameType, streamID uint32) error
}

// Codec is the session surface the bridge drives. Automatic stream and
// connection window updates are suppressed; window maintenance is entirely
// the owner's job via DetermineWindowUpdate/SubmitWindowUpdate.
type Codec interface {
	// MemRecv feeds incoming connection bytes. It returns the number of
	// bytes consumed (always all of data unless the session failed).
	MemRecv(data []byte) (int, error)

	// MemSend returns the next outgoing byte span, or an empty slice when
	// there is nothing to send right now.
	MemSend() ([]byte, error)

	WantRead() bool
	WantWrite() bool

	SubmitSettings(settings []http2.Setting) error
	SubmitWindowUpdate(streamID uint32, delta int32) error
	SubmitResponse(streamID uint32, headers [][2]string, source DataSource) error
	SubmitRSTStream(streamID uint32, code http2.ErrCode) error

	// Terminate queues GOAWAY with the given error code and stops accepting
	// further input.
	Terminate(code http2.ErrCode) error

	// ResumeData unparks a stream whose DataSource returned ErrDeferred.
	ResumeData(streamID uint32)

	// Upgrade seeds the session from an HTTP2-Settings payload (h2c
	// upgrade), opening stream 1 in half-closed (remote) state.
	Upgrade(settingsPayload []byte) error

	// DetermineWindowUpdate reports the window increment that should be
	// submitted for the stream (0 = connection window), or 0 when no update
	// is warranted yet.
	DetermineWindowUpdate(streamID uint32) int32
}
