// Package bridge implements the HTTP/2 upstream side of the proxy: it owns
// the per-connection session that terminates HTTP/2 from a client and relays
// each stream to a per-request HTTP/1.x origin connection. Naming follows the
// proxy convention: upstream is the HTTP/2 client side, downstream (origin)
// is the HTTP/1.x server side.
package bridge

import (
	"bytes"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"github.com/albertbausili/bifrost/internal/origin"
)

// RequestState tracks the client-to-origin half of a stream.
type RequestState int

// Request side states.
const (
	RequestInitial RequestState = iota
	RequestHeaderComplete
	RequestMsgComplete
	RequestStreamClosed
	RequestConnectFail
)

// ResponseState tracks the origin-to-client half of a stream.
type ResponseState int

// Response side states.
const (
	ResponseInitial ResponseState = iota
	ResponseHeaderComplete
	ResponseMsgComplete
	ResponseMsgReset
)

// OriginConn is the origin-connection surface the bridge drives. The
// concrete implementation lives in internal/origin; tests substitute fakes.
type OriginConn interface {
	Attach(h origin.ResponseHandler) error
	Detach()
	Feed(data []byte) error
	PushRequestHeaders(req *origin.Request) error
	PushUploadDataChunk(data []byte) error
	EndUploadData() error
	PauseRead()
	ResumeRead()
	ResponseRSTCode() http2.ErrCode
	MustClose() bool
	Close()
}

// Stream is the per-stream-id record. It is owned exclusively by the
// session's serialized callbacks.
type Stream struct {
	id       uint32
	priority uint32

	requestState  RequestState
	responseState ResponseState

	// Normalized request header list and the running sum of raw
	// name+value byte lengths, bounded by Config.MaxHeaderListSize.
	headers    [][2]string
	headersSum int

	method    string
	scheme    string
	authority string
	path      string

	// upgradeRequest marks a CONNECT or Upgrade-carrying request;
	// upgraded becomes true once the origin accepts (101, or 2xx for
	// CONNECT) and the stream turns into an opaque tunnel.
	upgradeRequest bool
	upgraded       bool

	// respBody queues origin response bytes for the codec's pull source.
	respBody bytes.Buffer

	// origin is detachable: ownership moves to the reuse pool at the
	// stream-close boundary, never during request processing.
	origin OriginConn

	// respRSTCode is the origin-reported cancel code, consulted through
	// inferRSTCode when tearing the client-side stream down.
	respRSTCode http2.ErrCode

	span    trace.Span
	started time.Time
}

func newStream(id, priority uint32) *Stream {
	return &Stream{
		id:          id,
		priority:    priority,
		respRSTCode: http2.ErrCodeNo,
		started:     time.Now(),
	}
}

// header returns the value of the first occurrence of name, which must be
// given lowercase.
func (d *Stream) header(name string) (string, bool) {
	for _, h := range d.headers {
		if h[0] == name {
			return h[1], true
		}
	}
	return "", false
}

// checkUpgradeRequest flags CONNECT and Upgrade-token requests as tunnel
// candidates before the origin answers.
func (d *Stream) checkUpgradeRequest() {
	if d.method == "CONNECT" {
		d.upgradeRequest = true
		return
	}
	if _, ok := d.header("upgrade"); ok {
		d.upgradeRequest = true
	}
}

// originRequest materializes the HTTP/1.x request pushed to the origin.
func (d *Stream) originRequest() *origin.Request {
	req := &origin.Request{
		Method:    d.method,
		Scheme:    d.scheme,
		Authority: d.authority,
		Path:      d.path,
		IsConnect: d.method == "CONNECT",
	}
	for _, h := range d.headers {
		if strings.HasPrefix(h[0], ":") {
			continue
		}
		req.Headers = append(req.Headers, h)
	}
	return req
}

// inferRSTCode maps an origin-reported error code to the code shown to the
// client. Only REFUSED_STREAM passes through, so clients may safely retry;
// everything else collapses to INTERNAL_ERROR.
func inferRSTCode(originCode http2.ErrCode) http2.ErrCode {
	if originCode == http2.ErrCodeRefusedStream {
		return originCode
	}
	return http2.ErrCodeInternal
}
