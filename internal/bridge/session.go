package bridge

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/bifrost/internal/h2"
	"github.com/albertbausili/bifrost/internal/origin"
)

// verboseLogging controls hot-path logging. Keep false for production runs.
const verboseLogging = false

const (
	// OutbufMaxThres is the single backpressure knob: it gates both the
	// client-side send loop and origin read resumption.
	OutbufMaxThres = 64 * 1024

	// settingsTimeout bounds the wait for the peer's SETTINGS ACK.
	settingsTimeout = 10 * time.Second
)

// ErrSessionDone is returned by OnRead/OnWrite when the codec wants neither
// read nor write and the output buffer is empty; the caller tears the client
// connection down.
var ErrSessionDone = errors.New("bridge: session finished")

// Config carries the per-session knobs. pkg/bifrost derives it from the
// public configuration.
type Config struct {
	MaxConcurrentStreams uint32
	WindowBits           uint8
	ConnectionWindowBits uint8
	MaxHeaderListSize    int

	// HTTP2Proxy switches validation to forward-proxy rules (:authority
	// required) and disables Location rewriting.
	HTTP2Proxy bool
	// NoVia passes the origin's via header through untouched instead of
	// appending our own token.
	NoVia bool

	ServerName   string
	ClientScheme string
	Port         int

	UpstreamReadTimeout  time.Duration
	UpstreamWriteTimeout time.Duration

	TracingEnabled bool
	Logger         *log.Logger
}

func (c *Config) normalize() {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.WindowBits == 0 {
		c.WindowBits = 16
	}
	if c.ConnectionWindowBits == 0 {
		c.ConnectionWindowBits = 16
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = 64 * 1024
	}
	if c.ServerName == "" {
		c.ServerName = "bifrost"
	}
	if c.ClientScheme == "" {
		c.ClientScheme = "http"
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// ClientHandler is the client-connection surface consumed by the session:
// output buffering with length accounting, the origin connection factory,
// timeout plumbing, and teardown.
type ClientHandler interface {
	WriteOutput(data []byte) error
	OutputBufferLen() int
	OriginConnect() (OriginConn, error)
	SetUpstreamTimeouts(read, write time.Duration)
	CloseHandler()
}

// Session bridges one HTTP/2 client connection to per-stream origin
// connections. All three event sources (client bytes, origin events, timers)
// are serialized through mu; callbacks never block.
type Session struct {
	mu      sync.Mutex
	codec   h2.Codec
	handler ClientHandler
	cfg     Config
	logger  *log.Logger

	streams map[uint32]*Stream

	settingsTimer *time.Timer
	flowControl   bool
	closed        bool

	// preUpstream keeps the HTTP/1.1 upstream alive for the session's
	// lifetime after an h2c upgrade; its buffers back stream 1's request.
	preUpstream any
}

// NewSession constructs the session, wires the codec, and submits the
// initial SETTINGS (plus the connection window enlargement when configured
// beyond 16 bits).
func NewSession(handler ClientHandler, cfg Config, newCodec func(h2.Callbacks) h2.Codec) (*Session, error) {
	cfg.normalize()
	s := &Session{
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger,
		streams: make(map[uint32]*Stream),
	}
	s.codec = newCodec(s)
	s.flowControl = true
	handler.SetUpstreamTimeouts(cfg.UpstreamReadTimeout, cfg.UpstreamWriteTimeout)

	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: cfg.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: (1 << cfg.WindowBits) - 1},
	}
	if err := s.codec.SubmitSettings(settings); err != nil {
		return nil, fmt.Errorf("bridge: submit settings: %w", err)
	}
	if cfg.ConnectionWindowBits > 16 {
		delta := int32((1 << cfg.ConnectionWindowBits) - 1 - 65535)
		if err := s.codec.SubmitWindowUpdate(0, delta); err != nil {
			return nil, fmt.Errorf("bridge: connection window update: %w", err)
		}
	}
	sessionsOpened.Inc()
	return s, nil
}

// OnRead hands pending client bytes to the codec and flushes what it
// produced. Any returned error is session-fatal.
func (s *Session) OnRead(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionDone
	}
	if _, err := s.codec.MemRecv(data); err != nil {
		return err
	}
	return s.sendLocked()
}

// OnWrite is invoked when client-side output drained; it refills from the
// codec.
func (s *Session) OnWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionDone
	}
	return s.sendLocked()
}

// sendLocked pumps codec output into the client buffer until the
// backpressure threshold is reached or the codec runs dry. When the codec
// wants neither read nor write and the buffer is empty, the session is done.
func (s *Session) sendLocked() error {
	for s.handler.OutputBufferLen() <= OutbufMaxThres {
		data, err := s.codec.MemSend()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		if err := s.handler.WriteOutput(data); err != nil {
			return fmt.Errorf("bridge: client write: %w", err)
		}
		clientBytes.Add(float64(len(data)))
	}
	if !s.codec.WantRead() && !s.codec.WantWrite() && s.handler.OutputBufferLen() == 0 {
		return ErrSessionDone
	}
	return nil
}

// Shutdown announces graceful teardown with GOAWAY(NO_ERROR) and flushes.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	sessionsTerminated.WithLabelValues("shutdown").Inc()
	if err := s.codec.Terminate(http2.ErrCodeNo); err != nil {
		s.teardownLocked(true)
		return
	}
	_ = s.sendLocked()
}

// Close tears the session down from the transport side (connection closed).
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(false)
}

// teardownLocked releases every stream and, when destroyHandler is set,
// destroys the owning client handler.
func (s *Session) teardownLocked(destroyHandler bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.stopSettingsTimer()
	for _, d := range s.streams {
		s.destroyStreamLocked(d)
	}
	sessionsClosed.Inc()
	if destroyHandler {
		s.handler.CloseHandler()
	}
}

func (s *Session) destroyStreamLocked(d *Stream) {
	if _, ok := s.streams[d.id]; !ok {
		return
	}
	delete(s.streams, d.id)
	if oc := d.origin; oc != nil {
		d.origin = nil
		oc.Close()
	}
	s.endSpan(d)
	streamsActive.Dec()
	streamDuration.Observe(time.Since(d.started).Seconds())
}

// rstStream submits RST_STREAM toward the client for a per-stream failure.
func (s *Session) rstStream(d *Stream, code http2.ErrCode) {
	if verboseLogging {
		s.logger.Printf("bridge: RST_STREAM stream_id=%d error_code=%v", d.id, code)
	}
	rstStreams.WithLabelValues(code.String()).Inc()
	if err := s.codec.SubmitRSTStream(d.id, code); err != nil {
		s.logger.Printf("bridge: submit RST_STREAM failed: %v", err)
	}
}

// --- codec callbacks (h2.Callbacks) ---------------------------------------

// OnBeginHeaders allocates the stream record for a request HEADERS frame.
func (s *Session) OnBeginHeaders(streamID uint32, priority uint32) error {
	if verboseLogging {
		s.logger.Printf("bridge: request HEADERS stream_id=%d", streamID)
	}
	if _, exists := s.streams[streamID]; exists {
		return nil
	}
	d := newStream(streamID, priority)
	s.streams[streamID] = d
	s.beginSpan(d)
	streamsOpened.Inc()
	streamsActive.Inc()
	return nil
}

// OnHeaderField validates and appends one request header, bounding the
// accumulated raw size. Invalid pairs are ignored without failing the
// connection; an oversized block fails temporally so the codec resets the
// stream.
func (s *Session) OnHeaderField(streamID uint32, name, value string) error {
	d := s.streams[streamID]
	if d == nil {
		return nil
	}
	if d.headersSum > s.cfg.MaxHeaderListSize {
		if verboseLogging {
			s.logger.Printf("bridge: too large header block stream_id=%d size=%d", streamID, d.headersSum)
		}
		return h2.ErrTemporalCallbackFailure
	}
	if !validHeaderPair(name, value) {
		return nil
	}
	d.headersSum += len(name) + len(value)
	splitAddHeader(&d.headers, name, value)
	return nil
}

// OnFrameRecv drives the request-side state machine from completed frames.
func (s *Session) OnFrameRecv(ev h2.FrameEvent) error {
	switch ev.Type {
	case http2.FrameData:
		d := s.streams[ev.StreamID]
		if d == nil {
			return nil
		}
		if ev.EndStream {
			if oc := d.origin; oc != nil {
				if err := oc.EndUploadData(); err != nil {
					s.rstStream(d, http2.ErrCodeInternal)
					return nil
				}
			}
			d.requestState = RequestMsgComplete
		}
	case http2.FrameHeaders:
		switch ev.Category {
		case h2.CategoryRequest:
			return s.onRequestHeaders(ev)
		case h2.CategoryTrailers:
			d := s.streams[ev.StreamID]
			if d == nil {
				return nil
			}
			if ev.EndStream {
				if oc := d.origin; oc != nil {
					if err := oc.EndUploadData(); err != nil {
						s.rstStream(d, http2.ErrCodeInternal)
						return nil
					}
				}
				d.requestState = RequestMsgComplete
			}
		}
	case http2.FramePriority:
		if d := s.streams[ev.StreamID]; d != nil {
			d.priority = ev.Priority
		}
	case http2.FrameSettings:
		if ev.Ack {
			s.stopSettingsTimer()
		}
	case http2.FramePushPromise:
		// This bridge never accepts server push toward the client.
		if err := s.codec.SubmitRSTStream(ev.PromiseID, http2.ErrCodeRefusedStream); err != nil {
			return err
		}
	}
	return nil
}

// onRequestHeaders validates the request and dispatches it to an origin
// connection.
func (s *Session) onRequestHeaders(ev h2.FrameEvent) error {
	d := s.streams[ev.StreamID]
	if d == nil {
		return nil
	}
	res := validateRequest(d.headers, s.cfg.HTTP2Proxy, ev.EndStream)
	if !res.ok {
		s.rstStream(d, http2.ErrCodeProtocol)
		return nil
	}
	d.method, d.scheme, d.authority, d.path = res.method, res.scheme, res.authority, res.path
	d.checkUpgradeRequest()
	s.annotateSpan(d)
	s.dispatchToOriginLocked(d, ev.EndStream)
	return nil
}

// dispatchToOriginLocked obtains an origin connection for the stream and
// pushes the request head. Attach failures mark the stream CONNECT_FAIL so
// stream-close can destroy it without waiting for an origin detach.
func (s *Session) dispatchToOriginLocked(d *Stream, endStream bool) {
	oc, err := s.handler.OriginConnect()
	if err != nil {
		s.rstStream(d, http2.ErrCodeInternal)
		d.requestState = RequestConnectFail
		return
	}
	if err := oc.Attach(&originAdapter{s: s, stream: d}); err != nil {
		oc.Close()
		s.rstStream(d, http2.ErrCodeInternal)
		d.requestState = RequestConnectFail
		return
	}
	d.origin = oc
	if err := oc.PushRequestHeaders(d.originRequest()); err != nil {
		s.rstStream(d, http2.ErrCodeInternal)
		return
	}
	if endStream {
		d.requestState = RequestMsgComplete
	} else {
		d.requestState = RequestHeaderComplete
	}
}

// OnDataChunk forwards an upload chunk to the origin.
func (s *Session) OnDataChunk(streamID uint32, data []byte) error {
	d := s.streams[streamID]
	if d == nil || d.origin == nil {
		return nil
	}
	originBytes.WithLabelValues("upload").Add(float64(len(data)))
	if err := d.origin.PushUploadDataChunk(data); err != nil {
		s.rstStream(d, http2.ErrCodeInternal)
	}
	return nil
}

// OnFrameSend arms the SETTINGS-ACK timer when a non-ACK SETTINGS frame
// goes out; only the first arm takes effect.
func (s *Session) OnFrameSend(ev h2.FrameEvent) error {
	if ev.Type == http2.FrameSettings && !ev.Ack {
		return s.startSettingsTimer()
	}
	return nil
}

// OnFrameNotSend resets a stream whose response HEADERS could not be sent,
// so it does not hang.
func (s *Session) OnFrameNotSend(ev h2.FrameEvent, cause error) error {
	s.logger.Printf("bridge: failed to send frame type=%v stream_id=%d: %v", ev.Type, ev.StreamID, cause)
	if ev.Type == http2.FrameHeaders {
		if d := s.streams[ev.StreamID]; d != nil {
			s.rstStream(d, http2.ErrCodeInternal)
		}
	}
	return nil
}

// OnStreamClose finalizes the stream: CONNECT_FAIL streams die immediately;
// a completed, non-tunneled exchange over a keep-alive-able origin detaches
// the origin connection for reuse; everything else closes it.
func (s *Session) OnStreamClose(streamID uint32, code http2.ErrCode) error {
	if verboseLogging {
		s.logger.Printf("bridge: stream stream_id=%d closed code=%v", streamID, code)
	}
	d := s.streams[streamID]
	if d == nil {
		return nil
	}
	if d.requestState == RequestConnectFail {
		s.destroyStreamLocked(d)
		return nil
	}
	d.requestState = RequestStreamClosed
	if d.responseState == ResponseMsgComplete && !d.upgraded {
		if oc := d.origin; oc != nil && !oc.MustClose() {
			d.origin = nil
			oc.Detach()
		}
	}
	s.destroyStreamLocked(d)
	return nil
}

// OnUnknownFrame ignores extension frames.
func (s *Session) OnUnknownFrame(frameType http2.FrameType, streamID uint32) error {
	if verboseLogging {
		s.logger.Printf("bridge: unknown frame type=%v stream_id=%d", frameType, streamID)
	}
	return nil
}

// --- timers ----------------------------------------------------------------

func (s *Session) startSettingsTimer() error {
	// SETTINGS is submitted once; a second submission must not rearm.
	if s.settingsTimer != nil {
		return nil
	}
	s.settingsTimer = time.AfterFunc(settingsTimeout, s.onSettingsTimeout)
	return nil
}

func (s *Session) stopSettingsTimer() {
	if t := s.settingsTimer; t != nil {
		t.Stop()
		s.settingsTimer = nil
	}
}

func (s *Session) onSettingsTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Printf("bridge: SETTINGS timeout")
	sessionsTerminated.WithLabelValues("settings_timeout").Inc()
	if err := s.codec.Terminate(http2.ErrCodeSettingsTimeout); err != nil {
		s.teardownLocked(true)
		return
	}
	if err := s.sendLocked(); err != nil {
		s.teardownLocked(true)
	}
}

// --- origin relay ----------------------------------------------------------

// resumeReadLocked recomputes both flow-control windows and flushes; called
// when the origin connection's output buffer has drained.
func (s *Session) resumeReadLocked(d *Stream) error {
	if s.flowControl {
		if inc := s.codec.DetermineWindowUpdate(0); inc > 0 {
			if err := s.codec.SubmitWindowUpdate(0, inc); err != nil {
				return err
			}
		}
		if d != nil {
			if inc := s.codec.DetermineWindowUpdate(d.id); inc > 0 {
				if err := s.codec.SubmitWindowUpdate(d.id, inc); err != nil {
					return err
				}
			}
		}
	}
	return s.sendLocked()
}

// originReadLocked is the origin readable path: route bytes through the
// origin parser, translating failures into a stream reset (headers already
// sent) or a synthesized 502 (not yet).
func (s *Session) originReadLocked(d *Stream, data []byte) error {
	switch {
	case d.requestState == RequestStreamClosed:
		// Client already closed its end; there is no consumer.
		s.destroyStreamLocked(d)
	case d.responseState == ResponseMsgReset:
		s.rstStream(d, inferRSTCode(d.respRSTCode))
		if oc := d.origin; oc != nil {
			d.origin = nil
			oc.Close()
		}
	default:
		oc := d.origin
		if oc == nil {
			break
		}
		if err := oc.Feed(data); err != nil {
			if verboseLogging {
				s.logger.Printf("bridge: origin parser failure stream_id=%d: %v", d.id, err)
			}
			if d.responseState == ResponseHeaderComplete {
				s.rstStream(d, http2.ErrCodeInternal)
			} else if d.responseState != ResponseMsgComplete {
				if err := s.errorReply(d, 502); err != nil {
					return err
				}
			}
			d.responseState = ResponseMsgComplete
			d.origin = nil
			oc.Close()
		}
	}
	return s.sendLocked()
}

// originClosedLocked is the origin event path for EOF, error and timeout.
func (s *Session) originClosedLocked(d *Stream, cause origin.Cause) error {
	if d.requestState == RequestStreamClosed {
		s.destroyStreamLocked(d)
		return nil
	}
	if oc := d.origin; oc != nil {
		d.origin = nil
		oc.Close()
	}
	switch cause {
	case origin.CauseEOF:
		if d.responseState == ResponseHeaderComplete {
			// The origin may indicate the end of the body by EOF. For
			// tunneled streams, MSG_COMPLETE makes the data source emit
			// RST_STREAM once pending bytes drain.
			d.responseState = ResponseMsgComplete
			s.onOriginBodyCompleteLocked(d)
		} else if d.responseState != ResponseMsgComplete {
			if err := s.errorReply(d, 502); err != nil {
				return err
			}
			d.responseState = ResponseMsgComplete
		}
	default: // error or timeout
		if d.responseState == ResponseMsgComplete {
			if d.upgraded {
				s.rstStream(d, http2.ErrCodeInternal)
			}
		} else {
			if d.responseState == ResponseHeaderComplete {
				s.rstStream(d, http2.ErrCodeInternal)
			} else {
				status := 502
				if cause == origin.CauseTimeout {
					status = 504
				}
				if err := s.errorReply(d, status); err != nil {
					return err
				}
			}
			d.responseState = ResponseMsgComplete
		}
	}
	return s.sendLocked()
}

// --- origin.EventSink ------------------------------------------------------

// streamForLocked resolves the stream an origin connection is attached to.
func (s *Session) streamForLocked(c *origin.Conn) *Stream {
	ad, _ := c.AttachedHandler().(*originAdapter)
	if ad == nil {
		return nil
	}
	if ad.stream.origin != OriginConn(c) {
		return nil
	}
	return ad.stream
}

// OriginConnected is informational; the origin side already applied
// TCP_NODELAY.
func (s *Session) OriginConnected(c *origin.Conn) {
	if verboseLogging {
		s.logger.Printf("bridge: origin connection established")
	}
}

// OriginReadable delivers origin bytes into the relay.
func (s *Session) OriginReadable(c *origin.Conn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	d := s.streamForLocked(c)
	if d == nil {
		c.Close()
		return
	}
	if err := s.originReadLocked(d, data); err != nil {
		s.teardownLocked(true)
	}
}

// OriginDrained fires when the origin output buffer empties; it reopens
// client-side flow-control windows.
func (s *Session) OriginDrained(c *origin.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	d := s.streamForLocked(c)
	if d == nil {
		return
	}
	if err := s.resumeReadLocked(d); err != nil {
		s.teardownLocked(true)
	}
}

// OriginClosed translates EOF/error/timeout on the origin connection.
func (s *Session) OriginClosed(c *origin.Conn, cause origin.Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	d := s.streamForLocked(c)
	if d == nil {
		return
	}
	d.respRSTCode = c.ResponseRSTCode()
	if c.ResponseReset() {
		d.responseState = ResponseMsgReset
		s.rstStream(d, inferRSTCode(d.respRSTCode))
		if oc := d.origin; oc != nil {
			d.origin = nil
			oc.Close()
		}
		if err := s.sendLocked(); err != nil {
			s.teardownLocked(true)
		}
		return
	}
	if err := s.originClosedLocked(d, cause); err != nil {
		s.teardownLocked(true)
	}
}

var _ h2.Callbacks = (*Session)(nil)
var _ origin.EventSink = (*Session)(nil)
