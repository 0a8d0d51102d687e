package h2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// verboseLogging controls hot-path logging. Keep false for production runs.
const verboseLogging = false

const (
	// HTTP/2 connection preface
	http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	defaultWindowSize   = 65535
	defaultMaxFrameSize = 16384
	defaultWeight       = 16
)

// Options configures a Session. Zero values fall back to protocol defaults.
type Options struct {
	Logger *log.Logger
}

// codecStream is the codec-side record of one peer-initiated stream.
type codecStream struct {
	id          uint32
	pri         uint32
	recvClosed  bool // peer sent END_STREAM
	sentClosed  bool // we sent END_STREAM
	rstQueued   bool
	rstRecvd    bool
	closed      bool // OnStreamClose fired
	refused     bool // silently discarded (concurrency limit)
	responded   bool
	deferred    bool
	source      DataSource
	sendWindow  int32
	recvWindow  int32 // announced inbound window, threshold base
	recvUnacked int32 // received bytes not yet returned via WINDOW_UPDATE
}

// outFrame is one serialized frame waiting in the send queue.
type outFrame struct {
	data       []byte
	ev         FrameEvent
	notify     bool   // fire OnFrameSend when popped
	respStream uint32 // response HEADERS: drop + OnFrameNotSend if stream died
	closeAfter bool   // RST_STREAM: close the stream once popped
	closeCode  http2.ErrCode
}

// Session is the Framer/HPACK-backed Codec implementation. It is not safe
// for concurrent use; the owner serializes all calls.
type Session struct {
	cb     Callbacks
	logger *log.Logger

	recvBuf     bytes.Buffer
	fr          *http2.Framer
	prefacePos  int
	prefaceDone bool

	writeBuf bytes.Buffer
	wfr      *http2.Framer

	henc *hpack.Encoder
	hbuf bytes.Buffer
	hdec *hpack.Decoder

	pending []outFrame

	streams        map[uint32]*codecStream
	lastRecvStream uint32
	active         uint32

	// open header block assembly
	hdrStream    uint32
	hdrEndStream bool
	hdrCategory  HeadersCategory
	hdrTemporal  bool
	hdrOpen      bool
	cbErr        error

	// peer-imposed send limits
	connSendWindow int32
	peerMaxFrame   uint32
	peerInitWindow int32

	// locally announced recv limits (from SubmitSettings)
	connRecvWindow  int32
	connRecvUnacked int32
	localInitWindow int32
	maxStreams      uint32

	goAwayRecvd bool
	terminated  bool
}

// NewSession creates a server-side codec session delivering events to cb.
func NewSession(cb Callbacks, opts Options) *Session {
	s := &Session{
		cb:              cb,
		logger:          opts.Logger,
		streams:         make(map[uint32]*codecStream),
		connSendWindow:  defaultWindowSize,
		peerMaxFrame:    defaultMaxFrameSize,
		peerInitWindow:  defaultWindowSize,
		connRecvWindow:  defaultWindowSize,
		localInitWindow: defaultWindowSize,
		maxStreams:      100,
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	s.henc = hpack.NewEncoder(&s.hbuf)
	s.hdec = hpack.NewDecoder(4096, nil)
	s.wfr = http2.NewFramer(&s.writeBuf, nil)
	s.fr = http2.NewFramer(io.Discard, &sessionReader{s: s})
	s.fr.SetMaxReadFrameSize(1 << 20)
	return s
}

// sessionReader drains the session's receive buffer for the Framer. The
// caller guarantees a full frame is buffered before ReadFrame is invoked.
type sessionReader struct{ s *Session }

func (r *sessionReader) Read(p []byte) (int, error) {
	if r.s.recvBuf.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, r.s.recvBuf.Bytes())
	r.s.recvBuf.Next(n)
	return n, nil
}

// MemRecv feeds connection bytes through the frame parser, invoking the
// owner's callbacks for each completed event.
func (s *Session) MemRecv(data []byte) (int, error) {
	consumed := len(data)
	if s.terminated {
		return consumed, nil
	}
	s.recvBuf.Write(data)

	if !s.prefaceDone {
		if ok, err := s.eatPreface(); err != nil {
			return consumed, err
		} else if !ok {
			return consumed, nil
		}
	}

	for !s.terminated && s.recvBuf.Len() >= 9 {
		b := s.recvBuf.Bytes()
		length := int(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
		if s.recvBuf.Len() < 9+length {
			break
		}
		f, err := s.fr.ReadFrame()
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				s.queueRST(se.StreamID, se.Code)
				continue
			}
			if ce, ok := err.(http2.ConnectionError); ok {
				_ = s.Terminate(http2.ErrCode(ce))
				break
			}
			return consumed, fmt.Errorf("h2: frame parse: %w", err)
		}
		if err := s.handleFrame(f); err != nil {
			return consumed, err
		}
		if s.cbErr != nil {
			return consumed, s.cbErr
		}
	}
	return consumed, nil
}

// eatPreface consumes the client connection preface, reporting ok when it
// has been fully matched.
func (s *Session) eatPreface() (bool, error) {
	for s.prefacePos < len(http2Preface) && s.recvBuf.Len() > 0 {
		c, _ := s.recvBuf.ReadByte()
		if c != http2Preface[s.prefacePos] {
			return false, fmt.Errorf("h2: invalid connection preface")
		}
		s.prefacePos++
	}
	s.prefaceDone = s.prefacePos == len(http2Preface)
	return s.prefaceDone, nil
}

func (s *Session) handleFrame(f http2.Frame) error {
	if s.hdrOpen {
		if cf, ok := f.(*http2.ContinuationFrame); !ok || cf.Header().StreamID != s.hdrStream {
			return s.connError(http2.ErrCodeProtocol, "expected CONTINUATION on stream %d", s.hdrStream)
		}
	}

	switch f := f.(type) {
	case *http2.HeadersFrame:
		return s.recvHeaders(f)
	case *http2.ContinuationFrame:
		return s.recvContinuation(f)
	case *http2.DataFrame:
		return s.recvData(f)
	case *http2.SettingsFrame:
		return s.recvSettings(f)
	case *http2.WindowUpdateFrame:
		return s.recvWindowUpdate(f)
	case *http2.RSTStreamFrame:
		st := s.streams[f.StreamID]
		if st == nil {
			return nil
		}
		st.rstRecvd = true
		return s.closeStream(st, f.ErrCode)
	case *http2.PriorityFrame:
		if st := s.streams[f.StreamID]; st != nil {
			st.pri = uint32(f.PriorityParam.Weight)
			return s.cb.OnFrameRecv(FrameEvent{
				Type: http2.FramePriority, StreamID: f.StreamID, Priority: uint32(f.PriorityParam.Weight),
			})
		}
		return nil
	case *http2.PingFrame:
		if !f.IsAck() {
			s.writeBuf.Reset()
			_ = s.wfr.WritePing(true, f.Data)
			s.enqueueRaw()
		}
		return nil
	case *http2.GoAwayFrame:
		s.goAwayRecvd = true
		return nil
	case *http2.PushPromiseFrame:
		return s.cb.OnFrameRecv(FrameEvent{
			Type: http2.FramePushPromise, StreamID: f.Header().StreamID, PromiseID: f.PromiseID,
		})
	default:
		return s.cb.OnUnknownFrame(f.Header().Type, f.Header().StreamID)
	}
}

func (s *Session) recvHeaders(f *http2.HeadersFrame) error {
	id := f.Header().StreamID
	st, exists := s.streams[id]
	category := CategoryTrailers
	if !exists {
		if id == 0 || id%2 == 0 || id <= s.lastRecvStream {
			return s.connError(http2.ErrCodeProtocol, "invalid stream id %d", id)
		}
		s.lastRecvStream = id
		pri := uint32(defaultWeight)
		if f.HasPriority() {
			pri = uint32(f.Priority.Weight)
		}
		st = &codecStream{
			id:         id,
			pri:        pri,
			sendWindow: s.peerInitWindow,
			recvWindow: s.localInitWindow,
		}
		s.streams[id] = st
		if s.active >= s.maxStreams {
			st.refused = true
			s.queueRST(id, http2.ErrCodeRefusedStream)
		} else {
			s.active++
			if err := s.cb.OnBeginHeaders(id, pri); err != nil {
				return err
			}
		}
		category = CategoryRequest
	}

	s.hdrStream = id
	s.hdrEndStream = f.StreamEnded()
	s.hdrCategory = category
	s.hdrTemporal = false
	s.hdrOpen = !f.HeadersEnded()

	if err := s.decodeFields(st, f.HeaderBlockFragment()); err != nil {
		return err
	}
	if f.HeadersEnded() {
		return s.finishHeaderBlock()
	}
	return nil
}

func (s *Session) recvContinuation(f *http2.ContinuationFrame) error {
	if s.hdrStream != f.Header().StreamID {
		return s.connError(http2.ErrCodeProtocol, "unexpected CONTINUATION")
	}
	st := s.streams[s.hdrStream]
	if err := s.decodeFields(st, f.HeaderBlockFragment()); err != nil {
		return err
	}
	if f.HeadersEnded() {
		s.hdrOpen = false
		return s.finishHeaderBlock()
	}
	return nil
}

// decodeFields runs one header block fragment through the HPACK decoder,
// delivering request-category fields to the owner. Decoding always proceeds
// even after a temporal failure so that dynamic table state stays in sync.
func (s *Session) decodeFields(st *codecStream, frag []byte) error {
	id := s.hdrStream
	request := s.hdrCategory == CategoryRequest && st != nil && !st.refused
	s.hdec.SetEmitFunc(func(hf hpack.HeaderField) {
		if !request || s.hdrTemporal || s.cbErr != nil {
			return
		}
		switch err := s.cb.OnHeaderField(id, hf.Name, hf.Value); err {
		case nil:
		case ErrTemporalCallbackFailure:
			s.hdrTemporal = true
		default:
			s.cbErr = err
		}
	})
	if _, err := s.hdec.Write(frag); err != nil {
		return s.connError(http2.ErrCodeCompression, "hpack: %v", err)
	}
	return nil
}

func (s *Session) finishHeaderBlock() error {
	if err := s.hdec.Close(); err != nil {
		return s.connError(http2.ErrCodeCompression, "hpack: %v", err)
	}
	id, endStream, category := s.hdrStream, s.hdrEndStream, s.hdrCategory
	temporal := s.hdrTemporal
	s.hdrStream, s.hdrOpen, s.hdrCategory = 0, false, CategoryNone

	st := s.streams[id]
	if st == nil || st.refused {
		return nil
	}
	if temporal {
		s.queueRST(id, http2.ErrCodeInternal)
		return nil
	}
	if endStream {
		st.recvClosed = true
	}
	return s.cb.OnFrameRecv(FrameEvent{
		Type: http2.FrameHeaders, StreamID: id, EndStream: endStream, Category: category, Priority: st.pri,
	})
}

func (s *Session) recvData(f *http2.DataFrame) error {
	id := f.Header().StreamID
	st := s.streams[id]
	if st == nil {
		if id == 0 || id > s.lastRecvStream {
			return s.connError(http2.ErrCodeProtocol, "DATA on idle stream %d", id)
		}
		// Closed and forgotten stream; the bytes still count against windows.
		s.connRecvUnacked += int32(f.Header().Length)
		return nil
	}

	// Whole payload (padding included) consumes flow-control windows.
	s.connRecvUnacked += int32(f.Header().Length)
	st.recvUnacked += int32(f.Header().Length)

	if st.refused {
		return nil
	}
	if len(f.Data()) > 0 {
		if err := s.cb.OnDataChunk(id, f.Data()); err != nil {
			return err
		}
	}
	if f.StreamEnded() {
		st.recvClosed = true
	}
	return s.cb.OnFrameRecv(FrameEvent{Type: http2.FrameData, StreamID: id, EndStream: f.StreamEnded()})
}

func (s *Session) recvSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return s.cb.OnFrameRecv(FrameEvent{Type: http2.FrameSettings, Ack: true})
	}
	var applyErr error
	_ = f.ForeachSetting(func(st http2.Setting) error {
		switch st.ID {
		case http2.SettingHeaderTableSize:
			s.henc.SetMaxDynamicTableSize(st.Val)
		case http2.SettingInitialWindowSize:
			if st.Val > 0x7fffffff {
				applyErr = s.connError(http2.ErrCodeFlowControl, "INITIAL_WINDOW_SIZE overflow")
				return applyErr
			}
			delta := int32(st.Val) - s.peerInitWindow
			s.peerInitWindow = int32(st.Val)
			for _, cs := range s.streams {
				cs.sendWindow += delta
			}
		case http2.SettingMaxFrameSize:
			if st.Val >= defaultMaxFrameSize && st.Val <= (1<<24)-1 {
				s.peerMaxFrame = st.Val
			}
		}
		return nil
	})
	if applyErr != nil {
		return nil
	}
	s.writeBuf.Reset()
	_ = s.wfr.WriteSettingsAck()
	s.enqueueRaw()
	return s.cb.OnFrameRecv(FrameEvent{Type: http2.FrameSettings})
}

func (s *Session) recvWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.Increment == 0 {
		return s.connError(http2.ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
	}
	if f.Header().StreamID == 0 {
		next := int64(s.connSendWindow) + int64(f.Increment)
		if next > 0x7fffffff {
			return s.connError(http2.ErrCodeFlowControl, "connection window overflow")
		}
		s.connSendWindow = int32(next)
		return nil
	}
	if st := s.streams[f.Header().StreamID]; st != nil {
		next := int64(st.sendWindow) + int64(f.Increment)
		if next > 0x7fffffff {
			s.queueRST(st.id, http2.ErrCodeFlowControl)
			return nil
		}
		st.sendWindow = int32(next)
	}
	return nil
}

// connError terminates the session with a GOAWAY carrying code. The error is
// not fatal to the caller; the driver observes want_read/want_write going
// quiet after the GOAWAY drains.
func (s *Session) connError(code http2.ErrCode, format string, args ...any) error {
	if verboseLogging {
		s.logger.Printf("h2: connection error: "+format, args...)
	}
	return s.Terminate(code)
}

// enqueueRaw moves the framer's write buffer into the send queue as one frame.
func (s *Session) enqueueRaw() {
	data := make([]byte, s.writeBuf.Len())
	copy(data, s.writeBuf.Bytes())
	s.writeBuf.Reset()
	s.pending = append(s.pending, outFrame{data: data})
}

func (s *Session) queueRST(id uint32, code http2.ErrCode) {
	if st := s.streams[id]; st != nil {
		if st.closed || st.rstQueued {
			return
		}
		st.rstQueued = true
	}
	s.writeBuf.Reset()
	_ = s.wfr.WriteRSTStream(id, code)
	data := make([]byte, s.writeBuf.Len())
	copy(data, s.writeBuf.Bytes())
	s.writeBuf.Reset()
	s.pending = append(s.pending, outFrame{data: data, closeAfter: true, closeCode: code, ev: FrameEvent{Type: http2.FrameRSTStream, StreamID: id}})
}

// closeStream fires OnStreamClose exactly once and forgets the stream.
func (s *Session) closeStream(st *codecStream, code http2.ErrCode) error {
	if st.closed {
		return nil
	}
	st.closed = true
	if !st.refused && s.active > 0 {
		s.active--
	}
	delete(s.streams, st.id)
	if st.refused {
		return nil
	}
	return s.cb.OnStreamClose(st.id, code)
}

// MemSend produces the next outgoing frame: queued control frames first,
// then flow-control-permitted DATA pulled from stream sources.
func (s *Session) MemSend() ([]byte, error) {
	for len(s.pending) > 0 {
		of := s.pending[0]
		s.pending = s.pending[1:]
		if of.respStream != 0 {
			st := s.streams[of.respStream]
			if st == nil || st.rstRecvd || st.closed {
				if err := s.cb.OnFrameNotSend(of.ev, ErrStreamNotFound); err != nil {
					return nil, err
				}
				continue
			}
		}
		if of.notify {
			if err := s.cb.OnFrameSend(of.ev); err != nil {
				return nil, err
			}
		}
		if of.closeAfter {
			if st := s.streams[of.ev.StreamID]; st != nil {
				if err := s.closeStream(st, of.closeCode); err != nil {
					return nil, err
				}
			}
		}
		return of.data, nil
	}

	if s.terminated {
		return nil, nil
	}

	for _, st := range s.streams {
		data, err := s.pullData(st)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return data, nil
		}
		// A source may have queued frames (tunnel RST) while producing none.
		if len(s.pending) > 0 {
			return s.MemSend()
		}
	}
	return nil, nil
}

func (s *Session) pullData(st *codecStream) ([]byte, error) {
	if st.source == nil || !st.responded || st.deferred || st.sentClosed || st.rstQueued || st.closed {
		return nil, nil
	}
	if st.sendWindow <= 0 || s.connSendWindow <= 0 {
		return nil, nil
	}
	max := int64(s.peerMaxFrame)
	if int64(st.sendWindow) < max {
		max = int64(st.sendWindow)
	}
	if int64(s.connSendWindow) < max {
		max = int64(s.connSendWindow)
	}
	buf := make([]byte, max)
	n, eof, err := st.source.Read(buf)
	if err == ErrDeferred {
		st.deferred = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n == 0 && !eof {
		st.deferred = true
		return nil, nil
	}
	s.writeBuf.Reset()
	if err := s.wfr.WriteData(st.id, eof, buf[:n]); err != nil {
		return nil, err
	}
	data := make([]byte, s.writeBuf.Len())
	copy(data, s.writeBuf.Bytes())
	s.writeBuf.Reset()
	st.sendWindow -= int32(n)
	s.connSendWindow -= int32(n)
	if eof {
		st.sentClosed = true
		if st.recvClosed {
			if err := s.closeStream(st, http2.ErrCodeNo); err != nil {
				return nil, err
			}
		}
	}
	return data, nil
}

// WantRead reports whether the session still accepts input.
func (s *Session) WantRead() bool {
	return !s.terminated
}

// WantWrite reports whether the session has, or can produce, output.
func (s *Session) WantWrite() bool {
	if len(s.pending) > 0 {
		return true
	}
	if s.terminated {
		return false
	}
	for _, st := range s.streams {
		if st.source != nil && st.responded && !st.deferred && !st.sentClosed &&
			!st.rstQueued && !st.closed && st.sendWindow > 0 && s.connSendWindow > 0 {
			return true
		}
	}
	return false
}

// SubmitSettings queues a SETTINGS frame and adopts the announced values for
// inbound accounting.
func (s *Session) SubmitSettings(settings []http2.Setting) error {
	for _, st := range settings {
		switch st.ID {
		case http2.SettingMaxConcurrentStreams:
			s.maxStreams = st.Val
		case http2.SettingInitialWindowSize:
			if st.Val > 0x7fffffff {
				return fmt.Errorf("h2: INITIAL_WINDOW_SIZE out of range: %d", st.Val)
			}
			s.localInitWindow = int32(st.Val)
		}
	}
	s.writeBuf.Reset()
	if err := s.wfr.WriteSettings(settings...); err != nil {
		return err
	}
	data := make([]byte, s.writeBuf.Len())
	copy(data, s.writeBuf.Bytes())
	s.writeBuf.Reset()
	s.pending = append(s.pending, outFrame{data: data, notify: true, ev: FrameEvent{Type: http2.FrameSettings}})
	return nil
}

// SubmitWindowUpdate queues a WINDOW_UPDATE and settles the inbound
// accounting it covers. A delta beyond the unacked byte count widens the
// announced window (connection window enlargement at session start).
func (s *Session) SubmitWindowUpdate(streamID uint32, delta int32) error {
	if delta <= 0 {
		return fmt.Errorf("h2: non-positive window delta %d", delta)
	}
	if streamID == 0 {
		if delta <= s.connRecvUnacked {
			s.connRecvUnacked -= delta
		} else {
			s.connRecvWindow += delta - s.connRecvUnacked
			s.connRecvUnacked = 0
		}
	} else if st := s.streams[streamID]; st != nil {
		if delta <= st.recvUnacked {
			st.recvUnacked -= delta
		} else {
			st.recvWindow += delta - st.recvUnacked
			st.recvUnacked = 0
		}
	}
	s.writeBuf.Reset()
	if err := s.wfr.WriteWindowUpdate(streamID, uint32(delta)); err != nil {
		return err
	}
	s.enqueueRaw()
	return nil
}

// SubmitResponse encodes and queues response HEADERS for the stream and
// installs the body pull source. A nil source ends the stream with the
// header frame.
func (s *Session) SubmitResponse(streamID uint32, headers [][2]string, source DataSource) error {
	st := s.streams[streamID]
	if st == nil || st.closed || st.rstQueued {
		return ErrStreamNotFound
	}
	if st.responded {
		return fmt.Errorf("h2: response already submitted on stream %d", streamID)
	}
	s.hbuf.Reset()
	for _, h := range headers {
		if err := s.henc.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return err
		}
	}
	block := make([]byte, s.hbuf.Len())
	copy(block, s.hbuf.Bytes())
	s.hbuf.Reset()

	endStream := source == nil
	s.writeBuf.Reset()
	first := true
	for len(block) > 0 || first {
		frag := block
		if uint32(len(frag)) > s.peerMaxFrame {
			frag = frag[:s.peerMaxFrame]
		}
		block = block[len(frag):]
		var err error
		if first {
			err = s.wfr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    len(block) == 0,
			})
			first = false
		} else {
			err = s.wfr.WriteContinuation(streamID, len(block) == 0, frag)
		}
		if err != nil {
			return err
		}
	}
	data := make([]byte, s.writeBuf.Len())
	copy(data, s.writeBuf.Bytes())
	s.writeBuf.Reset()

	st.responded = true
	st.source = source
	ev := FrameEvent{Type: http2.FrameHeaders, StreamID: streamID, EndStream: endStream}
	s.pending = append(s.pending, outFrame{data: data, ev: ev, respStream: streamID})
	if endStream {
		st.sentClosed = true
		if st.recvClosed {
			s.pending[len(s.pending)-1].closeAfter = true
			s.pending[len(s.pending)-1].closeCode = http2.ErrCodeNo
		}
	}
	return nil
}

// SubmitRSTStream queues RST_STREAM; the stream closes when the frame is
// handed to the transport.
func (s *Session) SubmitRSTStream(streamID uint32, code http2.ErrCode) error {
	s.queueRST(streamID, code)
	return nil
}

// Terminate queues GOAWAY and refuses further input.
func (s *Session) Terminate(code http2.ErrCode) error {
	if s.terminated {
		return nil
	}
	s.terminated = true
	s.writeBuf.Reset()
	if err := s.wfr.WriteGoAway(s.lastRecvStream, code, nil); err != nil {
		return err
	}
	s.enqueueRaw()
	return nil
}

// ResumeData unparks a deferred stream source.
func (s *Session) ResumeData(streamID uint32) {
	if st := s.streams[streamID]; st != nil {
		st.deferred = false
	}
}

// Upgrade applies a decoded HTTP2-Settings payload as if received in a
// SETTINGS frame and opens stream 1 half-closed (remote), per h2c upgrade.
func (s *Session) Upgrade(settingsPayload []byte) error {
	if len(settingsPayload)%6 != 0 {
		return fmt.Errorf("h2: malformed HTTP2-Settings payload (%d bytes)", len(settingsPayload))
	}
	for off := 0; off < len(settingsPayload); off += 6 {
		id := http2.SettingID(binary.BigEndian.Uint16(settingsPayload[off:]))
		val := binary.BigEndian.Uint32(settingsPayload[off+2:])
		switch id {
		case http2.SettingHeaderTableSize:
			s.henc.SetMaxDynamicTableSize(val)
		case http2.SettingInitialWindowSize:
			if val > 0x7fffffff {
				return fmt.Errorf("h2: INITIAL_WINDOW_SIZE overflow in upgrade payload")
			}
			s.peerInitWindow = int32(val)
		case http2.SettingMaxFrameSize:
			if val >= defaultMaxFrameSize && val <= (1<<24)-1 {
				s.peerMaxFrame = val
			}
		}
	}
	if _, exists := s.streams[1]; exists {
		return fmt.Errorf("h2: stream 1 already open")
	}
	s.streams[1] = &codecStream{
		id:         1,
		pri:        defaultWeight,
		recvClosed: true,
		sendWindow: s.peerInitWindow,
		recvWindow: s.localInitWindow,
	}
	s.lastRecvStream = 1
	s.active++
	return nil
}

// DetermineWindowUpdate reports the pending increment for the stream (0 for
// the connection window) once half the announced window has been consumed.
func (s *Session) DetermineWindowUpdate(streamID uint32) int32 {
	if streamID == 0 {
		if s.connRecvUnacked >= s.connRecvWindow/2 {
			return s.connRecvUnacked
		}
		return 0
	}
	if st := s.streams[streamID]; st != nil {
		if st.recvUnacked >= st.recvWindow/2 {
			return st.recvUnacked
		}
	}
	return 0
}

var _ Codec = (*Session)(nil)
