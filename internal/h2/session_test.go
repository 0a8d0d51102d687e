package h2

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// cbRecorder records every callback the session delivers.
type cbRecorder struct {
	begins   []uint32
	fields   map[uint32][][2]string
	frames   []FrameEvent
	chunks   map[uint32][]byte
	sends    []FrameEvent
	notSends []FrameEvent
	closes   []closeEvent
	unknown  int

	fieldErr error
}

type closeEvent struct {
	streamID uint32
	code     http2.ErrCode
}

func newRecorder() *cbRecorder {
	return &cbRecorder{fields: make(map[uint32][][2]string), chunks: make(map[uint32][]byte)}
}

func (r *cbRecorder) OnBeginHeaders(id uint32, pri uint32) error {
	r.begins = append(r.begins, id)
	return nil
}

func (r *cbRecorder) OnHeaderField(id uint32, name, value string) error {
	if r.fieldErr != nil {
		return r.fieldErr
	}
	r.fields[id] = append(r.fields[id], [2]string{name, value})
	return nil
}

func (r *cbRecorder) OnFrameRecv(ev FrameEvent) error {
	r.frames = append(r.frames, ev)
	return nil
}

func (r *cbRecorder) OnDataChunk(id uint32, data []byte) error {
	r.chunks[id] = append(r.chunks[id], data...)
	return nil
}

func (r *cbRecorder) OnFrameSend(ev FrameEvent) error {
	r.sends = append(r.sends, ev)
	return nil
}

func (r *cbRecorder) OnFrameNotSend(ev FrameEvent, cause error) error {
	r.notSends = append(r.notSends, ev)
	return nil
}

func (r *cbRecorder) OnStreamClose(id uint32, code http2.ErrCode) error {
	r.closes = append(r.closes, closeEvent{id, code})
	return nil
}

func (r *cbRecorder) OnUnknownFrame(t http2.FrameType, id uint32) error {
	r.unknown++
	return nil
}

// peer writes client-side frames.
type peer struct {
	buf  bytes.Buffer
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer
}

func newPeer() *peer {
	p := &peer{}
	p.fr = http2.NewFramer(&p.buf, nil)
	p.henc = hpack.NewEncoder(&p.hbuf)
	return p
}

func (p *peer) take() []byte {
	out := make([]byte, p.buf.Len())
	copy(out, p.buf.Bytes())
	p.buf.Reset()
	return out
}

func (p *peer) encode(t *testing.T, headers [][2]string) []byte {
	t.Helper()
	p.hbuf.Reset()
	for _, h := range headers {
		if err := p.henc.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			t.Fatalf("hpack encode: %v", err)
		}
	}
	block := make([]byte, p.hbuf.Len())
	copy(block, p.hbuf.Bytes())
	return block
}

func (p *peer) sendHeaders(t *testing.T, s *Session, id uint32, headers [][2]string, endStream bool) {
	t.Helper()
	if err := p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: p.encode(t, headers),
		EndHeaders:    true,
		EndStream:     endStream,
	}); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}
	p.feed(t, s)
}

func (p *peer) feed(t *testing.T, s *Session) {
	t.Helper()
	if _, err := s.MemRecv(p.take()); err != nil {
		t.Fatalf("MemRecv: %v", err)
	}
}

// drain pulls all pending output and returns the parsed frames. DATA
// payloads are copied out because the framer reuses buffers.
type parsedFrame struct {
	typ       http2.FrameType
	streamID  uint32
	endStream bool
	ack       bool
	data      []byte
	errCode   http2.ErrCode
	settings  map[http2.SettingID]uint32
	headers   [][2]string
}

func drain(t *testing.T, s *Session) []parsedFrame {
	t.Helper()
	var raw bytes.Buffer
	for {
		data, err := s.MemSend()
		if err != nil {
			t.Fatalf("MemSend: %v", err)
		}
		if len(data) == 0 {
			break
		}
		raw.Write(data)
	}
	if raw.Len() == 0 {
		return nil
	}
	fr := http2.NewFramer(nil, &raw)
	hdec := hpack.NewDecoder(4096, nil)
	var out []parsedFrame
	for raw.Len() > 0 {
		f, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("parse session output: %v", err)
		}
		pf := parsedFrame{typ: f.Header().Type, streamID: f.Header().StreamID}
		switch f := f.(type) {
		case *http2.DataFrame:
			pf.endStream = f.StreamEnded()
			pf.data = append([]byte(nil), f.Data()...)
		case *http2.SettingsFrame:
			pf.ack = f.IsAck()
			pf.settings = make(map[http2.SettingID]uint32)
			_ = f.ForeachSetting(func(st http2.Setting) error {
				pf.settings[st.ID] = st.Val
				return nil
			})
		case *http2.HeadersFrame:
			pf.endStream = f.StreamEnded()
			hdec.SetEmitFunc(func(hf hpack.HeaderField) {
				pf.headers = append(pf.headers, [2]string{hf.Name, hf.Value})
			})
			if _, err := hdec.Write(f.HeaderBlockFragment()); err != nil {
				t.Fatalf("decode response headers: %v", err)
			}
			_ = hdec.Close()
		case *http2.RSTStreamFrame:
			pf.errCode = f.ErrCode
		case *http2.GoAwayFrame:
			pf.errCode = f.ErrCode
		}
		out = append(out, pf)
	}
	return out
}

const testPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

func handshake(t *testing.T, s *Session, p *peer) {
	t.Helper()
	if _, err := s.MemRecv([]byte(testPreface)); err != nil {
		t.Fatalf("preface: %v", err)
	}
	if err := p.fr.WriteSettings(); err != nil {
		t.Fatal(err)
	}
	p.feed(t, s)
}

var reqHeaders = [][2]string{
	{":method", "GET"}, {":scheme", "https"}, {":authority", "a.example"}, {":path", "/x"},
}

// stringSource serves a fixed body then EOF.
type stringSource struct {
	data     []byte
	deferred bool
}

func (s *stringSource) Read(p []byte) (int, bool, error) {
	if s.deferred {
		return 0, false, ErrDeferred
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, len(s.data) == 0, nil
}

func TestSettingsExchange(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	if err := s.SubmitSettings([]http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: 100},
		{ID: http2.SettingInitialWindowSize, Val: 65535},
	}); err != nil {
		t.Fatal(err)
	}
	p := newPeer()
	handshake(t, s, p)

	frames := drain(t, s)
	if len(frames) != 2 {
		t.Fatalf("frames = %+v, want our SETTINGS then their ACK", frames)
	}
	if frames[0].typ != http2.FrameSettings || frames[0].ack {
		t.Errorf("first frame = %+v, want non-ack SETTINGS", frames[0])
	}
	if frames[0].settings[http2.SettingMaxConcurrentStreams] != 100 {
		t.Errorf("settings = %v", frames[0].settings)
	}
	if frames[1].typ != http2.FrameSettings || !frames[1].ack {
		t.Errorf("second frame = %+v, want SETTINGS ACK", frames[1])
	}
	if len(rec.sends) != 1 || rec.sends[0].Type != http2.FrameSettings || rec.sends[0].Ack {
		t.Errorf("sends = %+v, want one non-ack SETTINGS notification", rec.sends)
	}
}

func TestBadPrefaceFails(t *testing.T) {
	s := NewSession(newRecorder(), Options{})
	if _, err := s.MemRecv([]byte("GET / HTTP/1.1\r\n")); err == nil {
		t.Fatalf("expected preface error")
	}
}

func TestRequestHeadersDelivered(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, reqHeaders, true)

	if len(rec.begins) != 1 || rec.begins[0] != 1 {
		t.Fatalf("begins = %v", rec.begins)
	}
	if len(rec.fields[1]) != 4 || rec.fields[1][0] != ([2]string{":method", "GET"}) {
		t.Errorf("fields = %+v", rec.fields[1])
	}
	var got *FrameEvent
	for i := range rec.frames {
		if rec.frames[i].Type == http2.FrameHeaders {
			got = &rec.frames[i]
		}
	}
	if got == nil || !got.EndStream || got.Category != CategoryRequest {
		t.Errorf("headers event = %+v", got)
	}
}

func TestContinuationAssembled(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)

	block := p.encode(t, reqHeaders)
	half := len(block) / 2
	if err := p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID: 1, BlockFragment: block[:half], EndHeaders: false, EndStream: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.fr.WriteContinuation(1, true, block[half:]); err != nil {
		t.Fatal(err)
	}
	p.feed(t, s)

	if len(rec.fields[1]) != 4 {
		t.Fatalf("fields = %+v", rec.fields[1])
	}
}

func TestResponseRoundTrip(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, reqHeaders, true)
	_ = drain(t, s)

	src := &stringSource{data: []byte("hello")}
	if err := s.SubmitResponse(1, [][2]string{{":status", "200"}, {"content-length", "5"}}, src); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if len(frames) != 2 {
		t.Fatalf("frames = %+v, want HEADERS then DATA", frames)
	}
	if frames[0].typ != http2.FrameHeaders || frames[0].headers[0] != ([2]string{":status", "200"}) {
		t.Errorf("headers frame = %+v", frames[0])
	}
	if frames[1].typ != http2.FrameData || string(frames[1].data) != "hello" || !frames[1].endStream {
		t.Errorf("data frame = %+v", frames[1])
	}
	if len(rec.closes) != 1 || rec.closes[0] != (closeEvent{1, http2.ErrCodeNo}) {
		t.Errorf("closes = %+v, want NO_ERROR close", rec.closes)
	}
}

func TestHeaderOnlyResponseEndsStream(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, reqHeaders, true)
	_ = drain(t, s)

	if err := s.SubmitResponse(1, [][2]string{{":status", "204"}}, nil); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if len(frames) != 1 || frames[0].typ != http2.FrameHeaders || !frames[0].endStream {
		t.Fatalf("frames = %+v, want HEADERS with END_STREAM", frames)
	}
	if len(rec.closes) != 1 {
		t.Errorf("closes = %+v", rec.closes)
	}
}

func TestDeferredSourceResumes(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, reqHeaders, true)
	_ = drain(t, s)

	src := &stringSource{data: []byte("late"), deferred: true}
	if err := s.SubmitResponse(1, [][2]string{{":status", "200"}}, src); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if len(frames) != 1 || frames[0].typ != http2.FrameHeaders {
		t.Fatalf("frames = %+v, want HEADERS only while deferred", frames)
	}
	if s.WantWrite() {
		t.Errorf("deferred stream must not want write")
	}

	src.deferred = false
	s.ResumeData(1)
	if !s.WantWrite() {
		t.Errorf("resumed stream must want write")
	}
	frames = drain(t, s)
	if len(frames) != 1 || string(frames[0].data) != "late" || !frames[0].endStream {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestSubmitRSTStreamClosesOnce(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, reqHeaders, true)

	if err := s.SubmitRSTStream(1, http2.ErrCodeProtocol); err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitRSTStream(1, http2.ErrCodeProtocol); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	rstCount := 0
	for _, f := range frames {
		if f.typ == http2.FrameRSTStream {
			rstCount++
			if f.errCode != http2.ErrCodeProtocol {
				t.Errorf("code = %v", f.errCode)
			}
		}
	}
	if rstCount != 1 {
		t.Errorf("rst frames = %d, want 1", rstCount)
	}
	if len(rec.closes) != 1 || rec.closes[0] != (closeEvent{1, http2.ErrCodeProtocol}) {
		t.Errorf("closes = %+v", rec.closes)
	}
}

func TestPeerRSTStreamDeliversClose(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, reqHeaders, false)
	if err := p.fr.WriteRSTStream(1, http2.ErrCodeCancel); err != nil {
		t.Fatal(err)
	}
	p.feed(t, s)
	if len(rec.closes) != 1 || rec.closes[0] != (closeEvent{1, http2.ErrCodeCancel}) {
		t.Fatalf("closes = %+v", rec.closes)
	}
}

func TestDataChunksAndWindowAccounting(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, append(append([][2]string{}, reqHeaders...),
		[2]string{"content-length", "40000"}), false)

	payload := bytes.Repeat([]byte("z"), 40000)
	if err := p.fr.WriteData(1, false, payload[:20000]); err != nil {
		t.Fatal(err)
	}
	if err := p.fr.WriteData(1, true, payload[20000:]); err != nil {
		t.Fatal(err)
	}
	p.feed(t, s)

	if len(rec.chunks[1]) != 40000 {
		t.Fatalf("chunks = %d bytes", len(rec.chunks[1]))
	}
	if inc := s.DetermineWindowUpdate(0); inc != 40000 {
		t.Fatalf("connection increment = %d, want 40000", inc)
	}
	if inc := s.DetermineWindowUpdate(1); inc != 40000 {
		t.Fatalf("stream increment = %d, want 40000", inc)
	}
	if err := s.SubmitWindowUpdate(0, 40000); err != nil {
		t.Fatal(err)
	}
	if inc := s.DetermineWindowUpdate(0); inc != 0 {
		t.Errorf("increment after update = %d, want 0", inc)
	}
}

func TestTemporalFailureResetsStream(t *testing.T) {
	rec := newRecorder()
	rec.fieldErr = ErrTemporalCallbackFailure
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	p.sendHeaders(t, s, 1, reqHeaders, true)

	frames := drain(t, s)
	found := false
	for _, f := range frames {
		if f.typ == http2.FrameRSTStream && f.streamID == 1 && f.errCode == http2.ErrCodeInternal {
			found = true
		}
	}
	if !found {
		t.Fatalf("frames = %+v, want RST_STREAM(INTERNAL_ERROR)", frames)
	}
	for _, ev := range rec.frames {
		if ev.Type == http2.FrameHeaders {
			t.Errorf("headers-complete must not be delivered after temporal failure")
		}
	}
}

func TestTerminateEmitsGoAway(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)

	if err := s.Terminate(http2.ErrCodeSettingsTimeout); err != nil {
		t.Fatal(err)
	}
	if s.WantRead() {
		t.Errorf("terminated session must not want read")
	}
	frames := drain(t, s)
	last := frames[len(frames)-1]
	if last.typ != http2.FrameGoAway || last.errCode != http2.ErrCodeSettingsTimeout {
		t.Fatalf("frames = %+v, want GOAWAY(SETTINGS_TIMEOUT)", frames)
	}
	if s.WantWrite() {
		t.Errorf("drained terminated session must not want write")
	}
}

func TestUpgradeSeedsStreamOne(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})

	payload := make([]byte, 12)
	binary.BigEndian.PutUint16(payload[0:], uint16(http2.SettingMaxFrameSize))
	binary.BigEndian.PutUint32(payload[2:], 32768)
	binary.BigEndian.PutUint16(payload[6:], uint16(http2.SettingInitialWindowSize))
	binary.BigEndian.PutUint32(payload[8:], 131072)
	if err := s.Upgrade(payload); err != nil {
		t.Fatal(err)
	}
	if s.peerMaxFrame != 32768 {
		t.Errorf("peerMaxFrame = %d", s.peerMaxFrame)
	}
	st := s.streams[1]
	if st == nil || !st.recvClosed {
		t.Fatalf("stream 1 = %+v, want half-closed (remote)", st)
	}
	if st.sendWindow != 131072 {
		t.Errorf("sendWindow = %d", st.sendWindow)
	}

	if err := s.SubmitResponse(1, [][2]string{{":status", "200"}}, &stringSource{data: []byte("ok")}); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if len(frames) != 2 || frames[0].typ != http2.FrameHeaders || string(frames[1].data) != "ok" {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestUpgradeRejectsMalformedPayload(t *testing.T) {
	s := NewSession(newRecorder(), Options{})
	if err := s.Upgrade([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for non-multiple-of-6 payload")
	}
}

func TestContinuationViolationTerminates(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)

	block := p.encode(t, reqHeaders)
	if err := p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID: 1, BlockFragment: block[:3], EndHeaders: false,
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.fr.WritePing(false, [8]byte{}); err != nil {
		t.Fatal(err)
	}
	p.feed(t, s)

	if s.WantRead() {
		t.Fatalf("interleaved frame during header block must terminate the session")
	}
	frames := drain(t, s)
	last := frames[len(frames)-1]
	if last.typ != http2.FrameGoAway || last.errCode != http2.ErrCodeProtocol {
		t.Fatalf("frames = %+v, want GOAWAY(PROTOCOL_ERROR)", frames)
	}
}

func TestPingAcked(t *testing.T) {
	rec := newRecorder()
	s := NewSession(rec, Options{})
	p := newPeer()
	handshake(t, s, p)
	if err := p.fr.WritePing(false, [8]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	p.feed(t, s)
	frames := drain(t, s)
	found := false
	for _, f := range frames {
		if f.typ == http2.FramePing {
			found = true
		}
	}
	if !found {
		t.Fatalf("frames = %+v, want PING ack", frames)
	}
}
