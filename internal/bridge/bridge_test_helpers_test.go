package bridge

import (
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/bifrost/internal/h2"
	"github.com/albertbausili/bifrost/internal/origin"
)

// fakeCodec records submit operations and lets tests script codec behavior.
type fakeCodec struct {
	cb h2.Callbacks

	settings  [][]http2.Setting
	windows   []windowUpdate
	responses []submittedResponse
	rsts      []rstCall
	terminate []http2.ErrCode
	resumed   []uint32
	upgraded  [][]byte

	determine map[uint32]int32
	sendQueue [][]byte
	wantRead  bool
	wantWrite bool
}

type windowUpdate struct {
	streamID uint32
	delta    int32
}

type submittedResponse struct {
	streamID uint32
	headers  [][2]string
	source   h2.DataSource
}

type rstCall struct {
	streamID uint32
	code     http2.ErrCode
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{determine: make(map[uint32]int32), wantRead: true}
}

func (f *fakeCodec) MemRecv(data []byte) (int, error) { return len(data), nil }

func (f *fakeCodec) MemSend() ([]byte, error) {
	if len(f.sendQueue) == 0 {
		return nil, nil
	}
	data := f.sendQueue[0]
	f.sendQueue = f.sendQueue[1:]
	return data, nil
}

func (f *fakeCodec) WantRead() bool  { return f.wantRead }
func (f *fakeCodec) WantWrite() bool { return f.wantWrite }

func (f *fakeCodec) SubmitSettings(settings []http2.Setting) error {
	f.settings = append(f.settings, settings)
	return nil
}

func (f *fakeCodec) SubmitWindowUpdate(streamID uint32, delta int32) error {
	f.windows = append(f.windows, windowUpdate{streamID, delta})
	return nil
}

func (f *fakeCodec) SubmitResponse(streamID uint32, headers [][2]string, source h2.DataSource) error {
	f.responses = append(f.responses, submittedResponse{streamID, headers, source})
	return nil
}

func (f *fakeCodec) SubmitRSTStream(streamID uint32, code http2.ErrCode) error {
	f.rsts = append(f.rsts, rstCall{streamID, code})
	return nil
}

func (f *fakeCodec) Terminate(code http2.ErrCode) error {
	f.terminate = append(f.terminate, code)
	return nil
}

func (f *fakeCodec) ResumeData(streamID uint32) { f.resumed = append(f.resumed, streamID) }

func (f *fakeCodec) Upgrade(payload []byte) error {
	f.upgraded = append(f.upgraded, payload)
	return nil
}

func (f *fakeCodec) DetermineWindowUpdate(streamID uint32) int32 { return f.determine[streamID] }

// fakeHandler is a scriptable bridge.ClientHandler.
type fakeHandler struct {
	written   [][]byte
	outbufLen int
	closed    bool

	nextOrigin  *fakeOrigin
	connectErr  error
	connections int
}

func (f *fakeHandler) WriteOutput(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.written = append(f.written, buf)
	return nil
}

func (f *fakeHandler) OutputBufferLen() int { return f.outbufLen }

func (f *fakeHandler) OriginConnect() (OriginConn, error) {
	f.connections++
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.nextOrigin == nil {
		f.nextOrigin = &fakeOrigin{}
	}
	return f.nextOrigin, nil
}

func (f *fakeHandler) SetUpstreamTimeouts(read, write time.Duration) {}

func (f *fakeHandler) CloseHandler() { f.closed = true }

// fakeOrigin is a scriptable bridge.OriginConn.
type fakeOrigin struct {
	handler origin.ResponseHandler

	attachErr error
	pushErr   error
	chunkErr  error
	feedErr   error

	pushedRequests []*origin.Request
	chunks         [][]byte
	uploadEnded    bool

	paused  int
	resumed int

	detached bool
	closed   bool

	mustClose bool
	rstCode   http2.ErrCode
}

func (f *fakeOrigin) Attach(h origin.ResponseHandler) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.handler = h
	return nil
}

func (f *fakeOrigin) Detach() { f.detached = true }

func (f *fakeOrigin) Feed(data []byte) error { return f.feedErr }

func (f *fakeOrigin) PushRequestHeaders(req *origin.Request) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushedRequests = append(f.pushedRequests, req)
	return nil
}

func (f *fakeOrigin) PushUploadDataChunk(data []byte) error {
	if f.chunkErr != nil {
		return f.chunkErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.chunks = append(f.chunks, buf)
	return nil
}

func (f *fakeOrigin) EndUploadData() error { f.uploadEnded = true; return nil }

func (f *fakeOrigin) PauseRead()  { f.paused++ }
func (f *fakeOrigin) ResumeRead() { f.resumed++ }

func (f *fakeOrigin) ResponseRSTCode() http2.ErrCode { return f.rstCode }
func (f *fakeOrigin) MustClose() bool                { return f.mustClose }
func (f *fakeOrigin) Close()                         { f.closed = true }
