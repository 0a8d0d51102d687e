// Package mux is the client-facing front of the proxy: a gnet event loop
// that detects HTTP/2 (connection preface) versus HTTP/1.1, runs a bridge
// session per connection, and bootstraps h2c upgrades from HTTP/1.1
// requests carrying HTTP2-Settings.
package mux

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/albertbausili/bifrost/internal/bridge"
	"github.com/albertbausili/bifrost/internal/h2"
	"github.com/albertbausili/bifrost/internal/origin"
)

const (
	// HTTP/2 connection preface
	http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	// Enough bytes to tell "PRI " from an HTTP/1.1 method.
	minDetectBytes = 4
)

// verboseConnLogging controls per-connection logging to avoid formatting
// overhead under load.
const verboseConnLogging = false

// silentGnetLogger discards gnet's internal messages.
type silentGnetLogger struct{}

func (silentGnetLogger) Debugf(_ string, _ ...any) {}
func (silentGnetLogger) Infof(_ string, _ ...any)  {}
func (silentGnetLogger) Warnf(_ string, _ ...any)  {}
func (silentGnetLogger) Errorf(_ string, _ ...any) {}
func (silentGnetLogger) Fatalf(_ string, _ ...any) {}

// Config defines the front server options.
type Config struct {
	Addr         string
	OriginAddr   string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       *log.Logger

	Bridge bridge.Config
	Origin origin.Options
}

// Server is the multiplexing gnet EventHandler.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	logger *log.Logger
	engine gnet.Engine

	activeConns   []gnet.Conn
	activeConnsMu sync.Mutex
}

// NewServer creates the front server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Start runs the gnet engine; it blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(silentGnetLogger{}),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	s.logger.Printf("bifrost listening on %s, origin %s", s.cfg.Addr, s.cfg.OriginAddr)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop announces GOAWAY on live sessions and halts the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	for _, c := range conns {
		if cs, ok := c.Context().(*connSession); ok && cs.sess != nil {
			cs.sess.Shutdown()
		}
	}
	time.Sleep(50 * time.Millisecond)
	for _, c := range conns {
		_ = c.Close()
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Printf("error stopping gnet engine: %v", err)
	}
	return nil
}

// OnBoot is called when the engine is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	return gnet.None
}

// OnOpen installs per-connection state for protocol detection.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	cs := &connSession{srv: s, conn: c}
	c.SetContext(cs)

	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()

	if verboseConnLogging {
		s.logger.Printf("new connection from %s", c.RemoteAddr())
	}
	return nil, gnet.None
}

// OnClose releases the session bound to the connection.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if cs, ok := c.Context().(*connSession); ok {
		cs.release()
	}
	s.activeConnsMu.Lock()
	for i, conn := range s.activeConns {
		if conn == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()

	if verboseConnLogging && err != nil {
		s.logger.Printf("connection closed with error: %v", err)
	}
	return gnet.None
}

// OnTraffic routes incoming bytes into the connection's session.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	cs, ok := c.Context().(*connSession)
	if !ok {
		return gnet.Close
	}
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if err := cs.handleData(buf); err != nil {
		if err != bridge.ErrSessionDone && verboseConnLogging {
			s.logger.Printf("session error from %s: %v", c.RemoteAddr(), err)
		}
		return gnet.Close
	}
	return gnet.None
}

// connSession tracks one client connection across protocol detection and
// its bridge session.
type connSession struct {
	srv  *Server
	conn gnet.Conn

	buffer   bytes.Buffer
	detected bool

	handler *clientHandler
	sess    *bridge.Session
}

func (cs *connSession) handleData(data []byte) error {
	if cs.detected {
		return cs.sess.OnRead(data)
	}
	cs.buffer.Write(data)
	if cs.buffer.Len() < minDetectBytes {
		return nil
	}
	if bytes.HasPrefix(cs.buffer.Bytes(), []byte(http2Preface[:minDetectBytes])) {
		return cs.startH2()
	}
	return cs.tryUpgrade()
}

// startH2 builds the bridge session and replays the buffered bytes,
// preface included; the codec strips it.
func (cs *connSession) startH2() error {
	if err := cs.initSession(); err != nil {
		return err
	}
	cs.detected = true
	buffered := cs.buffer.Bytes()
	if len(buffered) == 0 {
		cs.buffer.Reset()
		return nil
	}
	err := cs.sess.OnRead(buffered)
	cs.buffer.Reset()
	return err
}

func (cs *connSession) initSession() error {
	h := &clientHandler{conn: cs.conn}
	sess, err := bridge.NewSession(h, cs.srv.cfg.Bridge, func(cb h2.Callbacks) h2.Codec {
		return h2.NewSession(cb, h2.Options{Logger: cs.srv.cfg.Bridge.Logger})
	})
	if err != nil {
		return err
	}
	h.sess = sess
	h.pool = origin.NewPool(cs.srv.cfg.OriginAddr, sess, cs.srv.cfg.Origin)
	cs.handler = h
	cs.sess = sess
	return nil
}

// tryUpgrade parses the HTTP/1.1 request head and, when it carries a valid
// h2c handshake, answers 101 and seeds the session from HTTP2-Settings.
func (cs *connSession) tryUpgrade() error {
	req, err := parseUpgradeRequest(cs.buffer.Bytes())
	if err != nil {
		cs.reply(400, "Bad Request", false)
		return fmt.Errorf("mux: %w", err)
	}
	if req == nil {
		return nil // head incomplete
	}
	if !req.WantsH2C {
		// The bridge front speaks HTTP/2 only; point HTTP/1.1 clients at
		// the upgrade.
		cs.reply(426, "Upgrade Required", true)
		return fmt.Errorf("mux: non-upgrade HTTP/1.1 request")
	}

	if err := cs.initSession(); err != nil {
		return err
	}
	cs.reply(101, "Switching Protocols", false)

	if err := cs.sess.UpgradeFrom(&bridge.UpgradeRequest{
		Method:          req.Method,
		Path:            req.Path,
		Authority:       req.Host,
		Headers:         req.Headers,
		SettingsPayload: req.SettingsPayload,
		Owner:           req,
	}); err != nil {
		return err
	}
	cs.detected = true
	rest := cs.buffer.Bytes()[req.Consumed:]
	cs.buffer.Reset()
	if len(rest) == 0 {
		return nil
	}
	return cs.sess.OnRead(rest)
}

func (cs *connSession) reply(status int, reason string, upgradeHint bool) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reason)
	if status == 101 {
		b.WriteString("Connection: Upgrade\r\nUpgrade: h2c\r\n")
	}
	if upgradeHint {
		b.WriteString("Connection: Upgrade\r\nUpgrade: h2c\r\n")
	}
	b.WriteString("Content-Length: 0\r\n\r\n")
	_ = cs.conn.AsyncWrite(b.Bytes(), nil)
}

// release tears the session down when the transport closes.
func (cs *connSession) release() {
	if cs.sess != nil {
		cs.sess.Close()
	}
	if cs.handler != nil {
		cs.handler.releasePool()
	}
}

// clientHandler implements bridge.ClientHandler over a gnet connection,
// accounting queued output bytes for the backpressure threshold.
type clientHandler struct {
	conn gnet.Conn
	sess *bridge.Session
	pool *origin.Pool

	outbufLen atomic.Int64
	closed    atomic.Bool

	upstreamReadTimeout  time.Duration
	upstreamWriteTimeout time.Duration
}

// WriteOutput queues bytes toward the client; the async completion both
// settles the outbuf accounting and refills the codec.
func (h *clientHandler) WriteOutput(data []byte) error {
	if h.closed.Load() {
		return fmt.Errorf("mux: client connection closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	h.outbufLen.Add(int64(len(buf)))
	return h.conn.AsyncWrite(buf, func(c gnet.Conn, err error) error {
		h.outbufLen.Add(-int64(len(buf)))
		if err != nil || h.closed.Load() {
			return nil
		}
		if werr := h.sess.OnWrite(); werr != nil {
			_ = c.Close()
		}
		return nil
	})
}

// OutputBufferLen reports bytes queued but not yet handed to the kernel.
func (h *clientHandler) OutputBufferLen() int {
	return int(h.outbufLen.Load())
}

// OriginConnect draws an origin connection from the session's reuse pool.
func (h *clientHandler) OriginConnect() (bridge.OriginConn, error) {
	c, err := h.pool.Get()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetUpstreamTimeouts records the client-side timeouts chosen by the bridge.
func (h *clientHandler) SetUpstreamTimeouts(read, write time.Duration) {
	h.upstreamReadTimeout = read
	h.upstreamWriteTimeout = write
}

// CloseHandler destroys the client connection and its origin pool.
func (h *clientHandler) CloseHandler() {
	if h.closed.CompareAndSwap(false, true) {
		_ = h.conn.Close()
		h.pool.Close()
	}
}

func (h *clientHandler) releasePool() {
	if h.closed.CompareAndSwap(false, true) {
		h.pool.Close()
	}
}

var _ bridge.ClientHandler = (*clientHandler)(nil)
