package origin

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// verboseLogging controls hot-path logging. Keep false for production runs.
const verboseLogging = false

// Cause classifies why an origin connection stopped delivering bytes.
type Cause int

// Close causes, mirroring the transport's EOF / error / timeout split.
const (
	CauseEOF Cause = iota
	CauseError
	CauseTimeout
)

// EventSink receives connection events. Methods are invoked from the
// connection's goroutines; the sink serializes internally.
type EventSink interface {
	OriginConnected(c *Conn)
	OriginReadable(c *Conn, data []byte)
	OriginDrained(c *Conn)
	OriginClosed(c *Conn, cause Cause)
}

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("origin: connection closed")

// Options configures dialing and I/O deadlines for origin connections.
type Options struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
}

func (o *Options) normalize() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
}

// Conn is one connection to the origin. The attached stream does not own
// it: ownership moves between a stream and the pool's reuse list at the
// stream-close boundary.
type Conn struct {
	addr string
	sink EventSink
	pool *Pool
	opts Options

	mu        sync.Mutex
	cond      *sync.Cond // guards pending writes and pause state
	nc        net.Conn
	handler   ResponseHandler
	parser    *ResponseParser
	pending   [][]byte
	paused    bool
	closed    bool
	connected bool

	respReset   bool
	respRSTCode http2.ErrCode
	mustClose   bool

	eventDone atomic.Bool // OriginClosed delivered at most once
}

func newConn(addr string, sink EventSink, pool *Pool, opts Options) *Conn {
	opts.normalize()
	c := &Conn{
		addr:        addr,
		sink:        sink,
		pool:        pool,
		opts:        opts,
		parser:      NewResponseParser(),
		respRSTCode: http2.ErrCodeNo,
	}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

// run dials, then splits into the writer loop and the read loop.
func (c *Conn) run() {
	nc, err := net.DialTimeout("tcp", c.addr, c.opts.DialTimeout)
	if err != nil {
		c.opts.Logger.Printf("origin: connect %s: %v", c.addr, err)
		c.shutdown()
		c.deliverClosed(CauseError)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return
	}
	c.nc = nc
	c.connected = true
	c.cond.Broadcast()
	c.mu.Unlock()

	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			c.opts.Logger.Printf("origin: setting TCP_NODELAY failed: %v", err)
		}
	}
	c.sink.OriginConnected(c)

	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		nc := c.nc
		c.mu.Unlock()

		for _, data := range batch {
			if c.opts.WriteTimeout > 0 {
				_ = nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}
			if _, err := nc.Write(data); err != nil {
				if c.isClosed() {
					return
				}
				c.shutdown()
				c.deliverClosed(classifyError(err))
				return
			}
		}

		c.mu.Lock()
		drained := len(c.pending) == 0 && !c.closed
		c.mu.Unlock()
		if drained {
			c.sink.OriginDrained(c)
		}
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		c.mu.Lock()
		for c.paused && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		nc := c.nc
		attached := c.handler != nil
		c.mu.Unlock()

		if attached && c.opts.ReadTimeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		} else {
			_ = nc.SetReadDeadline(time.Time{})
		}
		n, err := nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.sink.OriginReadable(c, data)
		}
		if err != nil {
			if c.isClosed() {
				return
			}
			cause := classifyError(err)
			if cause == CauseTimeout && c.isPaused() {
				// PauseRead wakes a blocked read with an immediate
				// deadline; park on the pause condition instead.
				continue
			}
			c.shutdown()
			c.deliverClosed(cause)
			return
		}
	}
}

func classifyError(err error) Cause {
	if err == io.EOF {
		return CauseEOF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CauseTimeout
	}
	return CauseError
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown marks the connection dead and wakes its goroutines without
// delivering events.
func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handler = nil
	if c.nc != nil {
		c.nc.Close()
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Conn) deliverClosed(cause Cause) {
	if c.eventDone.CompareAndSwap(false, true) {
		c.sink.OriginClosed(c, cause)
	}
}

// Close tears the connection down; late goroutine events are suppressed.
func (c *Conn) Close() {
	c.eventDone.Store(true)
	c.shutdown()
}

// Attach binds the connection to a stream's response handler and arms the
// parser for a fresh exchange.
func (c *Conn) Attach(h ResponseHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.handler = h
	c.parser.Reset()
	c.respReset = false
	c.respRSTCode = http2.ErrCodeNo
	c.mustClose = false
	c.paused = false
	c.cond.Broadcast()
	return nil
}

// Detach releases the connection from its stream. A reusable connection
// (exchange complete, keep-alive allowed) returns to the pool; anything
// else closes.
func (c *Conn) Detach() {
	c.mu.Lock()
	reusable := !c.closed && !c.mustClose && c.parser.Complete()
	c.handler = nil
	c.paused = false
	c.cond.Broadcast()
	c.mu.Unlock()
	if reusable && c.pool != nil {
		c.pool.put(c)
		return
	}
	c.Close()
}

// AttachedHandler returns the currently bound response handler, if any.
func (c *Conn) AttachedHandler() ResponseHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Feed routes received bytes through the response parser into the attached
// handler. The caller holds the session serialization.
func (c *Conn) Feed(data []byte) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return ErrConnClosed
	}
	if err := c.parser.Feed(data, h); err != nil {
		return err
	}
	c.mu.Lock()
	if c.parser.state >= stateBodyLength && c.parser.resp.ConnectionClose {
		c.mustClose = true
	}
	c.mu.Unlock()
	return nil
}

// PushRequestHeaders serializes and queues the request head.
func (c *Conn) PushRequestHeaders(req *Request) error {
	c.parser.SetRequest(req.Method, req.IsConnect)
	return c.enqueue(SerializeRequest(req))
}

// PushUploadDataChunk queues request body bytes.
func (c *Conn) PushUploadDataChunk(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.enqueue(buf)
}

// EndUploadData marks the upload finished. Bodies are length-delimited, so
// there is nothing to emit on the wire.
func (c *Conn) EndUploadData() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return nil
}

func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.pending = append(c.pending, data)
	c.cond.Broadcast()
	return nil
}

// PauseRead stops pulling bytes from the origin socket. A read already
// blocked on the socket is woken via an immediate deadline.
func (c *Conn) PauseRead() {
	c.mu.Lock()
	c.paused = true
	nc := c.nc
	c.mu.Unlock()
	if nc != nil {
		_ = nc.SetReadDeadline(time.Now())
	}
}

func (c *Conn) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// ResumeRead restarts origin reads after backpressure clears.
func (c *Conn) ResumeRead() {
	c.mu.Lock()
	c.paused = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// SetResponseReset records an origin-side cancellation; the bridge maps the
// code through its REFUSED_STREAM-preserving filter.
func (c *Conn) SetResponseReset(code http2.ErrCode) {
	c.mu.Lock()
	c.respReset = true
	c.respRSTCode = code
	c.mu.Unlock()
}

// ResponseReset reports whether the origin cancelled the exchange.
func (c *Conn) ResponseReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respReset
}

// ResponseRSTCode returns the origin-reported cancel code.
func (c *Conn) ResponseRSTCode() http2.ErrCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respRSTCode
}

// MustClose reports that the connection cannot be reused after the current
// exchange.
func (c *Conn) MustClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mustClose || c.closed
}
