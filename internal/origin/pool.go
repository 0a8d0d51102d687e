package origin

import "sync"

// Pool hands out origin connections for one client session, reusing
// keep-alive connections detached at the stream-close boundary. Reuse is a
// plain LIFO list; pooling policy beyond detachable/must-close stays out of
// scope.
type Pool struct {
	addr string
	sink EventSink
	opts Options

	mu     sync.Mutex
	idle   []*Conn
	closed bool
}

// NewPool creates a pool dialing addr on behalf of sink.
func NewPool(addr string, sink EventSink, opts Options) *Pool {
	return &Pool{addr: addr, sink: sink, opts: opts}
}

// Get returns an idle connection or dials a new one.
func (p *Pool) Get() (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnClosed
	}
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !c.isClosed() {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()
	return newConn(p.addr, p.sink, p, p.opts), nil
}

func (p *Pool) put(c *Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Close drops every idle connection; attached connections are closed by
// their streams.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
}
