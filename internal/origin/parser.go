// Package origin implements the downstream side of the bridge: per-request
// HTTP/1.x connections to the origin server, with request serialization,
// response parsing, pausable reads, and a reuse list for keep-alive
// connections.
package origin

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Request is the head of an HTTP/1.x request pushed to the origin.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   [][2]string // lowercase names, pseudo-headers stripped
	IsConnect bool
}

// Response is a parsed origin response head.
type Response struct {
	Status  int
	Major   int
	Minor   int
	Headers [][2]string // lowercase names, wire order

	// ConnectionClose reports that the origin cannot keep the connection
	// alive after this exchange.
	ConnectionClose bool

	isConnect bool
}

// AcceptedUpgrade reports that the origin switched protocols: 101, or a 2xx
// answer to CONNECT. The connection becomes an opaque tunnel.
func (r *Response) AcceptedUpgrade() bool {
	return r.Status == 101 || (r.isConnect && r.Status >= 200 && r.Status < 300)
}

// ResponseHandler receives parse events. Hooks run synchronously inside
// Feed on the caller's goroutine.
type ResponseHandler interface {
	OnResponseHeaderComplete(r *Response) error
	OnResponseBody(data []byte) error
	OnResponseBodyComplete() error
}

// parser states
type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBodyLength
	stateBodyChunked
	stateBodyToEOF
	stateTunnel
	stateComplete
)

// ResponseParser is an incremental HTTP/1.x response parser. Parsing is
// plain byte scanning over an internal buffer so reads stay pausable and a
// 101/CONNECT answer can switch the connection into tunnel mode mid-buffer.
type ResponseParser struct {
	buf bytes.Buffer

	state     parseState
	resp      Response
	remaining int64
	headHEAD  bool
	isConnect bool

	// chunk decoding
	chunkRemaining int64
	chunkTrailer   bool
}

// NewResponseParser creates a parser for one origin connection.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{}
}

// Reset prepares the parser for the next exchange on a reused connection.
func (p *ResponseParser) Reset() {
	p.buf.Reset()
	p.state = stateStatusLine
	p.resp = Response{}
	p.remaining = 0
	p.headHEAD = false
	p.isConnect = false
	p.chunkRemaining = 0
	p.chunkTrailer = false
}

// SetRequest tells the parser which request the next response answers; HEAD
// and CONNECT change body framing.
func (p *ResponseParser) SetRequest(method string, isConnect bool) {
	p.headHEAD = method == "HEAD"
	p.isConnect = isConnect
}

// Complete reports whether the current response has been fully parsed; a
// connection is only reusable when this holds.
func (p *ResponseParser) Complete() bool {
	return p.state == stateComplete && p.buf.Len() == 0
}

// Feed consumes origin bytes, firing handler events. An error means the
// response is unparseable; the caller closes the connection.
func (p *ResponseParser) Feed(data []byte, h ResponseHandler) error {
	p.buf.Write(data)
	for {
		switch p.state {
		case stateStatusLine:
			done, err := p.parseStatusLine()
			if err != nil || !done {
				return err
			}
		case stateHeaders:
			done, err := p.parseHeaders(h)
			if err != nil || !done {
				return err
			}
		case stateBodyLength:
			if p.buf.Len() == 0 {
				return nil
			}
			chunk := p.buf.Next(int(min64(int64(p.buf.Len()), p.remaining)))
			p.remaining -= int64(len(chunk))
			if err := h.OnResponseBody(chunk); err != nil {
				return err
			}
			if p.remaining == 0 {
				p.state = stateComplete
				if err := h.OnResponseBodyComplete(); err != nil {
					return err
				}
			}
		case stateBodyChunked:
			done, err := p.parseChunked(h)
			if err != nil || !done {
				return err
			}
		case stateBodyToEOF, stateTunnel:
			if p.buf.Len() == 0 {
				return nil
			}
			if err := h.OnResponseBody(p.buf.Next(p.buf.Len())); err != nil {
				return err
			}
		case stateComplete:
			if p.buf.Len() == 0 {
				return nil
			}
			// Bytes past the end of a completed exchange; the connection
			// is not reusable until the next request resets us.
			return fmt.Errorf("origin: %d stray bytes after response", p.buf.Len())
		}
	}
}

func (p *ResponseParser) line() ([]byte, bool) {
	b := p.buf.Bytes()
	i := bytes.Index(b, []byte("\r\n"))
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, b[:i])
	p.buf.Next(i + 2)
	return line, true
}

func (p *ResponseParser) parseStatusLine() (bool, error) {
	line, ok := p.line()
	if !ok {
		return false, nil
	}
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return false, fmt.Errorf("origin: malformed status line %q", line)
	}
	version := string(parts[0])
	switch version {
	case "HTTP/1.1":
		p.resp.Major, p.resp.Minor = 1, 1
	case "HTTP/1.0":
		p.resp.Major, p.resp.Minor = 1, 0
	default:
		return false, fmt.Errorf("origin: unsupported version %q", version)
	}
	status, err := strconv.Atoi(string(parts[1]))
	if err != nil || status < 100 || status > 999 {
		return false, fmt.Errorf("origin: bad status %q", parts[1])
	}
	p.resp.Status = status
	p.resp.Headers = p.resp.Headers[:0]
	p.resp.isConnect = p.isConnect
	p.state = stateHeaders
	return true, nil
}

func (p *ResponseParser) parseHeaders(h ResponseHandler) (bool, error) {
	for {
		line, ok := p.line()
		if !ok {
			return false, nil
		}
		if len(line) == 0 {
			return true, p.headersComplete(h)
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return false, fmt.Errorf("origin: malformed header line %q", line)
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))
		p.resp.Headers = append(p.resp.Headers, [2]string{name, value})
	}
}

// headersComplete decides body framing and fires the header hook.
func (p *ResponseParser) headersComplete(h ResponseHandler) error {
	resp := &p.resp

	// 1xx other than 101 is informational; swallow it and wait for the
	// real response.
	if resp.Status >= 100 && resp.Status < 200 && resp.Status != 101 {
		p.state = stateStatusLine
		return nil
	}

	contentLength := int64(-1)
	chunked := false
	connClose := resp.Minor == 0
	for _, hd := range resp.Headers {
		switch hd[0] {
		case "content-length":
			n, err := strconv.ParseInt(strings.TrimSpace(hd[1]), 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("origin: bad content-length %q", hd[1])
			}
			contentLength = n
		case "transfer-encoding":
			if containsToken(hd[1], "chunked") {
				chunked = true
			}
		case "connection":
			if containsToken(hd[1], "close") {
				connClose = true
			} else if containsToken(hd[1], "keep-alive") {
				connClose = false
			}
		}
	}

	noBody := p.headHEAD || resp.Status == 204 || resp.Status == 304
	tunnel := resp.AcceptedUpgrade()

	switch {
	case tunnel:
		p.state = stateTunnel
		connClose = true
	case noBody:
		p.state = stateComplete
	case chunked:
		p.state = stateBodyChunked
		p.chunkRemaining = -1
	case contentLength >= 0:
		if contentLength == 0 {
			p.state = stateComplete
		} else {
			p.state = stateBodyLength
			p.remaining = contentLength
		}
	default:
		// Delimited by connection close.
		p.state = stateBodyToEOF
		connClose = true
	}
	resp.ConnectionClose = connClose

	if err := h.OnResponseHeaderComplete(resp); err != nil {
		return err
	}
	if p.state == stateComplete {
		return h.OnResponseBodyComplete()
	}
	return nil
}

// parseChunked decodes chunked transfer encoding, delivering decoded bytes.
func (p *ResponseParser) parseChunked(h ResponseHandler) (bool, error) {
	for {
		if p.chunkTrailer {
			line, ok := p.line()
			if !ok {
				return false, nil
			}
			if len(line) == 0 {
				p.state = stateComplete
				p.chunkTrailer = false
				return true, h.OnResponseBodyComplete()
			}
			// Trailer fields are dropped; the HTTP/2 side carries none.
			continue
		}
		if p.chunkRemaining < 0 {
			line, ok := p.line()
			if !ok {
				return false, nil
			}
			sizeField := line
			if i := bytes.IndexByte(sizeField, ';'); i >= 0 {
				sizeField = sizeField[:i]
			}
			size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeField)), 16, 64)
			if err != nil || size < 0 {
				return false, fmt.Errorf("origin: bad chunk size %q", line)
			}
			if size == 0 {
				p.chunkTrailer = true
				continue
			}
			p.chunkRemaining = size
		}
		if p.chunkRemaining > 0 {
			if p.buf.Len() == 0 {
				return false, nil
			}
			chunk := p.buf.Next(int(min64(int64(p.buf.Len()), p.chunkRemaining)))
			p.chunkRemaining -= int64(len(chunk))
			if err := h.OnResponseBody(chunk); err != nil {
				return false, err
			}
			if p.chunkRemaining > 0 {
				return false, nil
			}
		}
		// Chunk data is followed by CRLF.
		if p.buf.Len() < 2 {
			p.chunkRemaining = 0
			if p.buf.Len() == 1 && p.buf.Bytes()[0] == '\r' {
				return false, nil
			}
			if p.buf.Len() == 0 {
				return false, nil
			}
			return false, fmt.Errorf("origin: missing chunk terminator")
		}
		b := p.buf.Next(2)
		if b[0] != '\r' || b[1] != '\n' {
			return false, fmt.Errorf("origin: missing chunk terminator")
		}
		p.chunkRemaining = -1
	}
}

// containsToken reports whether the comma-separated value contains the token
// under ASCII case folding.
func containsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// SerializeRequest renders the request head in HTTP/1.1 form. The host line
// comes from the authority; forwarded headers follow in order.
func SerializeRequest(req *Request) []byte {
	var b bytes.Buffer
	if req.IsConnect {
		b.WriteString("CONNECT ")
		b.WriteString(req.Authority)
		b.WriteString(" HTTP/1.1\r\nhost: ")
		b.WriteString(req.Authority)
		b.WriteString("\r\n\r\n")
		return b.Bytes()
	}
	b.WriteString(req.Method)
	b.WriteByte(' ')
	if req.Path == "" {
		b.WriteString("/")
	} else {
		b.WriteString(req.Path)
	}
	b.WriteString(" HTTP/1.1\r\nhost: ")
	b.WriteString(req.Authority)
	b.WriteString("\r\n")
	for _, h := range req.Headers {
		if h[0] == "host" {
			continue
		}
		b.WriteString(h[0])
		b.WriteString(": ")
		b.WriteString(h[1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
