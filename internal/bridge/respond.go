package bridge

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/albertbausili/bifrost/internal/h2"
	"github.com/albertbausili/bifrost/internal/origin"
)

// originAdapter binds an origin connection's parsed response events to its
// stream. The hooks run synchronously inside Feed, with the session lock
// already held.
type originAdapter struct {
	s      *Session
	stream *Stream
}

func (a *originAdapter) OnResponseHeaderComplete(r *origin.Response) error {
	return a.s.onOriginHeaderCompleteLocked(a.stream, r)
}

func (a *originAdapter) OnResponseBody(data []byte) error {
	a.s.onOriginBodyLocked(a.stream, data)
	return nil
}

func (a *originAdapter) OnResponseBodyComplete() error {
	a.stream.responseState = ResponseMsgComplete
	a.s.onOriginBodyCompleteLocked(a.stream)
	return nil
}

// responseHeaderSkip lists origin headers never copied into the HTTP/2
// response; via is handled separately.
var responseHeaderSkip = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"via":               true,
}

// onOriginHeaderCompleteLocked converts the origin response head into the
// HTTP/2 response and submits it with the pull data source. A submission
// failure is returned through the origin parser's Feed, and the relay then
// resets the stream with INTERNAL_ERROR.
func (s *Session) onOriginHeaderCompleteLocked(d *Stream, r *origin.Response) error {
	if verboseLogging {
		s.logger.Printf("bridge: origin response headers stream_id=%d status=%d", d.id, r.Status)
	}
	if d.upgradeRequest && r.AcceptedUpgrade() {
		d.upgraded = true
	}

	headers := concatDuplicates(r.Headers)
	nva := make([][2]string, 0, len(headers)+2)
	nva = append(nva, [2]string{":status", strconv.Itoa(r.Status)})
	for _, h := range headers {
		if responseHeaderSkip[h[0]] {
			continue
		}
		if h[0] == "location" && !s.cfg.HTTP2Proxy {
			nva = append(nva, [2]string{"location", s.rewriteLocation(d, h[1])})
			continue
		}
		nva = append(nva, h)
	}
	if via := s.viaValue(r); via != "" {
		nva = append(nva, [2]string{"via", via})
	}

	d.responseState = ResponseHeaderComplete
	responsesSubmitted.WithLabelValues(strconv.Itoa(r.Status)).Inc()
	return s.codec.SubmitResponse(d.id, nva, &streamDataSource{s: s, d: d})
}

// onOriginBodyLocked appends origin body bytes to the stream's response
// buffer, wakes the data source, and applies the backpressure knob.
func (s *Session) onOriginBodyLocked(d *Stream, data []byte) {
	d.respBody.Write(data)
	originBytes.WithLabelValues("download").Add(float64(len(data)))
	s.codec.ResumeData(d.id)
	if s.handler.OutputBufferLen()+d.respBody.Len() > OutbufMaxThres {
		if oc := d.origin; oc != nil {
			oc.PauseRead()
		}
	}
}

// onOriginBodyCompleteLocked only wakes the source; it observes
// MSG_COMPLETE and closes (or resets, for tunnels) on its own.
func (s *Session) onOriginBodyCompleteLocked(d *Stream) {
	s.codec.ResumeData(d.id)
}

// viaValue builds the via header: pass-through when configured, otherwise
// append our token to any existing value.
func (s *Session) viaValue(r *origin.Response) string {
	existing := ""
	for _, h := range r.Headers {
		if h[0] == "via" {
			if existing != "" {
				existing += ", "
			}
			existing += h[1]
		}
	}
	if s.cfg.NoVia {
		return existing
	}
	token := strconv.Itoa(r.Major) + "." + strconv.Itoa(r.Minor) + " " + s.cfg.ServerName
	if existing == "" {
		return token
	}
	return existing + ", " + token
}

// rewriteLocation rewrites an absolute Location pointing back at the request
// authority so it carries the client-facing scheme and listening port.
func (s *Session) rewriteLocation(d *Stream, loc string) string {
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return loc
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return loc
	}
	if u.Hostname() != hostOnly(d.authority) {
		return loc
	}
	u.Scheme = s.cfg.ClientScheme
	host := u.Hostname()
	if s.cfg.Port != 0 && !defaultPort(s.cfg.ClientScheme, s.cfg.Port) {
		host += ":" + strconv.Itoa(s.cfg.Port)
	}
	u.Host = host
	return u.String()
}

func hostOnly(authority string) string {
	if i := strings.LastIndexByte(authority, ':'); i >= 0 && !strings.Contains(authority[i+1:], "]") {
		if _, err := strconv.Atoi(authority[i+1:]); err == nil {
			return authority[:i]
		}
	}
	return authority
}

func defaultPort(scheme string, port int) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
}

// concatDuplicates joins repeated response headers into one field per the
// HTTP/2 conversion rules; set-cookie stays one field per value.
func concatDuplicates(headers [][2]string) [][2]string {
	out := make([][2]string, 0, len(headers))
	index := make(map[string]int, len(headers))
	for _, h := range headers {
		if h[0] == "set-cookie" {
			out = append(out, h)
			continue
		}
		if i, ok := index[h[0]]; ok {
			out[i][1] += ", " + h[1]
			continue
		}
		index[h[0]] = len(out)
		out = append(out, h)
	}
	return out
}

// streamDataSource is the per-stream pull callback handed to the codec. It
// drains the response buffer, terminates the stream (END_STREAM, or
// RST_STREAM for tunnels), and keeps origin reads flowing ahead of buffer
// exhaustion.
type streamDataSource struct {
	s *Session
	d *Stream
}

func (ds *streamDataSource) Read(p []byte) (int, bool, error) {
	s, d := ds.s, ds.d
	n := 0
	if d.respBody.Len() > 0 {
		n, _ = d.respBody.Read(p)
	}
	eof := false
	if d.respBody.Len() == 0 && d.responseState == ResponseMsgComplete {
		if !d.upgraded {
			eof = true
		} else {
			// Tunnel teardown must be visible to the peer: RST_STREAM
			// instead of END_STREAM.
			if verboseLogging {
				s.logger.Printf("bridge: RST_STREAM to tunneled stream stream_id=%d", d.id)
			}
			rstStreams.WithLabelValues(inferRSTCode(d.respRSTCode).String()).Inc()
			if err := s.codec.SubmitRSTStream(d.id, inferRSTCode(d.respRSTCode)); err != nil {
				return 0, false, err
			}
		}
	}
	// Reopen origin reads before the buffer runs dry to avoid an RTT of
	// idle.
	if !eof && s.handler.OutputBufferLen()+d.respBody.Len() < OutbufMaxThres {
		if oc := d.origin; oc != nil {
			oc.ResumeRead()
		}
	}
	if n == 0 && !eof {
		return 0, false, h2.ErrDeferred
	}
	return n, eof, nil
}

var _ h2.DataSource = (*streamDataSource)(nil)
var _ origin.ResponseHandler = (*originAdapter)(nil)
