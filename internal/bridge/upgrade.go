package bridge

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// UpgradeRequest is an HTTP/1.1 request carrying `Upgrade: h2c` and
// `HTTP2-Settings`, already parsed by the front. The bridge adopts it onto
// stream 1 and retains Owner so the request's backing buffers stay alive for
// the session's lifetime.
type UpgradeRequest struct {
	Method    string
	Path      string
	Authority string
	Headers   [][2]string // lowercase names

	// SettingsPayload is the raw base64url HTTP2-Settings header value.
	SettingsPayload string

	Owner any
}

// upgradeHeaderSkip lists HTTP/1.1 connection-level headers that must not
// survive onto the HTTP/2 stream.
var upgradeHeaderSkip = map[string]bool{
	"connection":        true,
	"upgrade":           true,
	"http2-settings":    true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"host":              true,
}

// UpgradeFrom seeds the HTTP/2 session from an h2c upgrade: the settings
// payload is handed to the codec as if the client had sent SETTINGS, and the
// original request becomes stream 1 (priority 0) with its response buffer
// initialized. All subsequent behavior is unchanged.
func (s *Session) UpgradeFrom(req *UpgradeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionDone
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(req.SettingsPayload, "="))
	if err != nil {
		return fmt.Errorf("bridge: HTTP2-Settings decode: %w", err)
	}
	if err := s.codec.Upgrade(payload); err != nil {
		return fmt.Errorf("bridge: codec upgrade: %w", err)
	}

	d := newStream(1, 0)
	s.streams[1] = d
	s.beginSpan(d)
	streamsOpened.Inc()
	streamsActive.Inc()

	d.method = req.Method
	d.scheme = s.cfg.ClientScheme
	d.authority = req.Authority
	d.path = req.Path
	for _, h := range req.Headers {
		if upgradeHeaderSkip[h[0]] {
			continue
		}
		d.headersSum += len(h[0]) + len(h[1])
		d.headers = append(d.headers, h)
	}
	s.annotateSpan(d)
	s.preUpstream = req.Owner

	s.dispatchToOriginLocked(d, true)
	return s.sendLocked()
}
