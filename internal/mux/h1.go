package mux

import (
	"bytes"
	"fmt"
	"strings"
)

// upgradeRequest is the parsed head of an HTTP/1.1 request examined for the
// h2c upgrade handshake.
type upgradeRequest struct {
	Method  string
	Path    string
	Version string
	Host    string
	Headers [][2]string // lowercase names

	SettingsPayload string
	WantsH2C        bool

	// Consumed is the number of request-head bytes, so trailing bytes (the
	// client preface after 101) can be replayed into the session.
	Consumed int
}

// parseUpgradeRequest parses a request head from buf. It returns nil with a
// nil error while the head is still incomplete.
func parseUpgradeRequest(buf []byte) (*upgradeRequest, error) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, nil
	}
	head := buf[:end]
	req := &upgradeRequest{Consumed: end + 4}

	lineEnd := bytes.Index(head, []byte("\r\n"))
	if lineEnd < 0 {
		lineEnd = len(head)
	}
	parts := bytes.SplitN(head[:lineEnd], []byte(" "), 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("mux: malformed request line")
	}
	req.Method = string(parts[0])
	req.Path = string(parts[1])
	req.Version = string(parts[2])
	if req.Version != "HTTP/1.1" {
		return nil, fmt.Errorf("mux: unsupported version %q", req.Version)
	}

	var connection, upgrade string
	rest := head[min(lineEnd+2, len(head)):]
	for len(rest) > 0 {
		i := bytes.Index(rest, []byte("\r\n"))
		var line []byte
		if i < 0 {
			line, rest = rest, nil
		} else {
			line, rest = rest[:i], rest[i+2:]
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("mux: malformed header line")
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))
		req.Headers = append(req.Headers, [2]string{name, value})
		switch name {
		case "host":
			req.Host = value
		case "connection":
			connection = value
		case "upgrade":
			upgrade = value
		case "http2-settings":
			req.SettingsPayload = value
		}
	}
	if req.Host == "" {
		return nil, fmt.Errorf("mux: missing Host header")
	}

	req.WantsH2C = hasToken(upgrade, "h2c") &&
		hasToken(connection, "upgrade") &&
		hasToken(connection, "http2-settings") &&
		req.SettingsPayload != ""
	return req, nil
}

// hasToken reports whether the comma-separated list contains the token
// under ASCII case folding.
func hasToken(list, token string) bool {
	for _, part := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
