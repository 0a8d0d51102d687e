package bridge

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/andybalholm/brotli"

	"github.com/albertbausili/bifrost/internal/date"
)

// errorHTML renders the body served when the origin failed before producing
// response headers.
func errorHTML(status int, serverName string) []byte {
	text := http.StatusText(status)
	if text == "" {
		text = "Error"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "<html><head><title>%d %s</title></head>", status, text)
	fmt.Fprintf(&b, "<body><h1>%d %s</h1><hr><address>%s</address></body></html>", status, text, serverName)
	return b.Bytes()
}

// acceptsBrotli reports whether the request advertised brotli support.
func acceptsBrotli(headers [][2]string) bool {
	for _, h := range headers {
		if h[0] != "accept-encoding" {
			continue
		}
		for _, tok := range splitTokens(h[1]) {
			if tok == "br" {
				return true
			}
		}
	}
	return false
}

func splitTokens(v string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(v); i++ {
		if i < len(v) && v[i] != ',' && v[i] != ';' && v[i] != ' ' && v[i] != '\t' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, v[start:i])
			start = -1
		}
		// Parameters after ';' (quality values) are not tokens.
		if i < len(v) && v[i] == ';' {
			for i < len(v) && v[i] != ',' {
				i++
			}
		}
	}
	return out
}

// errorReply synthesizes a well-formed HTTP/2 response carrying the status;
// used whenever the origin failed before headers were produced. Submission
// failure is session-fatal.
func (s *Session) errorReply(d *Stream, status int) error {
	body := errorHTML(status, s.cfg.ServerName)
	encoding := ""
	if acceptsBrotli(d.headers) {
		var compressed bytes.Buffer
		w := brotli.NewWriter(&compressed)
		if _, err := w.Write(body); err == nil && w.Close() == nil {
			body = compressed.Bytes()
			encoding = "br"
		}
	}

	d.respBody.Reset()
	d.respBody.Write(body)
	d.responseState = ResponseMsgComplete

	nva := [][2]string{
		{":status", strconv.Itoa(status)},
		{"content-type", "text/html; charset=UTF-8"},
		{"server", s.cfg.ServerName},
		{"content-length", strconv.Itoa(len(body))},
		{"date", string(date.Current())},
	}
	if encoding != "" {
		nva = append(nva, [2]string{"content-encoding", encoding})
	}
	errorReplies.WithLabelValues(strconv.Itoa(status)).Inc()
	return s.codec.SubmitResponse(d.id, nva, &streamDataSource{s: s, d: d})
}
