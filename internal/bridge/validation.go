package bridge

import "strings"

// validationResult carries the extracted pseudo-fields when the request
// passed.
type validationResult struct {
	ok        bool
	method    string
	scheme    string
	authority string
	path      string
}

// validateRequest applies the request-category HEADERS rules: general HTTP/2
// header conformance, CONNECT vs non-CONNECT pseudo-header requirements, the
// forward-proxy authority rule, and the content-length-required-for-body
// rule. Any failure resets the stream with PROTOCOL_ERROR.
func validateRequest(headers [][2]string, http2Proxy bool, endStream bool) validationResult {
	if !checkHTTP2Headers(headers) {
		return validationResult{}
	}

	method, okMethod := uniqueHeader(headers, ":method")
	scheme, okScheme := uniqueHeader(headers, ":scheme")
	authority, okAuthority := uniqueHeader(headers, ":authority")
	path, okPath := uniqueHeader(headers, ":path")
	host, okHost := uniqueHeader(headers, "host")
	if !okMethod || !okScheme || !okAuthority || !okPath || !okHost {
		return validationResult{}
	}

	isConnect := method != nil && *method == "CONNECT"
	havingAuthority := nonEmpty(authority)
	havingHost := nonEmpty(host)

	if isConnect {
		// CONNECT strictly requires :authority; :scheme and :path must be
		// absent.
		if scheme != nil || path != nil || !havingAuthority {
			return validationResult{}
		}
	} else {
		if !nonEmpty(method) || !nonEmpty(scheme) || !nonEmpty(path) {
			return validationResult{}
		}
		// A proxy needs :authority; an origin server accepts host instead.
		if http2Proxy && !havingAuthority {
			return validationResult{}
		}
		if !http2Proxy && !havingAuthority && !havingHost {
			return validationResult{}
		}
	}

	if !isConnect && !endStream {
		// A request body follows; the HTTP/1.x relay needs a
		// length-delimited body, so content-length must be present and
		// not LWS-only.
		cl, found := firstHeader(headers, "content-length")
		if !found || lwsOnly(cl) {
			return validationResult{}
		}
	}

	res := validationResult{ok: true}
	res.method = deref(method)
	res.scheme = deref(scheme)
	res.authority = deref(authority)
	res.path = deref(path)
	if res.authority == "" && host != nil {
		res.authority = *host
	}
	return res
}

// checkHTTP2Headers enforces general conformance: pseudo-headers must
// precede regular headers, only known request pseudo-headers may appear, and
// connection-specific headers are forbidden.
func checkHTTP2Headers(headers [][2]string) bool {
	seenRegular := false
	for _, h := range headers {
		name := h[0]
		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return false
			}
			switch name {
			case ":method", ":scheme", ":authority", ":path":
			default:
				return false
			}
			continue
		}
		seenRegular = true
		switch name {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding":
			return false
		case "te":
			if h[1] != "trailers" {
				return false
			}
		}
	}
	return true
}

// uniqueHeader returns the single occurrence of name, or ok=false when the
// header appears more than once.
func uniqueHeader(headers [][2]string, name string) (*string, bool) {
	var value *string
	for i := range headers {
		if headers[i][0] != name {
			continue
		}
		if value != nil {
			return nil, false
		}
		value = &headers[i][1]
	}
	return value, true
}

// firstHeader returns the first occurrence of name.
func firstHeader(headers [][2]string, name string) (string, bool) {
	for _, h := range headers {
		if h[0] == name {
			return h[1], true
		}
	}
	return "", false
}

func nonEmpty(v *string) bool {
	return v != nil && *v != ""
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// lwsOnly reports whether the value contains nothing but linear whitespace.
func lwsOnly(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] != ' ' && v[i] != '\t' {
			return false
		}
	}
	return true
}

// validHeaderPair applies HTTP/2 field name rules: names are lowercase
// tokens, values carry no line-break octets. Invalid pairs are dropped
// rather than failing the connection.
func validHeaderPair(name, value string) bool {
	if len(name) == 0 {
		return false
	}
	start := 0
	if name[0] == ':' {
		start = 1
		if len(name) == 1 {
			return false
		}
	}
	for i := start; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	for i := 0; i < len(value); i++ {
		if value[i] == '\r' || value[i] == '\n' || value[i] == 0 {
			// NUL is legal only as the multi-value join; splitAddHeader
			// handles it.
			if value[i] != 0 {
				return false
			}
		}
	}
	return true
}

// splitAddHeader appends name/value, splitting the value on NUL per the
// header encoding convention for joined duplicates.
func splitAddHeader(headers *[][2]string, name, value string) {
	for {
		i := strings.IndexByte(value, 0)
		if i < 0 {
			*headers = append(*headers, [2]string{name, value})
			return
		}
		*headers = append(*headers, [2]string{name, value[:i]})
		value = value[i+1:]
	}
}
