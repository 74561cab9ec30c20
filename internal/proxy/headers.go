package proxy

import (
	"net/http"
	"sort"
	"strings"

	"github.com/drksbr/cloudrelay/internal/protocol"
)

var headerSanitizer = strings.NewReplacer("\r", "", "\n", "", "\x00", "")

// SanitizeHeaderValue strips the bytes that would let a value break out of
// its header line.
func SanitizeHeaderValue(v string) string {
	return headerSanitizer.Replace(v)
}

// hop-by-hop headers are owned by the client connection, not the device.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func responseHeader(src protocol.Headers) http.Header {
	out := make(http.Header, len(src))
	for name, values := range src {
		name = http.CanonicalHeaderKey(SanitizeHeaderValue(name))
		if name == "" {
			continue
		}
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		for _, v := range values {
			out.Add(name, SanitizeHeaderValue(v))
		}
	}
	return out
}

// upgradeResponse renders the raw 101 response. Header names are sorted
// so the output is stable.
func upgradeResponse(statusText string, headers protocol.Headers) string {
	reason := SanitizeHeaderValue(statusText)
	if reason == "" {
		reason = http.StatusText(http.StatusSwitchingProtocols)
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 ")
	b.WriteString(reason)
	b.WriteString("\r\n")
	for _, name := range names {
		clean := SanitizeHeaderValue(name)
		if clean == "" {
			continue
		}
		for _, v := range headers[name] {
			b.WriteString(clean)
			b.WriteString(": ")
			b.WriteString(SanitizeHeaderValue(v))
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	return b.String()
}
