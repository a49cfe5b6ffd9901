package service

import (
	"net/http"
	"strings"
)

// HeaderOptions controls how the outbound header set is derived from the
// inbound one.
type HeaderOptions struct {
	// KeepForwarded keeps Forwarded, X-Forwarded-* and X-Real-Ip.
	KeepForwarded bool
	// Strip lists additional header names to drop.
	Strip []string
	// Set lists headers to set after stripping, replacing inbound values.
	Set map[string]string
}

// hopByHopHeaders are meaningful only for a single transport-level connection.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// callerOnlyHeaders describe the caller's session with the relay, not with the target.
var callerOnlyHeaders = []string{
	"Cookie",
	"Cookie2",
	"Host",
}

var forwardedHeaders = []string{
	"Forwarded",
	"X-Real-Ip",
}

// BuildOutboundHeaders returns the header set sent to the target. in is not
// modified.
func BuildOutboundHeaders(in http.Header, opts HeaderOptions) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}

	// Headers named by Connection are hop-by-hop as well.
	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	for _, h := range callerOnlyHeaders {
		out.Del(h)
	}

	if !opts.KeepForwarded {
		for _, h := range forwardedHeaders {
			out.Del(h)
		}
		for k := range out {
			if strings.HasPrefix(k, "X-Forwarded-") {
				delete(out, k)
			}
		}
	}

	for _, h := range opts.Strip {
		out.Del(h)
	}
	for k, v := range opts.Set {
		out.Set(k, v)
	}
	return out
}

// ResponseHeaderFilter reports whether an upstream response header should be
// dropped before the response is relayed back: hop-by-hop headers, any CORS
// headers the target set itself, and cookies, which would otherwise be stored
// for the relay's host and shared by every target.
func ResponseHeaderFilter(name string) bool {
	canon := http.CanonicalHeaderKey(name)
	if strings.HasPrefix(canon, "Access-Control-") || canon == "Set-Cookie" || canon == "Set-Cookie2" {
		return true
	}
	for _, h := range hopByHopHeaders {
		if canon == h {
			return true
		}
	}
	return false
}
