package service

import (
	"net/http"
	"testing"
)

func TestBuildOutboundHeaders(t *testing.T) {
	src := http.Header{
		"Accept":              {"application/json"},
		"Content-Type":        {"application/json"},
		"Authorization":       {"Bearer token"},
		"Origin":              {"https://app.test"},
		"Cookie":              {"session=abc"},
		"Cookie2":             {"legacy=1"},
		"Host":                {"relay.test"},
		"Connection":          {"keep-alive, X-Conn-Scoped"},
		"X-Conn-Scoped":       {"1"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic xyz"},
		"Te":                  {"trailers"},
		"Upgrade":             {"websocket"},
		"X-Forwarded-For":     {"1.2.3.4"},
		"X-Forwarded-Proto":   {"https"},
		"X-Real-Ip":           {"1.2.3.4"},
		"Forwarded":           {"for=1.2.3.4"},
		"X-Internal":          {"drop-me"},
		"User-Agent":          {"browser/1.0"},
	}

	dst := BuildOutboundHeaders(src, HeaderOptions{
		Strip: []string{"x-internal"},
		Set:   map[string]string{"User-Agent": "cors-relay/1.0"},
	})

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"Origin forwarded", "Origin", 1},
		{"Cookie stripped", "Cookie", 0},
		{"Cookie2 stripped", "Cookie2", 0},
		{"Host stripped", "Host", 0},
		{"Connection stripped", "Connection", 0},
		{"Connection-named header stripped", "X-Conn-Scoped", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Proxy-Authorization stripped", "Proxy-Authorization", 0},
		{"Te stripped", "Te", 0},
		{"Upgrade stripped", "Upgrade", 0},
		{"X-Forwarded-For stripped", "X-Forwarded-For", 0},
		{"X-Forwarded-Proto stripped", "X-Forwarded-Proto", 0},
		{"X-Real-Ip stripped", "X-Real-Ip", 0},
		{"Forwarded stripped", "Forwarded", 0},
		{"extra strip applied", "X-Internal", 0},
		{"User-Agent overridden", "User-Agent", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if ua := dst.Get("User-Agent"); ua != "cors-relay/1.0" {
		t.Errorf("User-Agent = %q, want %q", ua, "cors-relay/1.0")
	}
	if src.Get("Cookie") == "" {
		t.Error("input header was modified")
	}
}

func TestBuildOutboundHeaders_KeepForwarded(t *testing.T) {
	src := http.Header{
		"X-Forwarded-For": {"1.2.3.4"},
		"X-Real-Ip":       {"1.2.3.4"},
	}
	dst := BuildOutboundHeaders(src, HeaderOptions{KeepForwarded: true})

	if dst.Get("X-Forwarded-For") != "1.2.3.4" || dst.Get("X-Real-Ip") != "1.2.3.4" {
		t.Errorf("forwarded headers dropped: %v", dst)
	}
}

func TestBuildOutboundHeaders_NilInput(t *testing.T) {
	dst := BuildOutboundHeaders(nil, HeaderOptions{Set: map[string]string{"Accept": "*/*"}})
	if dst.Get("Accept") != "*/*" {
		t.Errorf("Accept = %q, want */*", dst.Get("Accept"))
	}
}

func TestResponseHeaderFilter(t *testing.T) {
	tests := []struct {
		name string
		drop bool
	}{
		{"Content-Type", false},
		{"Set-Cookie", true},
		{"Cache-Control", false},
		{"Location", false},
		{"Transfer-Encoding", true},
		{"connection", true},
		{"Access-Control-Allow-Origin", true},
		{"access-control-allow-credentials", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResponseHeaderFilter(tt.name); got != tt.drop {
				t.Errorf("ResponseHeaderFilter(%q) = %v, want %v", tt.name, got, tt.drop)
			}
		})
	}
}
