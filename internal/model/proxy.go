// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request to be relayed.
// Path is the escaped (undecoded) request path. ContentLength follows
// http.Request: -1 means unknown.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Origin        string
	RemoteAddr    string
}

// ProxyResponse represents the upstream response to be streamed back.
// Transformed is set when the body was produced locally rather than
// passed through from upstream.
type ProxyResponse struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadCloser
	Transformed bool
}
