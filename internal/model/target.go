package model

import (
	"errors"
	"net/url"
	"strings"
)

// TargetURL is a validated relay destination. The zero value is not usable;
// build one with NewTargetURL.
type TargetURL struct {
	scheme   string
	host     string
	path     string
	rawPath  string
	rawQuery string
}

// NewTargetURL validates u and returns the corresponding TargetURL.
func NewTargetURL(u *url.URL) (TargetURL, error) {
	if u == nil {
		return TargetURL{}, errors.New("nil url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return TargetURL{}, errors.New("scheme must be http or https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return TargetURL{}, errors.New("missing host")
	}
	if u.User != nil {
		return TargetURL{}, errors.New("userinfo is not allowed")
	}
	return TargetURL{
		scheme:   scheme,
		host:     u.Host,
		path:     u.Path,
		rawPath:  u.RawPath,
		rawQuery: u.RawQuery,
	}, nil
}

func (t TargetURL) Scheme() string   { return t.scheme }
func (t TargetURL) Host() string     { return t.host }
func (t TargetURL) Path() string     { return t.path }
func (t TargetURL) RawQuery() string { return t.rawQuery }

// URL returns a fresh *url.URL for the target.
func (t TargetURL) URL() *url.URL {
	return &url.URL{
		Scheme:   t.scheme,
		Host:     t.host,
		Path:     t.path,
		RawPath:  t.rawPath,
		RawQuery: t.rawQuery,
	}
}

func (t TargetURL) String() string {
	return t.URL().String()
}

// WithQuery returns a copy of t with extra appended to its raw query.
func (t TargetURL) WithQuery(extra string) TargetURL {
	if extra == "" {
		return t
	}
	if t.rawQuery == "" {
		t.rawQuery = extra
	} else {
		t.rawQuery += "&" + extra
	}
	return t
}
