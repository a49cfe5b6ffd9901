// Package target derives and validates relay destinations from request paths.
package target

import (
	"net/url"
	"regexp"
	"strings"

	"cors-relay-go/internal/model"
)

var (
	// schemePattern matches an explicit "scheme://" prefix.
	schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

	// collapsedSchemePattern matches "https:/host" as left behind by
	// intermediaries that merge duplicate slashes in paths.
	collapsedSchemePattern = regexp.MustCompile(`^(?i)(https?):/([^/])`)
)

// Policy controls how scheme-less and https targets are normalized.
type Policy struct {
	// StripHTTPS drops an explicit "https://" prefix; the scheme then comes
	// from DefaultScheme.
	StripHTTPS bool
	// DefaultScheme is used when the target carries no scheme. Defaults to "http".
	DefaultScheme string
}

// Resolver turns escaped request paths into validated targets.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	policy Policy
}

// NewResolver creates a Resolver.
func NewResolver(p Policy) *Resolver {
	if p.DefaultScheme == "" {
		p.DefaultScheme = "http"
	}
	p.DefaultScheme = strings.ToLower(p.DefaultScheme)
	return &Resolver{policy: p}
}

// Resolve strips prefix from the escaped path, percent-decodes the remainder
// exactly once and parses it as an absolute URL. rawQuery is the inbound query
// string and is appended to the target's own query. Fragments are dropped.
func (r *Resolver) Resolve(escapedPath, prefix, rawQuery string) (model.TargetURL, error) {
	if !strings.HasPrefix(escapedPath, prefix) {
		return model.TargetURL{}, &model.InvalidTargetError{Raw: escapedPath, Reason: "path outside relay prefix"}
	}
	rest := strings.TrimLeft(strings.TrimPrefix(escapedPath, prefix), "/")
	if rest == "" {
		return model.TargetURL{}, &model.InvalidTargetError{Raw: escapedPath, Reason: "empty target"}
	}

	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return model.TargetURL{}, &model.InvalidTargetError{Raw: rest, Reason: "malformed percent-encoding", Err: err}
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return model.TargetURL{}, &model.InvalidTargetError{Raw: rest, Reason: "empty target"}
	}

	normalized := r.normalize(decoded)

	u, err := url.Parse(normalized)
	if err != nil {
		return model.TargetURL{}, &model.InvalidTargetError{Raw: decoded, Reason: "unparseable url", Err: err}
	}
	t, err := model.NewTargetURL(u)
	if err != nil {
		return model.TargetURL{}, &model.InvalidTargetError{Raw: decoded, Reason: err.Error()}
	}
	return t.WithQuery(rawQuery), nil
}

func (r *Resolver) normalize(s string) string {
	s = collapsedSchemePattern.ReplaceAllString(s, "$1://$2")

	if r.policy.StripHTTPS && len(s) >= len("https://") && strings.EqualFold(s[:len("https://")], "https://") {
		s = s[len("https://"):]
	}
	if !schemePattern.MatchString(s) {
		s = r.policy.DefaultScheme + "://" + s
	}
	return s
}
