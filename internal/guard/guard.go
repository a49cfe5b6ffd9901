// Package guard decides whether a request origin may use the relay.
package guard

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"

	"cors-relay-go/internal/model"
)

// Rules is the origin policy. Deny takes precedence over Allow; an empty
// Allow list admits every origin that is not denied.
type Rules struct {
	Allow    []string
	Deny     []string
	Required []string
}

type pattern struct {
	raw string
	any bool
	re  *regexp.Regexp
}

func (p pattern) match(origin string) bool {
	if p.any {
		return true
	}
	if origin == "" {
		return false
	}
	return p.re.MatchString(strings.ToLower(origin))
}

type compiled struct {
	allow    []pattern
	deny     []pattern
	required []string
}

// Guard evaluates requests against the current Rules. Rules can be replaced
// at runtime with Update; readers never observe a partially applied policy.
type Guard struct {
	rules atomic.Pointer[compiled]
}

// New compiles rules into a Guard.
func New(rules Rules) (*Guard, error) {
	g := &Guard{}
	if err := g.Update(rules); err != nil {
		return nil, err
	}
	return g, nil
}

// Update swaps in a new policy. On error the previous policy stays active.
func (g *Guard) Update(rules Rules) error {
	c, err := compile(rules)
	if err != nil {
		return err
	}
	g.rules.Store(c)
	return nil
}

// Check returns nil when the request may proceed. origin is the declared
// request origin and may be empty.
func (g *Guard) Check(header http.Header, origin string) error {
	c := g.rules.Load()

	for _, name := range c.required {
		if strings.TrimSpace(header.Get(name)) == "" {
			return &model.MissingHeaderError{Header: name}
		}
	}

	for _, p := range c.deny {
		if p.match(origin) {
			return &model.ForbiddenOriginError{Origin: origin}
		}
	}

	if len(c.allow) == 0 {
		return nil
	}
	for _, p := range c.allow {
		if p.match(origin) {
			return nil
		}
	}
	return &model.ForbiddenOriginError{Origin: origin}
}

// Rules returns a copy of the active policy.
func (g *Guard) Rules() Rules {
	c := g.rules.Load()
	r := Rules{Required: append([]string(nil), c.required...)}
	for _, p := range c.allow {
		r.Allow = append(r.Allow, p.raw)
	}
	for _, p := range c.deny {
		r.Deny = append(r.Deny, p.raw)
	}
	return r
}

func compile(rules Rules) (*compiled, error) {
	c := &compiled{}
	var err error
	if c.allow, err = compilePatterns(rules.Allow); err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	if c.deny, err = compilePatterns(rules.Deny); err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	for _, h := range rules.Required {
		if h = strings.TrimSpace(h); h != "" {
			c.required = append(c.required, http.CanonicalHeaderKey(h))
		}
	}
	return c, nil
}

func compilePatterns(raw []string) ([]pattern, error) {
	out := make([]pattern, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		p, err := compilePattern(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// compilePattern turns an origin pattern into a matcher. "*" alone matches
// everything; elsewhere "*" stands for exactly one host label or port.
func compilePattern(raw string) (pattern, error) {
	if raw == "*" {
		return pattern{raw: raw, any: true}, nil
	}
	quoted := regexp.QuoteMeta(strings.ToLower(strings.TrimSuffix(raw, "/")))
	expr := "^" + strings.ReplaceAll(quoted, `\*`, `[^./:]+`) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return pattern{}, fmt.Errorf("pattern %q: %w", raw, err)
	}
	return pattern{raw: raw, re: re}, nil
}
