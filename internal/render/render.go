// Package render converts extracted markdown documents into standalone,
// sanitized HTML pages.
package render

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"cors-relay-go/internal/model"
)

// DefaultMarker separates the extraction service's metadata header from the
// markdown body.
const DefaultMarker = "Markdown Content:"

const defaultTitle = "Document"

var errInvalidUTF8 = errors.New("body is not valid UTF-8")

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body><main class="content">{{.Content}}</main></body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<h1>{{.Status}} {{.Text}}</h1>
{{if .Message}}<p>{{.Message}}</p>
{{end}}`))

type page struct {
	Title   string
	Content template.HTML
}

// Renderer turns markdown into a full HTML document. It is safe for
// concurrent use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	marker string
}

// NewRenderer creates a Renderer that splits extraction payloads on marker.
// An empty marker selects DefaultMarker.
func NewRenderer(marker string) *Renderer {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
		marker: marker,
	}
}

// Render converts an extraction payload into an HTML page.
func (r *Renderer) Render(body []byte) ([]byte, error) {
	if !utf8.Valid(body) {
		return nil, &model.TransformError{Err: errInvalidUTF8}
	}
	text := string(body)
	markdown := ExtractMarkdown(text, r.marker)

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return nil, &model.TransformError{Err: err}
	}
	safe := r.policy.SanitizeBytes(buf.Bytes())

	return wrap(ExtractTitle(text), template.HTML(safe)) //nolint:gosec // sanitized by bluemonday above
}

// ExtractMarkdown returns the text following the first occurrence of marker,
// with leading blank lines removed. When the marker is absent the whole text
// is returned.
func ExtractMarkdown(text, marker string) string {
	if marker == "" {
		return text
	}
	_, after, found := strings.Cut(text, marker)
	if !found {
		return text
	}
	for {
		line, rest, ok := strings.Cut(after, "\n")
		if !ok || strings.TrimSpace(line) != "" {
			break
		}
		after = rest
	}
	return after
}

// ExtractTitle returns the document title: the value of a "Title:" header
// line, else the first level-1 heading, else "Document".
func ExtractTitle(text string) string {
	var heading string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "Title:"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
			continue
		}
		if heading == "" {
			if v, ok := strings.CutPrefix(line, "# "); ok {
				heading = strings.TrimSpace(strings.TrimRight(v, "#"))
			}
		}
	}
	if heading != "" {
		return heading
	}
	return defaultTitle
}

// ErrorPage returns a minimal HTML document describing a failed render.
func ErrorPage(status int, message string) []byte {
	var inner bytes.Buffer
	data := struct {
		Status  int
		Text    string
		Message string
	}{status, http.StatusText(status), message}
	if err := errorTemplate.Execute(&inner, data); err != nil {
		return []byte(fmt.Sprintf("<!DOCTYPE html><title>Error</title><h1>%d</h1>", status))
	}
	out, err := wrap(fmt.Sprintf("Error %d", status), template.HTML(inner.String())) //nolint:gosec // template-escaped above
	if err != nil {
		return []byte(fmt.Sprintf("<!DOCTYPE html><title>Error</title><h1>%d</h1>", status))
	}
	return out
}

func wrap(title string, content template.HTML) ([]byte, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, page{Title: title, Content: content}); err != nil {
		return nil, &model.TransformError{Err: err}
	}
	return buf.Bytes(), nil
}
