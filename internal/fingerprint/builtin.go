// Package fingerprint identifies the technology stack of a target and sorts
// it into the categories rule matching works from.
package fingerprint

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/httpclient"
	"github.com/PuerkitoBio/goquery"
)

const maxFingerprintBody = 1 << 20

// Source is one detection method. Detect returns raw technology names.
type Source interface {
	Name() string
	Detect(ctx context.Context, url string) ([]string, error)
}

// Builtin matches response headers, cookies and markup against a table of
// signatures.
type Builtin struct {
	client     *http.Client
	signatures []Signature
}

func NewBuiltin(client *http.Client) *Builtin {
	return &Builtin{
		client:     client,
		signatures: compileSignatures(builtinSignatures),
	}
}

func (b *Builtin) Name() string { return "builtin" }

func (b *Builtin) Detect(ctx context.Context, url string) ([]string, error) {
	resp, err := httpclient.Get(ctx, b.client, url)
	if err != nil {
		return nil, fmt.Errorf("fingerprint request failed: %w", err)
	}
	body, err := httpclient.ReadBody(resp, maxFingerprintBody)
	if err != nil {
		return nil, fmt.Errorf("failed to read fingerprint response: %w", err)
	}
	return b.Analyze(resp.Header, body), nil
}

// Analyze runs every signature against one response, adding implied
// technologies after their source. The result is in signature order.
func (b *Builtin) Analyze(header http.Header, body []byte) []string {
	doc := newDocument(header, body)

	detected := make(map[string]bool)
	var names []string
	add := func(name string) {
		if !detected[name] {
			detected[name] = true
			names = append(names, name)
		}
	}

	for _, sig := range b.signatures {
		if !sig.matches(doc) {
			continue
		}
		add(sig.Name)
		for _, implied := range sig.Implies {
			add(implied)
		}
	}
	return names
}

// document is the parts of a response signatures look at.
type document struct {
	headers []string
	cookies string
	body    string
	metas   []string
	scripts []string
}

func newDocument(header http.Header, body []byte) document {
	d := document{body: string(body)}
	for key, values := range header {
		for _, v := range values {
			d.headers = append(d.headers, key+": "+v)
		}
	}
	d.cookies = strings.Join(header.Values("Set-Cookie"), "; ")

	html, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return d
	}
	html.Find("meta[name=generator]").Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok {
			d.metas = append(d.metas, content)
		}
	})
	html.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		d.scripts = append(d.scripts, src)
	})
	return d
}

func (s Signature) matches(d document) bool {
	for _, p := range s.Patterns {
		switch p.Source {
		case sourceHeader:
			if anyMatch(p, d.headers) {
				return true
			}
		case sourceCookie:
			if p.compiled.MatchString(d.cookies) {
				return true
			}
		case sourceBody:
			if p.compiled.MatchString(d.body) {
				return true
			}
		case sourceMeta:
			if anyMatch(p, d.metas) {
				return true
			}
		case sourceScript:
			if anyMatch(p, d.scripts) {
				return true
			}
		}
	}
	return false
}

func anyMatch(p Pattern, values []string) bool {
	for _, v := range values {
		if p.compiled.MatchString(v) {
			return true
		}
	}
	return false
}
