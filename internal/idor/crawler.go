package idor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/httpclient"
	"github.com/PuerkitoBio/goquery"
)

const maxPageBytes = 5 << 20

// Candidates fetches page and returns same-host links and form actions that
// carry at least one numeric identifier. At most limit URLs are returned
// when limit is positive.
func Candidates(ctx context.Context, client *http.Client, page string, limit int) ([]string, error) {
	base, err := url.Parse(page)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL %q: %w", page, err)
	}

	resp, err := httpclient.Get(ctx, client, page)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", page, err)
	}

	var out []string
	seen := make(map[string]bool)
	add := func(ref string) bool {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
			return true
		}
		u, err := base.Parse(ref)
		if err != nil || !strings.EqualFold(u.Hostname(), base.Hostname()) {
			return true
		}
		u.Fragment = ""
		s := u.String()
		if seen[s] || len(MutationPoints(u)) == 0 {
			return true
		}
		seen[s] = true
		out = append(out, s)
		return limit <= 0 || len(out) < limit
	}

	doc.Find("a[href], form[action], link[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if href, ok := sel.Attr("href"); ok {
			return add(href)
		}
		action, _ := sel.Attr("action")
		return add(action)
	})
	return out, nil
}

// Crawler discovers IDOR candidates on a target's landing page.
type Crawler struct {
	Client *http.Client
	Limit  int
}

func (c Crawler) Discover(ctx context.Context, page string) ([]string, error) {
	return Candidates(ctx, c.Client, page, c.Limit)
}
