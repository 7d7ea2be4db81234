package idor

import (
	"math/big"
	"net/url"
	"strings"
)

type PointKind string

const (
	PointPath  PointKind = "path"
	PointQuery PointKind = "query"
)

// MutationPoint is one numeric identifier in a URL.
type MutationPoint struct {
	Kind PointKind
	// Index is the segment index in the escaped path, or the pair index in
	// the raw query.
	Index int
	// Key is the query parameter name; empty for path segments.
	Key   string
	Value string
}

// MutationPoints lists the purely numeric path segments and query values of
// u, path first, each in URL order.
func MutationPoints(u *url.URL) []MutationPoint {
	var points []MutationPoint

	for i, seg := range strings.Split(u.EscapedPath(), "/") {
		if isDigits(seg) {
			points = append(points, MutationPoint{Kind: PointPath, Index: i, Value: seg})
		}
	}

	if u.RawQuery != "" {
		for i, pair := range strings.Split(u.RawQuery, "&") {
			key, val, ok := strings.Cut(pair, "=")
			if !ok || !isDigits(val) {
				continue
			}
			name, err := url.QueryUnescape(key)
			if err != nil {
				name = key
			}
			points = append(points, MutationPoint{Kind: PointQuery, Index: i, Key: name, Value: val})
		}
	}
	return points
}

// Mutate returns u with the identifier at p incremented by one. Everything
// else in the URL is left byte-for-byte as it was.
func Mutate(u *url.URL, p MutationPoint) (string, bool) {
	next, ok := increment(p.Value)
	if !ok {
		return "", false
	}
	out := *u

	switch p.Kind {
	case PointPath:
		segs := strings.Split(u.EscapedPath(), "/")
		if p.Index >= len(segs) || segs[p.Index] != p.Value {
			return "", false
		}
		segs[p.Index] = next
		escaped := strings.Join(segs, "/")
		unescaped, err := url.PathUnescape(escaped)
		if err != nil {
			return "", false
		}
		out.Path = unescaped
		out.RawPath = escaped
	case PointQuery:
		pairs := strings.Split(u.RawQuery, "&")
		if p.Index >= len(pairs) {
			return "", false
		}
		key, val, ok := strings.Cut(pairs[p.Index], "=")
		if !ok || val != p.Value {
			return "", false
		}
		pairs[p.Index] = key + "=" + next
		out.RawQuery = strings.Join(pairs, "&")
	default:
		return "", false
	}
	return out.String(), true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// increment adds one to a decimal string of any length.
func increment(s string) (string, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "", false
	}
	return n.Add(n, big.NewInt(1)).String(), true
}
