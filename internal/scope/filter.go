package scope

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// HostOf extracts the lower-cased ASCII hostname from a bare host or URL.
func HostOf(target string) string {
	raw := strings.TrimSpace(target)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return normalizeHost(strings.SplitN(strings.TrimSpace(target), "/", 2)[0])
	}
	return normalizeHost(u.Hostname())
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		return ascii
	}
	return host
}

// Match reports whether host matches a scope pattern. "*.example.com"
// covers example.com and every subdomain; CIDR patterns match IP hosts;
// anything else is an exact host match.
func Match(host, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || host == "" {
		return false
	}

	if strings.Contains(pattern, "/") {
		if _, ipNet, err := net.ParseCIDR(pattern); err == nil {
			ip := net.ParseIP(host)
			return ip != nil && ipNet.Contains(ip)
		}
	}

	if strings.HasPrefix(pattern, "*") {
		base := normalizeHost(strings.TrimLeft(pattern, "*."))
		return host == base || strings.HasSuffix(host, "."+base)
	}

	return host == HostOf(pattern)
}

// FilterDomains reports whether domain is in scope and not out of scope.
func FilterDomains(domain string, inScope, outOfScope []string) bool {
	host := HostOf(domain)
	for _, forbidden := range outOfScope {
		if Match(host, forbidden) {
			return false
		}
	}
	for _, allowed := range inScope {
		if Match(host, allowed) {
			return true
		}
	}
	return false
}

// SeedHosts turns in-scope entries into concrete hosts usable as targets
// or enumeration roots. Wildcards collapse to their base domain.
func SeedHosts(inScope []string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, entry := range inScope {
		entry = strings.TrimSpace(entry)
		if entry == "" || (strings.Contains(entry, "/") && !strings.Contains(entry, "://")) {
			continue
		}
		host := HostOf(strings.TrimLeft(entry, "*."))
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		hosts = append(hosts, host)
	}
	return hosts
}
