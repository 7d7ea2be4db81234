package scope

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name   string
		target string
		deny   []string
		want   bool
	}{
		{"staging denied", "staging.example.com", []string{"staging."}, false},
		{"apex allowed", "example.com", []string{"staging."}, true},
		{"url form denied", "https://staging.example.com/login", []string{"staging."}, false},
		{"case sensitive", "STAGING.example.com", []string{"staging."}, true},
		{"empty deny list", "anything.test", nil, true},
		{"empty pattern ignored", "example.com", []string{""}, true},
		{"any pattern denies", "api.internal.example.com", []string{"dev.", "internal"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAllowed(tt.target, tt.deny))
		})
	}
}

func TestGuardChecksBothLists(t *testing.T) {
	guard := NewGuard([]string{"staging."}, []string{"*.corp.example.com", "legacy.example.com"})

	tests := []struct {
		target  string
		allowed bool
		reason  string
	}{
		{"https://example.com", true, ""},
		{"staging.example.com", false, "deny list"},
		{"https://vpn.corp.example.com/", false, "out of scope"},
		{"corp.example.com", false, "out of scope"},
		{"https://legacy.example.com:8443/x", false, "out of scope"},
		{"notlegacy.example.com", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			d := guard.Check(tt.target)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.allowed, guard.Allowed(tt.target))
		})
	}
}

func TestNilGuardAllowsEverything(t *testing.T) {
	var g *Guard
	assert.True(t, g.Allowed("example.com"))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"api.example.com", "*.example.com", true},
		{"example.com", "*.example.com", true},
		{"badexample.com", "*.example.com", false},
		{"example.com", "example.com", true},
		{"www.example.com", "example.com", false},
		{"example.com", "https://example.com/", true},
		{"10.1.2.3", "10.0.0.0/8", true},
		{"192.168.1.1", "10.0.0.0/8", false},
		{"example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.host+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.host, tt.pattern))
		})
	}
}

func TestFilterDomains(t *testing.T) {
	in := []string{"*.example.com"}
	out := []string{"admin.example.com"}

	assert.True(t, FilterDomains("shop.example.com", in, out))
	assert.False(t, FilterDomains("admin.example.com", in, out))
	assert.False(t, FilterDomains("example.org", in, out))
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com", HostOf("https://Example.COM:8443/path?q=1"))
	assert.Equal(t, "example.com", HostOf("example.com"))
	assert.Equal(t, "example.com", HostOf("example.com./"))
	assert.Equal(t, "xn--bcher-kva.example", HostOf("bücher.example"))
	assert.Equal(t, "", HostOf("  "))
}

func TestSeedHosts(t *testing.T) {
	hosts := SeedHosts([]string{"*.example.com", "example.com", "https://shop.test/", "10.0.0.0/8", ""})
	assert.Equal(t, []string{"example.com", "shop.test"}, hosts)
}

func TestParseScope(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		cfg, err := ParseScope([]byte(`{
			"in_scope_domains": ["example.com", " *.example.org "],
			"out_of_scope_domains": ["staging.example.com"],
			"excluded_vulnerabilities": ["DoS"]
		}`), ".json")
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.InScopeDomains)
		assert.Equal(t, []string{"staging.example.com"}, cfg.OutOfScopeDomains)
		assert.Equal(t, []string{"DoS"}, cfg.ExcludedVulnerabilities)
	})

	t.Run("yaml with alias key", func(t *testing.T) {
		cfg, err := ParseScope([]byte(strings.Join([]string{
			"in_scope_domains:",
			"  - example.com",
			"excluded_vulnerability_types:",
			"  - XSS",
		}, "\n")), ".yaml")
		require.NoError(t, err)
		assert.Equal(t, []string{"XSS"}, cfg.ExcludedVulnerabilities)
	})

	t.Run("unknown extension falls back to yaml", func(t *testing.T) {
		cfg, err := ParseScope([]byte("in_scope_domains: [example.com]\n"), ".scope")
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com"}, cfg.InScopeDomains)
	})

	t.Run("empty in scope is an error", func(t *testing.T) {
		_, err := ParseScope([]byte(`{"in_scope_domains": []}`), ".json")
		assert.ErrorIs(t, err, ErrNoInScopeDomains)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseScope([]byte(`{`), ".json")
		assert.Error(t, err)
	})
}

func TestLoadList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deny.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nstaging.\n\n  dev.  \n#another\n"), 0o600))

	items, err := LoadList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"staging.", "dev."}, items)

	_, err = LoadList(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
