package parser

import (
	"strings"
	"testing"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nucleiCmd() rules.CommandSpec {
	return rules.CommandSpec{Tool: "nuclei", Args: []string{"-u", "https://x.test", "-silent"}}
}

func TestParseNuclei(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		wantSev  types.Severity
		wantText string
	}{
		{
			name:     "critical wins over high",
			stdout:   "[cve-2021-1] [http] [HIGH] https://x.test/a\n[cve-2022-2] [http] [Critical] https://x.test/b\n",
			wantSev:  types.SeverityCritical,
			wantText: "CRITICAL Vulnerability Found!",
		},
		{
			name:     "high",
			stdout:   "[exposed-panel] [http] [high] https://x.test/admin\n",
			wantSev:  types.SeverityHigh,
			wantText: "HIGH Vulnerability Found!",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(nucleiCmd(), tt.stdout)
			require.Len(t, res.Alerts, 1)
			assert.Equal(t, tt.wantSev, res.Alerts[0].Severity)
			assert.Equal(t, tt.wantText, res.Alerts[0].Title)
			assert.True(t, strings.HasPrefix(res.Alerts[0].Evidence, "Command: nuclei -u https://x.test -silent\nOutput Snippet:\n"))
		})
	}

	res := Parse(nucleiCmd(), "[tech-detect] [http] [info] https://x.test\n")
	assert.Empty(t, res.Alerts)
	assert.Equal(t, []string{"https://x.test"}, res.URLs)
}

func TestNucleiEvidenceTruncated(t *testing.T) {
	stdout := "[critical] " + strings.Repeat("é", 1000)
	res := Parse(nucleiCmd(), stdout)
	require.Len(t, res.Alerts, 1)

	_, snippet, ok := strings.Cut(res.Alerts[0].Evidence, "Output Snippet:\n")
	require.True(t, ok)
	assert.Equal(t, 500, len([]rune(snippet)))
}

func TestNucleiRecognizedBySubstring(t *testing.T) {
	cmd := rules.CommandSpec{Tool: "/opt/pd/nuclei", Args: []string{"-l", "t.txt"}}
	res := Parse(cmd, "[high] https://x.test/item/1\n")
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, []string{"https://x.test/item/1"}, res.URLs)
}

func TestUnknownToolNotParsed(t *testing.T) {
	cmd := rules.CommandSpec{Tool: "wpscan", Args: []string{"--url", "https://x.test"}}
	res := Parse(cmd, "[critical] something scary\n")
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.URLs)
}

func TestTargetDoesNotSelectParser(t *testing.T) {
	cmd := rules.CommandSpec{Tool: "wpscan", Args: []string{"--url", "https://nuclei.example.com", "--enumerate", "vp"}}
	res := Parse(cmd, "[critical] Title: WordPress 6.1\n")
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.URLs)

	cmd = rules.CommandSpec{Tool: "ffuf", Args: []string{"-u", "https://x.test/sqlmap/FUZZ", "-w", "words.txt"}}
	assert.Empty(t, Parse(cmd, "available databases [2]:\n").Alerts)
}

func TestWrappedToolRecognized(t *testing.T) {
	cmd := rules.CommandSpec{Tool: "python3", Args: []string{"/opt/sqlmap/sqlmap.py", "-u", "https://x.test/?id=1", "--batch"}}
	res := Parse(cmd, "available databases [2]:\n[*] information_schema\n")
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "SQL Injection Confirmed", res.Alerts[0].Title)
}

func TestParseDalfox(t *testing.T) {
	cmd := rules.CommandSpec{Tool: "dalfox", Args: []string{"url", "https://x.test"}}
	stdout := `[{"type":"V","data":"https://x.test/?q=%3Csvg%3E","param":"q"},
not json at all
{"type":"V","data":"https://x.test/?s=1","param":"s"}]
`
	res := Parse(cmd, stdout)
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "Verified XSS Found", res.Alerts[0].Title)
	assert.Equal(t, types.SeverityCritical, res.Alerts[0].Severity)
	assert.Equal(t, []string{"https://x.test/?q=%3Csvg%3E", "https://x.test/?s=1"}, res.URLs)
}

func TestParseSQLMap(t *testing.T) {
	cmd := rules.CommandSpec{Tool: "sqlmap", Args: []string{"-u", "https://x.test/?id=1", "--cookie=sid=secret"}}

	res := Parse(cmd, "[INFO] fetching database names\navailable databases [2]:\n[*] information_schema\n")
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "SQL Injection Confirmed", res.Alerts[0].Title)
	assert.NotContains(t, res.Alerts[0].Evidence, "sid=secret")

	assert.Empty(t, Parse(cmd, "all tested parameters do not appear to be injectable").Alerts)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "", Truncate("", 2))
}
