package attack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/parser"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	specs  []rules.CommandSpec
	result executor.Result
}

func (f *fakeDispatcher) Execute(_ context.Context, spec rules.CommandSpec) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	res := f.result
	res.Spec = spec
	return res
}

func (f *fakeDispatcher) tools() []string {
	var out []string
	for _, s := range f.specs {
		out = append(out, s.Tool)
	}
	return out
}

type headerLog struct {
	mu   sync.Mutex
	last http.Header
}

func (h *headerLog) Get(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last.Get(key)
}

func vulnerableServer(t *testing.T) (*httptest.Server, *headerLog) {
	t.Helper()
	last := &headerLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.mu.Lock()
		last.last = r.Header.Clone()
		last.mu.Unlock()
		if strings.HasSuffix(r.URL.RawQuery, "'") || strings.HasSuffix(r.URL.RawQuery, "%27") {
			_, _ = w.Write([]byte("You have an error in your SQL syntax; check the manual"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, last
}

func TestExcluded(t *testing.T) {
	ex := Excluded([]string{" SQL Injection ", "Cross-Site Scripting", "DoS"})
	assert.True(t, ex[ModuleSQLi])
	assert.True(t, ex[ModuleXSS])
	assert.False(t, ex[ModuleSSRF])
	assert.Len(t, ex, 2)
}

func TestSQLiHeuristic(t *testing.T) {
	srv, _ := vulnerableServer(t)
	m := New(&fakeDispatcher{}, srv.Client(), config.AttackConfig{}, config.ToolsConfig{}, "", "", logger.NewNop())

	hit, sig := m.SQLiHeuristic(context.Background(), srv.URL+"/item?id=1")
	assert.True(t, hit)
	assert.Equal(t, "SQL syntax", sig)

	hit, _ = m.SQLiHeuristic(context.Background(), srv.URL+"/item")
	assert.False(t, hit, "no query string, no probe")
}

func TestSQLiHeuristicUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	m := New(&fakeDispatcher{}, http.DefaultClient, config.AttackConfig{}, config.ToolsConfig{}, "", "", logger.NewNop())
	hit, _ := m.SQLiHeuristic(context.Background(), addr+"/?id=1")
	assert.False(t, hit)
}

func TestCommands(t *testing.T) {
	m := New(&fakeDispatcher{}, http.DefaultClient, config.AttackConfig{}, config.ToolsConfig{Sqlmap: "/opt/sqlmap/sqlmap.py"}, "sid=abc", "", logger.NewNop())

	sq := m.SQLMapCommand("https://example.com/?id=1")
	assert.Equal(t, "/opt/sqlmap/sqlmap.py", sq.Tool)
	assert.Equal(t, []string{"-u", "https://example.com/?id=1", "--batch", "--risk=1", "--level=1", "--dbs", "--cookie=sid=abc"}, sq.Args)
	assert.NotContains(t, sq.Redacted(), "abc")

	dx := m.DalfoxCommand("https://example.com")
	assert.Equal(t, "dalfox", dx.Tool)
	assert.Equal(t, []string{"url", "https://example.com"}, dx.Args[:2])
	assert.Contains(t, dx.Args, "--verify-on-headless")
	assert.Equal(t, []string{"--cookie", "sid=abc"}, dx.Args[len(dx.Args)-2:])

	anon := New(&fakeDispatcher{}, http.DefaultClient, config.AttackConfig{}, config.ToolsConfig{}, "", "", logger.NewNop())
	assert.NotContains(t, strings.Join(anon.SQLMapCommand("u").Args, " "), "--cookie")
	assert.NotContains(t, anon.DalfoxCommand("u").Args, "--cookie")
}

func TestRunAllModules(t *testing.T) {
	srv, last := vulnerableServer(t)
	d := &fakeDispatcher{result: executor.Result{Succeeded: true}}
	cfg := config.AttackConfig{SQLi: true, XSS: true, SSRFCallback: "http://cb.oast.example"}
	m := New(d, srv.Client(), cfg, config.ToolsConfig{}, "", "", logger.NewNop())

	rep := m.Run(context.Background(), srv.URL+"/search?q=1", nil)
	assert.True(t, rep.SQLiSuspected)
	assert.True(t, rep.SSRFInjected)
	assert.Equal(t, []string{"sqlmap", "dalfox"}, d.tools())
	assert.Len(t, rep.Results, 2)

	assert.Equal(t, "http://cb.oast.example", last.Get("X-Forwarded-For"))
	assert.Equal(t, "http://cb.oast.example", last.Get("Referer"))
	assert.Equal(t, "http://cb.oast.example", last.Get("User-Agent"))
}

func TestRunRespectsExclusions(t *testing.T) {
	srv, _ := vulnerableServer(t)
	d := &fakeDispatcher{result: executor.Result{Succeeded: true}}
	cfg := config.AttackConfig{SQLi: true, XSS: true, SSRFCallback: "http://cb.oast.example"}
	m := New(d, srv.Client(), cfg, config.ToolsConfig{}, "", "", logger.NewNop())

	rep := m.Run(context.Background(), srv.URL+"/search?q=1", Excluded([]string{"sqli", "ssrf"}))
	assert.False(t, rep.SQLiSuspected)
	assert.False(t, rep.SSRFInjected)
	assert.Equal(t, []string{"dalfox"}, d.tools())
}

func TestRunCleanTargetSkipsSQLMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nothing to see"))
	}))
	defer srv.Close()

	d := &fakeDispatcher{}
	m := New(d, srv.Client(), config.AttackConfig{SQLi: true}, config.ToolsConfig{}, "", "", logger.NewNop())
	rep := m.Run(context.Background(), srv.URL+"/?id=1", nil)
	assert.False(t, rep.SQLiSuspected)
	assert.Empty(t, d.specs)
}

func TestKeepEvidence(t *testing.T) {
	srv, _ := vulnerableServer(t)
	dir := t.TempDir()
	d := &fakeDispatcher{result: executor.Result{
		Succeeded: true,
		Outcome:   types.CommandOutcome{Stdout: "available databases [2]:\n[*] app\n[*] information_schema"},
		Parsed: parser.Result{Alerts: []types.Alert{{
			Title:    "SQL Injection Confirmed",
			Severity: types.SeverityCritical,
		}}},
	}}
	m := New(d, srv.Client(), config.AttackConfig{SQLi: true}, config.ToolsConfig{}, "", dir, logger.NewNop())

	target := srv.URL + "/item?id=1"
	m.Run(context.Background(), target, nil)
	m.Run(context.Background(), target, nil)

	data, err := os.ReadFile(filepath.Join(dir, "sqli_findings.txt"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "Vulnerable URL: "+target))
	assert.Contains(t, string(data), "information_schema")

	_, err = os.Stat(filepath.Join(dir, "xss_findings.txt"))
	assert.True(t, os.IsNotExist(err))
}
