// Package attack runs the mode-gated vulnerability modules: a SQL error
// heuristic that escalates to sqlmap, dalfox for reflected XSS, and SSRF
// callback injection.
package attack

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
)

type Module string

const (
	ModuleSQLi Module = "sqli"
	ModuleXSS  Module = "xss"
	ModuleSSRF Module = "ssrf"
)

// Names a scope file may use to exclude a module.
var exclusionAliases = map[string]Module{
	"sqli":                        ModuleSQLi,
	"sql injection":               ModuleSQLi,
	"sql-injection":               ModuleSQLi,
	"xss":                         ModuleXSS,
	"cross-site scripting":        ModuleXSS,
	"cross site scripting":        ModuleXSS,
	"reflected xss":               ModuleXSS,
	"ssrf":                        ModuleSSRF,
	"server-side request forgery": ModuleSSRF,
	"server side request forgery": ModuleSSRF,
}

// sqlErrorSignatures indicate an unhandled database error in a response.
var sqlErrorSignatures = []string{
	"SQL syntax",
	"mysql_fetch",
	"ORA-",
	"PostgreSQL error",
}

const maxHeuristicBody = 2 << 20

// Dispatcher runs one command with retry semantics.
type Dispatcher interface {
	Execute(ctx context.Context, spec rules.CommandSpec) executor.Result
}

type Modules struct {
	dispatch    Dispatcher
	client      *http.Client
	cfg         config.AttackConfig
	sqlmap      string
	dalfox      string
	cookie      string
	findingsDir string
	logger      *logger.Logger

	fileMu sync.Mutex
}

// New wires the modules. cookie is the session cookie header, possibly
// empty; findingsDir receives raw tool output for confirmed findings.
func New(dispatch Dispatcher, client *http.Client, cfg config.AttackConfig, tools config.ToolsConfig, cookie, findingsDir string, log *logger.Logger) *Modules {
	return &Modules{
		dispatch:    dispatch,
		client:      client,
		cfg:         cfg,
		sqlmap:      orDefault(tools.Sqlmap, "sqlmap"),
		dalfox:      orDefault(tools.Dalfox, "dalfox"),
		cookie:      cookie,
		findingsDir: findingsDir,
		logger:      log.WithComponent("attack"),
	}
}

// Report records what ran against one target.
type Report struct {
	SQLiSuspected bool
	SSRFInjected  bool
	Results       []executor.Result
}

// Excluded parses the scope's excluded vulnerability names into the set of
// modules to skip. Unknown names are ignored.
func Excluded(names []string) map[Module]bool {
	out := make(map[Module]bool)
	for _, n := range names {
		if m, ok := exclusionAliases[strings.ToLower(strings.TrimSpace(n))]; ok {
			out[m] = true
		}
	}
	return out
}

// Run executes every enabled module against target in a fixed order.
func (m *Modules) Run(ctx context.Context, target string, excluded map[Module]bool) Report {
	var rep Report
	log := m.logger.WithTarget(target)
	start := time.Now()
	defer func() {
		log.LogDuration(ctx, "attack.run", start,
			"sqli_suspected", rep.SQLiSuspected,
			"ssrf_injected", rep.SSRFInjected,
			"dispatched", len(rep.Results))
	}()

	if m.cfg.SQLi && !excluded[ModuleSQLi] {
		suspected, sig := m.SQLiHeuristic(ctx, target)
		rep.SQLiSuspected = suspected
		if suspected {
			log.Infow("SQL error signature found, launching sqlmap", "signature", sig)
			res := m.dispatch.Execute(ctx, m.SQLMapCommand(target))
			m.keepEvidence(ModuleSQLi, target, res)
			rep.Results = append(rep.Results, res)
		}
	} else if excluded[ModuleSQLi] {
		log.Infow("Skipping excluded module", "module", ModuleSQLi)
	}

	if ctx.Err() != nil {
		return rep
	}
	if m.cfg.XSS && !excluded[ModuleXSS] {
		res := m.dispatch.Execute(ctx, m.DalfoxCommand(target))
		m.keepEvidence(ModuleXSS, target, res)
		rep.Results = append(rep.Results, res)
	} else if excluded[ModuleXSS] {
		log.Infow("Skipping excluded module", "module", ModuleXSS)
	}

	if ctx.Err() != nil {
		return rep
	}
	if m.cfg.SSRFCallback != "" && !excluded[ModuleSSRF] {
		rep.SSRFInjected = m.InjectSSRF(ctx, target)
	}
	return rep
}

// SQLiHeuristic appends a quote to a URL with a query string and looks for
// database error text in the response.
func (m *Modules) SQLiHeuristic(ctx context.Context, target string) (bool, string) {
	u, err := url.Parse(target)
	if err != nil || u.RawQuery == "" {
		return false, ""
	}

	resp, err := httpclient.Get(ctx, m.client, target+"'")
	if err != nil {
		m.logger.Warnw("Target unreachable", "target", target, "error", err)
		return false, ""
	}
	body, err := httpclient.ReadBody(resp, maxHeuristicBody)
	if err != nil {
		return false, ""
	}

	lower := strings.ToLower(string(body))
	for _, sig := range sqlErrorSignatures {
		if strings.Contains(lower, strings.ToLower(sig)) {
			return true, sig
		}
	}
	return false, ""
}

func (m *Modules) SQLMapCommand(target string) rules.CommandSpec {
	args := []string{"-u", target, "--batch", "--risk=1", "--level=1", "--dbs"}
	if m.cookie != "" {
		args = append(args, "--cookie="+m.cookie)
	}
	return rules.CommandSpec{Tool: m.sqlmap, Args: args}
}

func (m *Modules) DalfoxCommand(target string) rules.CommandSpec {
	args := []string{
		"url", target,
		"--verify-on-headless",
		"--ignore-return", "404,403,500",
		"--worker", "10",
		"--format", "json",
		"--silence",
		"--skip-mining-dom",
		"--skip-bav",
	}
	if m.cookie != "" {
		args = append(args, "--cookie", m.cookie)
	}
	return rules.CommandSpec{Tool: m.dalfox, Args: args}
}

// InjectSSRF sends one request carrying the callback in headers a backend
// may fetch or log. Confirmation happens out of band on the callback host.
func (m *Modules) InjectSSRF(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Forwarded-For", m.cfg.SSRFCallback)
	req.Header.Set("Referer", m.cfg.SSRFCallback)
	req.Header.Set("User-Agent", m.cfg.SSRFCallback)

	resp, err := httpclient.DoWithContext(ctx, m.client, req)
	if err != nil {
		m.logger.Warnw("Target unreachable", "target", target, "error", err)
		return false
	}
	httpclient.CloseBody(resp)
	m.logger.Infow("Injected SSRF callback", "target", target, "callback", m.cfg.SSRFCallback)
	return true
}

// keepEvidence appends tool output for confirmed findings to
// <findingsDir>/<module>_findings.txt.
func (m *Modules) keepEvidence(mod Module, target string, res executor.Result) {
	if m.findingsDir == "" || !res.Succeeded || len(res.Parsed.Alerts) == 0 {
		return
	}

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	if err := os.MkdirAll(m.findingsDir, 0o755); err != nil {
		m.logger.Errorw("Failed to create findings dir", "error", err)
		return
	}
	path := filepath.Join(m.findingsDir, string(mod)+"_findings.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		m.logger.Errorw("Failed to open findings file", "path", path, "error", err)
		return
	}
	defer f.Close()

	entry := fmt.Sprintf("Vulnerable URL: %s\nTime: %s\n%s\n%s\n",
		target, time.Now().UTC().Format(time.RFC3339), res.Outcome.Stdout, strings.Repeat("-", 50))
	if _, err := f.WriteString(entry); err != nil {
		m.logger.Errorw("Failed to write findings file", "path", path, "error", err)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
