package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/attack"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/database"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/extraction"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/fingerprint"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/idor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/parser"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/proxy"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/recon"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

type fakeFingerprinter struct {
	tech []string
	err  error
}

func (f fakeFingerprinter) Fingerprint(_ context.Context, _ string) (types.TechnologyProfile, error) {
	return fingerprint.Categorize(f.tech), f.err
}

type fakeDispatcher struct {
	mu    sync.Mutex
	specs []rules.CommandSpec
	urls  map[string][]string
}

func (d *fakeDispatcher) Execute(_ context.Context, spec rules.CommandSpec) executor.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.specs = append(d.specs, spec)
	return executor.Result{
		Spec:      spec,
		Attempts:  1,
		Succeeded: true,
		Parsed:    parser.Result{URLs: d.urls[spec.Name()]},
	}
}

func (d *fakeDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, s := range d.specs {
		out = append(out, s.Name())
	}
	return out
}

type fakeExtractor struct {
	mu      sync.Mutex
	targets []string
}

func (e *fakeExtractor) Extract(_ context.Context, target string) extraction.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = append(e.targets, target)
	return extraction.Report{Target: target}
}

type fakeProber struct {
	mu     sync.Mutex
	probed []string
	flag   map[string]bool
}

func (p *fakeProber) Probe(_ context.Context, rawURL string) []idor.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, rawURL)
	return []idor.Result{{BaselineURL: rawURL, AttackURL: rawURL + "+1", Ratio: 0.95, Flagged: p.flag[rawURL]}}
}

type fakeCandidates []string

func (c fakeCandidates) Discover(_ context.Context, _ string) ([]string, error) {
	return c, nil
}

type fakeAttacks struct {
	calls    int
	excluded map[attack.Module]bool
}

func (a *fakeAttacks) Run(_ context.Context, target string, excluded map[attack.Module]bool) attack.Report {
	a.calls++
	a.excluded = excluded
	spec, _ := rules.ParseCommand("sqlmap -u {target} --batch", target)
	return attack.Report{SQLiSuspected: true, Results: []executor.Result{{Spec: spec, Attempts: 1, Succeeded: true}}}
}

type fakeRecon struct {
	alive []string
	err   error
}

func (r fakeRecon) Run(_ context.Context, _ *types.ScopeConfig) (recon.Summary, error) {
	return recon.Summary{Alive: r.alive}, r.err
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (a *recordingAlerter) Alert(_ context.Context, al types.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
}

type harness struct {
	orch       *Orchestrator
	store      core.ResultStore
	dispatcher *fakeDispatcher
	extractor  *fakeExtractor
	prober     *fakeProber
	attacks    *fakeAttacks
	alerter    *recordingAlerter
}

func newHarness(t *testing.T, tech []string, mode types.Mode, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:      database.NewMemoryStore(),
		dispatcher: &fakeDispatcher{urls: map[string][]string{}},
		extractor:  &fakeExtractor{},
		prober:     &fakeProber{flag: map[string]bool{}},
		attacks:    &fakeAttacks{},
		alerter:    &recordingAlerter{},
	}
	table := rules.Table{
		"WordPress": {Commands: []string{"wpscan --url {target} --enumerate u"}},
		"Nginx":     {Commands: []string{"nikto -h {target}"}},
	}
	deps := Deps{
		Guard:         scope.NewGuard([]string{"staging."}, []string{"admin.example.com"}),
		Fingerprinter: fakeFingerprinter{tech: tech},
		Rules:         table,
		Rotator:       proxy.NewRotator(nil),
		Dispatcher:    h.dispatcher,
		Store:         h.store,
		Alerter:       h.alerter,
		Extractor:     h.extractor,
		Prober:        h.prober,
		Attacks:       h.attacks,
		Logger:        logger.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.orch = New(deps, Options{Mode: mode, Workers: 2})
	return h
}

func TestProcessTarget_DeniedDispatchesNothing(t *testing.T) {
	h := newHarness(t, []string{"Nginx"}, types.ModeFull, nil)

	rep, err := h.orch.ProcessTarget(context.Background(), "https://staging.example.com")
	require.NoError(t, err)

	assert.True(t, rep.Denied)
	assert.Equal(t, "deny list", rep.DenyReason)
	assert.Empty(t, h.dispatcher.names())
	assert.Empty(t, h.extractor.targets)
	assert.Empty(t, h.prober.probed)
	assert.Zero(t, h.attacks.calls)

	scans, err := h.store.ListScans(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, scans)
}

func TestProcessTarget_OutOfScopeHost(t *testing.T) {
	h := newHarness(t, nil, types.ModeFull, nil)

	rep, err := h.orch.ProcessTarget(context.Background(), "admin.example.com")
	require.NoError(t, err)
	assert.True(t, rep.Denied)
	assert.Equal(t, "out of scope", rep.DenyReason)
}

func TestProcessTarget_MatchedRules(t *testing.T) {
	h := newHarness(t, []string{"WordPress", "Nginx"}, types.ModeRecon, nil)
	ctx := context.Background()

	rep, err := h.orch.ProcessTarget(ctx, "example.com")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", rep.Target)
	assert.False(t, rep.Match.Fallback)
	assert.ElementsMatch(t, []string{"wpscan", "nikto"}, h.dispatcher.names())
	assert.Zero(t, h.attacks.calls, "recon mode skips attack modules")
	assert.Equal(t, []string{"https://example.com"}, h.extractor.targets)

	scans, err := h.store.ListScans(ctx, "https://example.com", 0)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, s := range scans {
		counts[string(s.ScanType)]++
	}
	assert.Equal(t, 1, counts["fingerprint"])
	assert.Equal(t, 1, counts["wpscan"])
	assert.Equal(t, 1, counts["nikto"])
}

func TestProcessTarget_FingerprintDetailsRecorded(t *testing.T) {
	h := newHarness(t, []string{"Nginx", "PHP"}, types.ModeRecon, nil)
	ctx := context.Background()

	_, err := h.orch.ProcessTarget(ctx, "https://example.com")
	require.NoError(t, err)

	scans, err := h.store.ListScans(ctx, "https://example.com", 0)
	require.NoError(t, err)
	var fp *types.ScanRecord
	for i := range scans {
		if scans[i].ScanType == types.ScanTypeFingerprint {
			fp = &scans[i]
		}
	}
	require.NotNil(t, fp)
	assert.Equal(t, types.SeverityInfo, fp.Severity)
	assert.Contains(t, fp.Details, "all")
}

func TestProcessTarget_FallbackRunsNuclei(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, nil)

	rep, err := h.orch.ProcessTarget(context.Background(), "https://example.com")
	require.NoError(t, err)

	assert.True(t, rep.Match.Fallback)
	assert.Equal(t, []string{"nuclei"}, h.dispatcher.names())
}

func TestProcessTarget_FingerprintErrorStillScans(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, func(d *Deps) {
		d.Fingerprinter = fakeFingerprinter{err: errors.New("httpx missing")}
	})

	_, err := h.orch.ProcessTarget(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"nuclei"}, h.dispatcher.names())
	assert.Len(t, h.extractor.targets, 1)
}

func TestProcessTarget_AttackModulesInFullMode(t *testing.T) {
	h := newHarness(t, nil, types.ModeFull, nil)
	h.orch = New(h.orch.deps, Options{Mode: types.ModeFull, Excluded: []string{"XSS"}})
	ctx := context.Background()

	rep, err := h.orch.ProcessTarget(ctx, "https://example.com/?id=1")
	require.NoError(t, err)

	assert.Equal(t, 1, h.attacks.calls)
	assert.True(t, h.attacks.excluded[attack.ModuleXSS])
	assert.True(t, rep.Attack.SQLiSuspected)
	assert.Len(t, rep.Commands, 2)

	scans, err := h.store.ListScans(ctx, "https://example.com/?id=1", 0)
	require.NoError(t, err)
	var sqlmap int
	for _, s := range scans {
		if s.ScanType == "sqlmap" {
			sqlmap++
		}
	}
	assert.Equal(t, 1, sqlmap)
}

func TestProcessTarget_IDORCandidates(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, func(d *Deps) {
		d.Candidates = fakeCandidates{
			"https://example.com/orders/7",
			"https://example.com/about",
			"https://staging.example.com/users/3",
			"https://example.com/users/42",
		}
	})
	h.dispatcher.urls["nuclei"] = []string{"https://example.com/users/42", "https://example.com/api/v1/invoice?id=9"}
	h.prober.flag["https://example.com/users/42"] = true
	ctx := context.Background()

	rep, err := h.orch.ProcessTarget(ctx, "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/users/42",
		"https://example.com/api/v1/invoice?id=9",
		"https://example.com/orders/7",
	}, h.prober.probed)
	assert.Equal(t, 3, rep.IDORProbed)
	assert.Equal(t, 1, rep.IDORFlagged)

	scans, err := h.store.ListScans(ctx, "https://example.com", 0)
	require.NoError(t, err)
	var idorRec *types.ScanRecord
	for i := range scans {
		if scans[i].ScanType == types.ScanTypeIDOR {
			idorRec = &scans[i]
		}
	}
	require.NotNil(t, idorRec)
	assert.Equal(t, types.SeverityHigh, idorRec.Severity)
	assert.Equal(t, "https://example.com/users/42", idorRec.Details["url"])
}

func TestProcessTarget_IDORCandidateCap(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, func(d *Deps) {
		d.Candidates = fakeCandidates{
			"https://example.com/a/1",
			"https://example.com/a/2",
			"https://example.com/a/3",
		}
	})
	h.orch = New(h.orch.deps, Options{Mode: types.ModeRecon, MaxIDORCandidates: 2})

	rep, err := h.orch.ProcessTarget(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.IDORProbed)
}

func TestProcessTarget_IDORToolURLsStayOnScopedHosts(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, nil)
	h.orch = New(h.orch.deps, Options{Mode: types.ModeRecon, InScope: []string{"*.example.org"}})
	h.dispatcher.urls["nuclei"] = []string{
		"https://cdn.thirdparty.net/users/5",
		"https://api.example.org/orders/3",
		"https://example.com/users/8",
	}

	rep, err := h.orch.ProcessTarget(context.Background(), "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://api.example.org/orders/3",
		"https://example.com/users/8",
	}, h.prober.probed)
	assert.NotContains(t, h.prober.probed, "https://cdn.thirdparty.net/users/5")
	assert.Equal(t, 2, rep.IDORProbed)
}

func TestProcessTarget_Cancelled(t *testing.T) {
	h := newHarness(t, []string{"WordPress"}, types.ModeRecon, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.ProcessTarget(ctx, "https://example.com")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.dispatcher.names())
}

func TestRun_SendsFinishedAlert(t *testing.T) {
	h := newHarness(t, []string{"Nginx"}, types.ModeRecon, nil)

	sum, err := h.orch.Run(context.Background(), []string{
		"https://example.com",
		"https://staging.example.com",
		"https://shop.example.com",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 3, sum.Targets)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Denied)
	assert.Equal(t, 2, sum.Commands)

	require.Len(t, h.alerter.alerts, 1)
	final := h.alerter.alerts[0]
	assert.Equal(t, "Scan Finished", final.Title)
	assert.Equal(t, "Status", final.Category)
	assert.Equal(t, types.SeverityInfo, final.Severity)
	assert.Contains(t, final.Evidence, "Cassandra has finished the mission.")
}

func TestDiscover(t *testing.T) {
	sc := &types.ScopeConfig{InScopeDomains: []string{"*.example.com", "example.org"}}

	t.Run("recon output merged with explicit targets", func(t *testing.T) {
		h := newHarness(t, nil, types.ModeFull, func(d *Deps) {
			d.Recon = fakeRecon{alive: []string{"https://api.example.com", "https://example.org"}}
		})
		list, err := h.orch.Discover(context.Background(), sc, []string{"example.org"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"https://example.org", "https://api.example.com"}, list)

		scans, err := h.store.ListScans(context.Background(), "https://api.example.com", 0)
		require.NoError(t, err)
		require.Len(t, scans, 1)
		assert.Equal(t, types.ScanTypeRecon, scans[0].ScanType)
	})

	t.Run("attack mode skips recon", func(t *testing.T) {
		h := newHarness(t, nil, types.ModeAttack, func(d *Deps) {
			d.Recon = fakeRecon{alive: []string{"https://api.example.com"}}
		})
		list, err := h.orch.Discover(context.Background(), sc, []string{"https://target.example.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://target.example.com"}, list)
	})

	t.Run("recon failure falls back to roots", func(t *testing.T) {
		h := newHarness(t, nil, types.ModeRecon, func(d *Deps) {
			d.Recon = fakeRecon{err: errors.New("subfinder exploded")}
		})
		list, err := h.orch.Discover(context.Background(), sc, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"https://example.com", "https://example.org"}, list)
	})
}

func TestProcessJob(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, nil)

	require.NoError(t, h.orch.ProcessJob(context.Background(), &types.Job{ID: "1", Target: "https://example.com"}))
	require.NoError(t, h.orch.ProcessJob(context.Background(), &types.Job{ID: "2", Target: "https://staging.example.com"}))
	assert.Len(t, h.extractor.targets, 1)
}

func TestProcessJob_ModeOverride(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, nil)

	require.NoError(t, h.orch.ProcessJob(context.Background(), &types.Job{ID: "1", Target: "https://example.com", Mode: types.ModeAttack}))
	assert.Equal(t, 1, h.attacks.calls)

	require.NoError(t, h.orch.ProcessJob(context.Background(), &types.Job{ID: "2", Target: "https://example.com"}))
	assert.Equal(t, 1, h.attacks.calls, "empty job mode keeps the configured recon mode")
}

func TestRun_OnTargetDone(t *testing.T) {
	h := newHarness(t, nil, types.ModeRecon, nil)
	var mu sync.Mutex
	var done []string
	opts := h.orch.opts
	opts.RunID = "fixed-run"
	opts.OnTargetDone = func(_ context.Context, rep TargetReport) {
		mu.Lock()
		defer mu.Unlock()
		done = append(done, rep.Target)
	}
	h.orch = New(h.orch.deps, opts)

	sum, err := h.orch.Run(context.Background(), []string{"https://example.com", "https://staging.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-run", sum.RunID)
	assert.ElementsMatch(t, []string{"https://example.com", "https://staging.example.com"}, done)
}
