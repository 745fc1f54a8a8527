package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/plan"
	"github.com/fleetlab/komodoctl/internal/shell/store"
)

// =============================================================================
// Fake Agent Manager
// =============================================================================

type fakeManager struct {
	host       string
	obs        plan.Observation
	installErr error
	updateErr  error
	calls      *callLog
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) sorted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]string(nil), l.calls...)
	return out
}

func (f *fakeManager) Probe(_ context.Context) plan.Observation {
	f.calls.record(f.host + ":probe")
	return f.obs
}

func (f *fakeManager) Install(_ context.Context, version, passkey, coreAddr string) error {
	f.calls.record(f.host + ":install:" + version + ":" + passkey + ":" + coreAddr)
	return f.installErr
}

func (f *fakeManager) Update(_ context.Context, version string) error {
	f.calls.record(f.host + ":update:" + version)
	return f.updateErr
}

func (f *fakeManager) Uninstall(_ context.Context) error {
	f.calls.record(f.host + ":uninstall")
	return nil
}

type fakeFleet struct {
	managers map[string]*fakeManager
	calls    *callLog
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{managers: map[string]*fakeManager{}, calls: &callLog{}}
}

func (f *fakeFleet) manager(host string) *fakeManager {
	if m, ok := f.managers[host]; ok {
		return m
	}
	m := &fakeManager{host: host, calls: f.calls}
	f.managers[host] = m
	return m
}

func (f *fakeFleet) factory() ManagerFactory {
	return func(h *inventory.Host) AgentManager {
		return f.manager(h.Name)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func host(name string) *inventory.Host {
	return &inventory.Host{Name: name, Addr: name + ".lan", SSHPort: 22}
}

// =============================================================================
// Probe Tests
// =============================================================================

func TestProbeObservesEveryHost(t *testing.T) {
	fakes := newFakeFleet()
	fakes.manager("nas").obs = plan.Observation{Reachable: true, AgentPresent: true, AgentActive: true, AgentVersion: "v1.18.0", DockerPresent: true}
	fakes.manager("media").obs = plan.Observation{ProbeError: "dial tcp: i/o timeout"}

	o := New(fakes.factory(), nil, Config{MaxConcurrent: 2}, testLogger())
	observed := o.Probe(context.Background(), []*inventory.Host{host("nas"), host("media")})

	require.Len(t, observed, 2)
	assert.True(t, observed["nas"].Reachable)
	assert.Equal(t, "v1.18.0", observed["nas"].AgentVersion)
	assert.False(t, observed["media"].Reachable)
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecuteRunsPlannedActions(t *testing.T) {
	fakes := newFakeFleet()
	o := New(fakes.factory(), nil, DefaultConfig(), testLogger())

	plans := []plan.HostPlan{
		{Host: host("nas"), Action: plan.ActionInstall, ToVersion: "v1.18.0"},
		{Host: host("media"), Action: plan.ActionUpdate, FromVersion: "v1.17.0", ToVersion: "v1.18.0"},
		{Host: host("backup"), Action: plan.ActionSkip, Reason: "already at v1.18.0"},
		{Host: host("lost"), Action: plan.ActionUnreachable, Reason: "dial tcp: i/o timeout"},
	}
	creds := Credentials{PeripheryPasskey: "pk", CoreAddr: "https://core.lan:9120"}

	report := o.Execute(context.Background(), "periphery deploy", "", plans, creds)

	require.Len(t, report.Outcomes, 4)
	assert.Equal(t, store.OutcomePartial, report.Outcome) // unreachable host counts as failed

	calls := fakes.calls.sorted()
	assert.Contains(t, calls, "nas:install:v1.18.0:pk:https://core.lan:9120")
	assert.Contains(t, calls, "media:update:v1.18.0")
	// Skip and unreachable plans never touch the host.
	assert.Len(t, calls, 2)
}

func TestExecuteAllOKIsSucceeded(t *testing.T) {
	fakes := newFakeFleet()
	o := New(fakes.factory(), nil, DefaultConfig(), testLogger())

	plans := []plan.HostPlan{
		{Host: host("nas"), Action: plan.ActionUpdate, ToVersion: "v1.18.0"},
		{Host: host("media"), Action: plan.ActionSkip, Reason: "up to date"},
	}
	report := o.Execute(context.Background(), "periphery update", "", plans, Credentials{})

	assert.Equal(t, store.OutcomeSucceeded, report.Outcome)
	assert.Empty(t, report.Failed())
}

func TestExecuteAllFailedIsFailed(t *testing.T) {
	fakes := newFakeFleet()
	fakes.manager("nas").updateErr = errors.New("download failed")
	o := New(fakes.factory(), nil, DefaultConfig(), testLogger())

	plans := []plan.HostPlan{
		{Host: host("nas"), Action: plan.ActionUpdate, ToVersion: "v1.18.0"},
	}
	report := o.Execute(context.Background(), "periphery update", "", plans, Credentials{})

	assert.Equal(t, store.OutcomeFailed, report.Outcome)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "nas", report.Failed()[0].Host)
}

func TestExecuteJournalsRunAndHostResults(t *testing.T) {
	journal, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer journal.Close()

	fakes := newFakeFleet()
	fakes.manager("media").installErr = errors.New("unit failed to start")
	o := New(fakes.factory(), journal, DefaultConfig(), testLogger())

	plans := []plan.HostPlan{
		{Host: host("nas"), Action: plan.ActionInstall, ToVersion: "v1.18.0"},
		{Host: host("media"), Action: plan.ActionInstall, ToVersion: "v1.18.0"},
	}
	report := o.Execute(context.Background(), "periphery deploy", "group:media", plans, Credentials{})

	ctx := context.Background()
	run, err := journal.GetRun(ctx, report.RunID)
	require.NoError(t, err)

	assert.Equal(t, "periphery deploy", run.Command)
	assert.Equal(t, "group:media", run.HostLimit)
	assert.Equal(t, store.OutcomePartial, run.Outcome)
	assert.Contains(t, run.Error, "media")
	require.NotNil(t, run.FinishedAt)

	results, err := journal.ListHostResults(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "media", results[0].Host)
	assert.Equal(t, "unit failed to start", results[0].Error)
	assert.Equal(t, "nas", results[1].Host)
	assert.Empty(t, results[1].Error)
}

func TestExecuteWithoutJournal(t *testing.T) {
	fakes := newFakeFleet()
	o := New(fakes.factory(), nil, DefaultConfig(), testLogger())

	report := o.Execute(context.Background(), "check", "", nil, Credentials{})
	assert.Equal(t, store.OutcomeSucceeded, report.Outcome)
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	factory := func(h *inventory.Host) AgentManager {
		return &trackingManager{onUpdate: func() {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
		}}
	}

	o := New(factory, nil, Config{MaxConcurrent: 2, HostTimeout: time.Second}, testLogger())

	var plans []plan.HostPlan
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		plans = append(plans, plan.HostPlan{Host: host(name), Action: plan.ActionUpdate, ToVersion: "v1"})
	}

	report := o.Execute(context.Background(), "periphery update", "", plans, Credentials{})
	require.Len(t, report.Outcomes, 6)
	assert.LessOrEqual(t, maxInFlight, 2)
	assert.Greater(t, maxInFlight, 0)
}

type trackingManager struct {
	onUpdate func()
}

func (m *trackingManager) Probe(context.Context) plan.Observation { return plan.Observation{} }
func (m *trackingManager) Install(context.Context, string, string, string) error {
	return nil
}
func (m *trackingManager) Update(context.Context, string) error {
	m.onUpdate()
	return nil
}
func (m *trackingManager) Uninstall(context.Context) error { return nil }

// =============================================================================
// Summary Rendering
// =============================================================================

func TestWriteSummary(t *testing.T) {
	report := &RunReport{
		Outcomes: []HostOutcome{
			{Host: "nas", Action: plan.ActionUpdate, FromVersion: "v1.17.0", ToVersion: "v1.18.0", Duration: 4200 * time.Millisecond},
			{Host: "media", Action: plan.ActionSkip, Reason: "already at v1.18.0"},
			{Host: "lost", Action: plan.ActionUnreachable, Reason: "dial tcp: i/o timeout"},
		},
	}

	var sb strings.Builder
	report.WriteSummary(&sb)
	out := sb.String()

	assert.Contains(t, out, "HOST")
	assert.Contains(t, out, "nas")
	assert.Contains(t, out, "v1.18.0")
	assert.Contains(t, out, "4.2s")
	assert.Contains(t, out, "unreachable: dial tcp: i/o timeout")

	// Rows are sorted by host name.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "lost"))
	assert.True(t, strings.HasPrefix(lines[2], "media"))
	assert.True(t, strings.HasPrefix(lines[3], "nas"))
}
