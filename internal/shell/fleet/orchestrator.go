// Package fleet executes host plans across the inventory with bounded
// concurrency and records each run in the journal.
package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/plan"
	"github.com/fleetlab/komodoctl/internal/shell/agent"
	"github.com/fleetlab/komodoctl/internal/shell/sshexec"
	"github.com/fleetlab/komodoctl/internal/shell/store"
)

// =============================================================================
// Agent Manager Factory
// =============================================================================

// AgentManager is the per-host agent lifecycle the orchestrator drives.
// *agent.Manager satisfies it; tests substitute a fake.
type AgentManager interface {
	Probe(ctx context.Context) plan.Observation
	Install(ctx context.Context, version, passkey, coreAddr string) error
	Update(ctx context.Context, version string) error
	Uninstall(ctx context.Context) error
}

// ManagerFactory builds an AgentManager for one host.
type ManagerFactory func(host *inventory.Host) AgentManager

// SSHManagerFactory wires agent managers over pooled SSH clients.
func SSHManagerFactory(dialer *sshexec.Dialer, logger *slog.Logger) ManagerFactory {
	return func(h *inventory.Host) AgentManager {
		return agent.NewManager(h, dialer.Client(h), logger)
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Config tunes fleet execution.
type Config struct {
	// MaxConcurrent is the number of hosts worked on in parallel.
	// Default: 5.
	MaxConcurrent int

	// HostTimeout bounds the work on a single host.
	// Default: 5 minutes.
	HostTimeout time.Duration
}

// DefaultConfig returns the default fleet configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		HostTimeout:   5 * time.Minute,
	}
}

// Credentials carries the secrets an agent install needs.
type Credentials struct {
	PeripheryPasskey string
	CoreAddr         string
}

// Orchestrator fans host plans out over the fleet.
type Orchestrator struct {
	factory ManagerFactory
	journal store.Store // nil disables journaling
	config  Config
	logger  *slog.Logger
}

// New creates an Orchestrator. journal may be nil; journaling is advisory
// and never fails a run.
func New(factory ManagerFactory, journal store.Store, config Config, logger *slog.Logger) *Orchestrator {
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}
	if config.HostTimeout == 0 {
		config.HostTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		factory: factory,
		journal: journal,
		config:  config,
		logger:  logger.With("component", "fleet"),
	}
}

// =============================================================================
// Probing
// =============================================================================

// Probe observes every host concurrently. The returned map always has an
// entry per host; probe failures surface as unreachable observations.
func (o *Orchestrator) Probe(ctx context.Context, hosts []*inventory.Host) map[string]plan.Observation {
	observed := make(map[string]plan.Observation, len(hosts))
	var mu sync.Mutex

	sem := make(chan struct{}, o.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, h := range hosts {
		wg.Add(1)
		go func(h *inventory.Host) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			hostCtx, cancel := context.WithTimeout(ctx, o.config.HostTimeout)
			defer cancel()

			obs := o.factory(h).Probe(hostCtx)

			mu.Lock()
			observed[h.Name] = obs
			mu.Unlock()
		}(h)
	}
	wg.Wait()

	return observed
}

// =============================================================================
// Execution
// =============================================================================

// HostOutcome is the result of executing one host plan.
type HostOutcome struct {
	Host        string
	Action      plan.Action
	FromVersion string
	ToVersion   string
	Reason      string
	Duration    time.Duration
	Err         error
}

// RunReport aggregates one fleet run.
type RunReport struct {
	RunID    string
	Command  string
	Outcomes []HostOutcome
	Outcome  store.RunOutcome
}

// Failed returns the outcomes that ended in an error.
func (r *RunReport) Failed() []HostOutcome {
	var failed []HostOutcome
	for _, out := range r.Outcomes {
		if out.Err != nil || out.Action == plan.ActionUnreachable {
			failed = append(failed, out)
		}
	}
	return failed
}

// Execute runs every host plan with bounded concurrency and journals the
// run. Skip and unreachable plans are recorded without touching the host.
func (o *Orchestrator) Execute(ctx context.Context, command string, hostLimit string, plans []plan.HostPlan, creds Credentials) *RunReport {
	report := &RunReport{
		RunID:   uuid.NewString(),
		Command: command,
	}

	o.journalRunStart(ctx, report.RunID, command, hostLimit)

	outcomes := make([]HostOutcome, len(plans))
	sem := make(chan struct{}, o.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range plans {
		wg.Add(1)
		go func(i int, p plan.HostPlan) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				outcomes[i] = HostOutcome{
					Host: p.Host.Name, Action: p.Action,
					FromVersion: p.FromVersion, ToVersion: p.ToVersion,
					Reason: p.Reason, Err: ctx.Err(),
				}
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			outcomes[i] = o.executeHost(ctx, p, creds)
		}(i, plans[i])
	}
	wg.Wait()

	report.Outcomes = outcomes
	report.Outcome = overallOutcome(outcomes)

	o.journalRunFinish(ctx, report)
	return report
}

func (o *Orchestrator) executeHost(ctx context.Context, p plan.HostPlan, creds Credentials) HostOutcome {
	out := HostOutcome{
		Host:        p.Host.Name,
		Action:      p.Action,
		FromVersion: p.FromVersion,
		ToVersion:   p.ToVersion,
		Reason:      p.Reason,
	}

	if p.Action == plan.ActionSkip || p.Action == plan.ActionUnreachable {
		return out
	}

	hostCtx, cancel := context.WithTimeout(ctx, o.config.HostTimeout)
	defer cancel()

	logger := o.logger.With("host", p.Host.Name, "action", string(p.Action))
	started := time.Now()

	mgr := o.factory(p.Host)
	var err error
	switch p.Action {
	case plan.ActionInstall:
		err = mgr.Install(hostCtx, p.ToVersion, creds.PeripheryPasskey, creds.CoreAddr)
	case plan.ActionUpdate:
		err = mgr.Update(hostCtx, p.ToVersion)
	case plan.ActionUninstall:
		err = mgr.Uninstall(hostCtx)
	default:
		err = fmt.Errorf("unknown action %q", p.Action)
	}

	out.Duration = time.Since(started)
	out.Err = err

	if err != nil {
		logger.Error("host action failed", "duration", out.Duration, "error", err)
	} else {
		logger.Info("host action completed", "duration", out.Duration)
	}
	return out
}

func overallOutcome(outcomes []HostOutcome) store.RunOutcome {
	failed := 0
	for _, out := range outcomes {
		if out.Err != nil || out.Action == plan.ActionUnreachable {
			failed++
		}
	}
	switch {
	case failed == 0:
		return store.OutcomeSucceeded
	case failed == len(outcomes):
		return store.OutcomeFailed
	default:
		return store.OutcomePartial
	}
}

// =============================================================================
// Journaling
// =============================================================================

// Journal writes are advisory. A broken journal must never fail a deploy.

func (o *Orchestrator) journalRunStart(ctx context.Context, runID, command, hostLimit string) {
	if o.journal == nil {
		return
	}
	err := o.journal.CreateRun(ctx, &store.Run{
		ID:        runID,
		Command:   command,
		HostLimit: hostLimit,
	})
	if err != nil {
		o.logger.Warn("journal write failed", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) journalRunFinish(ctx context.Context, report *RunReport) {
	if o.journal == nil {
		return
	}

	for _, out := range report.Outcomes {
		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
		} else if out.Action == plan.ActionUnreachable {
			errMsg = out.Reason
		}
		err := o.journal.CreateHostResult(ctx, &store.HostResult{
			RunID:       report.RunID,
			Host:        out.Host,
			Action:      string(out.Action),
			FromVersion: out.FromVersion,
			ToVersion:   out.ToVersion,
			Duration:    out.Duration,
			Error:       errMsg,
		})
		if err != nil {
			o.logger.Warn("journal write failed", "run_id", report.RunID, "host", out.Host, "error", err)
		}
	}

	var runErr string
	if failed := report.Failed(); len(failed) > 0 {
		hosts := make([]string, 0, len(failed))
		for _, f := range failed {
			hosts = append(hosts, f.Host)
		}
		runErr = fmt.Sprintf("failed hosts: %s", strings.Join(hosts, ", "))
	}
	if err := o.journal.FinishRun(ctx, report.RunID, report.Outcome, runErr); err != nil {
		o.logger.Warn("journal write failed", "run_id", report.RunID, "error", err)
	}
}

// =============================================================================
// Rendering
// =============================================================================

// WriteSummary renders the run as an aligned table.
func (r *RunReport) WriteSummary(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tACTION\tFROM\tTO\tDURATION\tRESULT")

	sorted := append([]HostOutcome(nil), r.Outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Host < sorted[j].Host })

	for _, out := range sorted {
		result := "ok"
		switch {
		case out.Err != nil:
			result = "error: " + out.Err.Error()
		case out.Action == plan.ActionUnreachable:
			result = "unreachable: " + out.Reason
		case out.Action == plan.ActionSkip:
			result = out.Reason
		}

		duration := ""
		if out.Duration > 0 {
			duration = out.Duration.Round(time.Millisecond).String()
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			out.Host, out.Action, dash(out.FromVersion), dash(out.ToVersion), dash(duration), result)
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
