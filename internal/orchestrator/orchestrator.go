// Package orchestrator runs the configured phases exactly once under the host
// lock, records every side effect in the ledger and unwinds the ledger when a
// phase fails or the run is interrupted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lyndonlyu/hostprov/internal/checkpoint"
	"github.com/lyndonlyu/hostprov/internal/config"
	"github.com/lyndonlyu/hostprov/internal/exitcode"
	"github.com/lyndonlyu/hostprov/internal/filelock"
	"github.com/lyndonlyu/hostprov/internal/ledger"
	"github.com/lyndonlyu/hostprov/internal/logging"
	"github.com/lyndonlyu/hostprov/internal/metrics"
	"github.com/lyndonlyu/hostprov/internal/phase"
	"github.com/lyndonlyu/hostprov/internal/pool"
	"github.com/lyndonlyu/hostprov/internal/retry"
	"github.com/lyndonlyu/hostprov/internal/rollback"
	"github.com/lyndonlyu/hostprov/internal/session"
	"github.com/rs/zerolog"
)

var (
	// ErrConflictingFilters is returned when both Skip and Only are set.
	ErrConflictingFilters = errors.New("orchestrator: skip and only filters are mutually exclusive")
	// ErrUnknownPhase names a phase with no configuration or handler.
	ErrUnknownPhase = errors.New("orchestrator: unknown phase")
	// ErrNothingSelected is returned when the filters leave no phase.
	ErrNothingSelected = errors.New("orchestrator: no phase selected")
)

// Options select what one run does.
type Options struct {
	// Phases overrides the configured phase order.
	Phases []string
	Skip   []string
	Only   []string
	// Force clears every checkpoint before running.
	Force bool
	// Resume continues the latest unfinished session.
	Resume bool
	// DryRun walks the phase decisions and previews handlers without
	// executing them or taking the lock.
	DryRun bool
}

// Deps are the collaborators of a run. Metrics may be nil.
type Deps struct {
	Config      *config.Config
	Registry    *phase.Registry
	Applier     rollback.Applier
	Lock        *filelock.Lock
	Checkpoints *checkpoint.Store
	Ledger      *ledger.Ledger
	Sessions    *session.Store
	Classifier  retry.Classifier
	Breaker     *retry.CircuitBreaker
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	// Sleep replaces the retry backoff timer. Used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	d Deps
}

// New returns an Orchestrator. A nil Breaker is built from the config.
func New(d Deps) *Orchestrator {
	if d.Breaker == nil {
		d.Breaker = retry.NewCircuitBreaker(d.Config.Breaker.Threshold, d.Config.Breaker.ResetAfter)
	}
	return &Orchestrator{d: d}
}

// RunContext is the mutable state of a single run. Phase workers share it,
// so outcomes and the first failure are guarded by mu.
type RunContext struct {
	SessionID string
	DryRun    bool
	Force     bool
	Policy    retry.Policy
	Logger    zerolog.Logger

	mu       sync.Mutex
	outcomes map[string]*PhaseOutcome
	order    []string
	failure  *Failure
}

func newRunContext(names []string, opts Options, logger zerolog.Logger) *RunContext {
	rc := &RunContext{
		DryRun:   opts.DryRun,
		Force:    opts.Force,
		Logger:   logger,
		outcomes: make(map[string]*PhaseOutcome, len(names)),
		order:    names,
	}
	for _, n := range names {
		rc.outcomes[n] = &PhaseOutcome{Name: n, Status: session.PhasePending}
	}
	return rc
}

func (rc *RunContext) update(name string, fn func(*PhaseOutcome)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	fn(rc.outcomes[name])
}

// fail records f unless an earlier failure was already recorded.
func (rc *RunContext) fail(f *Failure) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.failure == nil {
		rc.failure = f
	}
}

func (rc *RunContext) firstFailure() *Failure {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.failure
}

func (rc *RunContext) snapshot() []PhaseOutcome {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]PhaseOutcome, 0, len(rc.order))
	for _, n := range rc.order {
		out = append(out, *rc.outcomes[n])
	}
	return out
}

// SelectPhases applies the phase order and the skip/only filters.
func (o *Orchestrator) SelectPhases(opts Options) ([]string, error) {
	if len(opts.Skip) > 0 && len(opts.Only) > 0 {
		return nil, ErrConflictingFilters
	}
	order := opts.Phases
	if len(order) == 0 {
		order = o.d.Config.PhaseNames()
	}
	known := func(n string) error {
		if _, ok := o.d.Registry.Get(n); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPhase, n)
		}
		return nil
	}
	for _, list := range [][]string{order, opts.Skip, opts.Only} {
		for _, n := range list {
			if err := known(n); err != nil {
				return nil, err
			}
		}
	}

	var names []string
	for _, n := range order {
		switch {
		case slices.Contains(opts.Skip, n):
		case len(opts.Only) > 0 && !slices.Contains(opts.Only, n):
		default:
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, ErrNothingSelected
	}
	return names, nil
}

// Run executes one provisioning run and reports its outcome. It never
// panics on phase errors; every failure is reflected in the report's exit
// code.
func (o *Orchestrator) Run(ctx context.Context, opts Options) *Report {
	rep := &Report{DryRun: opts.DryRun}
	log := o.d.Logger

	names, err := o.SelectPhases(opts)
	if err != nil {
		return rep.abort(exitcode.ConfigError, err)
	}

	if !opts.DryRun {
		if err := o.d.Lock.Acquire(ctx, o.d.Config.Timeouts.LockWait); err != nil {
			code := exitcode.ProvisioningFailed
			if errors.Is(err, fs.ErrPermission) {
				code = exitcode.PermissionDenied
			}
			return rep.abort(code, fmt.Errorf("acquire lock: %w", err))
		}
		defer func() {
			if err := o.d.Lock.Release(); err != nil {
				log.Warn().Err(err).Msg("lock release failed")
			}
		}()

		if err := o.d.Ledger.Reload(); err != nil {
			return rep.abort(exitcode.ProvisioningFailed, fmt.Errorf("load ledger: %w", err))
		}

		if opts.Force {
			n, err := o.d.Checkpoints.ClearAll()
			if err != nil {
				return rep.abort(exitcode.ProvisioningFailed, fmt.Errorf("force: %w", err))
			}
			log.Info().Int("cleared", n).Msg("checkpoints cleared")
		}
	}

	id, err := o.openSession(opts)
	if err != nil {
		return rep.abort(exitcode.ProvisioningFailed, err)
	}
	rep.SessionID = id
	log = logging.WithSession(log, id)

	rc := newRunContext(names, opts, log)
	rc.SessionID = id
	rc.Policy = o.policy(log)

	if !opts.DryRun && !opts.Resume && o.d.Ledger.Count() > 0 {
		log.Warn().Int("entries", o.d.Ledger.Count()).Msg("ledger holds entries from an earlier run; they will be undone with this run on failure")
	}

	for _, st := range schedule(names, o.d.Config.ParallelGroup) {
		if ctx.Err() != nil || rc.firstFailure() != nil {
			break
		}
		if len(st) == 1 {
			o.runPhase(ctx, rc, st[0])
			continue
		}
		jobs := make([]pool.Job, len(st))
		for i, name := range st {
			jobs[i] = pool.Job{Name: name, Run: func(ctx context.Context) error {
				o.runPhase(ctx, rc, name)
				return nil
			}}
		}
		log.Info().Strs("phases", st).Int("workers", o.d.Config.MaxWorkers).Msg("running parallel group")
		pool.New(o.d.Config.MaxWorkers).Run(ctx, jobs)
	}

	o.finish(ctx, rc, rep)
	return rep
}

// schedule groups the selected phases into steps. Members of the parallel
// group run together at the position of the first selected member; every
// other phase is its own step.
func schedule(names, group []string) [][]string {
	var steps [][]string
	groupAt := -1
	for _, n := range names {
		if !slices.Contains(group, n) {
			steps = append(steps, []string{n})
			continue
		}
		if groupAt < 0 {
			groupAt = len(steps)
			steps = append(steps, nil)
		}
		steps[groupAt] = append(steps[groupAt], n)
	}
	return steps
}

func (o *Orchestrator) openSession(opts Options) (string, error) {
	s := o.d.Sessions
	var resumedFrom string
	if opts.Resume {
		err := s.LoadLatest()
		switch {
		case err == nil:
			cur, _ := s.Current()
			if !cur.Status.Terminal() {
				if err := s.Start(); err != nil {
					return "", err
				}
				o.d.Logger.Info().Str("session_id", cur.SessionID).Msg("resuming session")
				return cur.SessionID, s.SetMetadata("resumed", "true")
			}
			resumedFrom = cur.SessionID
		case errors.Is(err, session.ErrNotFound):
		default:
			return "", fmt.Errorf("resume: %w", err)
		}
	}

	id, err := s.InitSession()
	if err != nil {
		return "", err
	}
	if err := s.Start(); err != nil {
		return "", err
	}
	host, _ := os.Hostname()
	meta := map[string]string{"host": host}
	if resumedFrom != "" {
		meta["resumed_from"] = resumedFrom
	}
	if opts.DryRun {
		meta["dry_run"] = "true"
	}
	for k, v := range meta {
		if err := s.SetMetadata(k, v); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (o *Orchestrator) policy(log zerolog.Logger) retry.Policy {
	rc := o.d.Config.Retry
	p := retry.Policy{
		MaxRetries:   rc.MaxRetries,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Whitelist:    rc.Whitelist,
		Classifier:   o.d.Classifier,
		Breaker:      o.d.Breaker,
		Logger:       log,
		Sleep:        o.d.Sleep,
	}
	if m := o.d.Metrics; m != nil {
		p.OnRetry = func(_ int, kind retry.ErrorKind, _ time.Duration) {
			m.CommandRetries.WithLabelValues(kind.String()).Inc()
		}
	}
	return p
}

func (o *Orchestrator) checkpointed(rc *RunContext, name string, log zerolog.Logger) bool {
	if rc.Force && rc.DryRun {
		return false
	}
	if !o.d.Checkpoints.Exists(name) {
		return false
	}
	if err := o.d.Checkpoints.Validate(name); err != nil {
		log.Warn().Err(err).Msg("invalid checkpoint, phase will run again")
		if !rc.DryRun {
			if err := o.d.Checkpoints.Clear(name); err != nil {
				log.Warn().Err(err).Msg("clearing invalid checkpoint failed")
			}
		}
		return false
	}
	return true
}

func (o *Orchestrator) runPhase(ctx context.Context, rc *RunContext, name string) {
	log := logging.WithPhase(rc.Logger, name)
	h, _ := o.d.Registry.Get(name)
	sessions := o.d.Sessions

	cur, err := sessions.Current()
	if err != nil {
		o.fatal(rc, name, retry.Disk, exitcode.ProvisioningFailed, err, log)
		return
	}
	prev, seen := cur.Phase(name)

	if o.checkpointed(rc, name, log) {
		if !seen || prev.Status != session.PhaseCompleted {
			if seen && prev.Status.Terminal() {
				err = sessions.ResetPhase(name)
			}
			if err == nil {
				err = sessions.UpdatePhase(name, session.PhaseSkipped)
			}
			if err != nil {
				o.fatal(rc, name, retry.Disk, exitcode.ProvisioningFailed, err, log)
				return
			}
		}
		rc.update(name, func(p *PhaseOutcome) { p.Status = session.PhaseSkipped })
		o.observe(name, session.PhaseSkipped, 0)
		log.Info().Msg("checkpoint present, skipping")
		return
	}

	if seen && prev.Status.Terminal() {
		if err := sessions.ResetPhase(name); err != nil {
			o.fatal(rc, name, retry.Disk, exitcode.ProvisioningFailed, err, log)
			return
		}
	}

	if rc.DryRun {
		o.preview(ctx, rc, h, log)
		return
	}

	if err := sessions.UpdatePhase(name, session.PhaseRunning); err != nil {
		o.fatal(rc, name, retry.Disk, exitcode.ProvisioningFailed, err, log)
		return
	}
	rc.update(name, func(p *PhaseOutcome) { p.Status = session.PhaseRunning })
	timer := metrics.NewTimer()
	log.Info().Msg("phase started")

	rec := phase.RecorderFunc(func(_ context.Context, ra phase.RecordedAction) error {
		return o.record(rc, name, ra)
	})
	out, err := rc.Policy.ExecuteWithRetry(phase.WithRecorder(ctx, rec), func(ctx context.Context) error {
		actions, err := h.Execute(ctx)
		for _, ra := range actions {
			if rerr := o.record(rc, name, ra); rerr != nil {
				return rerr
			}
		}
		return err
	})
	rc.update(name, func(p *PhaseOutcome) { p.Attempts = out.Attempts })
	if serr := sessions.SetAttempts(name, out.Attempts); serr != nil {
		log.Warn().Err(serr).Msg("recording attempts failed")
	}

	switch {
	case ctx.Err() != nil:
		o.interrupted(rc, name, timer, context.Cause(ctx), log)
		return
	case err != nil:
		kind := out.Kind
		var re *retry.Error
		if errors.As(err, &re) {
			kind = re.Kind
		}
		code := exitcode.ProvisioningFailed
		if kind == retry.Permission {
			code = exitcode.PermissionDenied
		}
		o.failPhase(rc, name, timer, &Failure{Phase: name, Kind: kind, Severity: retry.Fatal, Err: err, code: code}, log)
		return
	}

	if err := h.Validate(ctx); err != nil {
		if ctx.Err() != nil {
			o.interrupted(rc, name, timer, context.Cause(ctx), log)
			return
		}
		kind := retry.ClassifyError(o.d.Classifier, err)
		o.failPhase(rc, name, timer, &Failure{
			Phase: name, Kind: kind, Severity: retry.Fatal,
			Err: fmt.Errorf("validation: %w", err), code: exitcode.ValidationFailed,
		}, log)
		return
	}

	if err := o.d.Checkpoints.Create(name); err != nil {
		o.failPhase(rc, name, timer, &Failure{Phase: name, Kind: retry.Disk, Severity: retry.Fatal, Err: err, code: exitcode.ProvisioningFailed}, log)
		return
	}
	if err := sessions.UpdatePhase(name, session.PhaseCompleted); err != nil {
		o.fatal(rc, name, retry.Disk, exitcode.ProvisioningFailed, err, log)
		return
	}
	d := timer.Duration()
	rc.update(name, func(p *PhaseOutcome) {
		p.Status = session.PhaseCompleted
		p.Duration = d
	})
	o.observe(name, session.PhaseCompleted, d)
	log.Info().Dur("duration", d).Int("attempts", out.Attempts).Msg("phase completed")
}

// record appends one side effect to the ledger and the session. Its failure
// is classified as a disk error so the retry policy never repeats the phase
// with an incomplete ledger.
func (o *Orchestrator) record(rc *RunContext, name string, ra phase.RecordedAction) error {
	tx, err := o.d.Ledger.RecordFor(name, ra.Description, ra.Rollback)
	if err != nil {
		return retry.WithKind(retry.Disk, err)
	}
	ref := session.ActionRef{TransactionID: tx.ID, Action: tx.Action, Rollback: tx.Rollback.String()}
	if err := o.d.Sessions.AddAction(name, ref); err != nil {
		return retry.WithKind(retry.Disk, err)
	}
	rc.update(name, func(p *PhaseOutcome) { p.Actions++ })
	return nil
}

func (o *Orchestrator) preview(ctx context.Context, rc *RunContext, h phase.Handler, log zerolog.Logger) {
	name := h.Name()
	lines := []string{"would run phase " + name}
	if pv, ok := h.(phase.Previewer); ok {
		l, err := pv.Preview(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("preview failed")
		} else {
			lines = l
		}
	}
	if err := o.d.Sessions.UpdatePhase(name, session.PhasePending); err != nil {
		log.Warn().Err(err).Msg("dry run session update failed")
	}
	rc.update(name, func(p *PhaseOutcome) { p.Preview = lines })
	log.Info().Int("steps", len(lines)).Msg("dry run: phase would run")
}

func (o *Orchestrator) failPhase(rc *RunContext, name string, timer *metrics.Timer, f *Failure, log zerolog.Logger) {
	rc.fail(f)
	sessions := o.d.Sessions
	if err := sessions.SetPhaseError(name, f.Err.Error()); err != nil {
		log.Warn().Err(err).Msg("recording phase error failed")
	}
	if err := sessions.UpdatePhase(name, session.PhaseFailed); err != nil {
		log.Warn().Err(err).Msg("marking phase failed failed")
	}
	d := timer.Duration()
	rc.update(name, func(p *PhaseOutcome) {
		p.Status = session.PhaseFailed
		p.Duration = d
		p.Error = f.Err.Error()
	})
	o.observe(name, session.PhaseFailed, d)
	log.Error().Err(f.Err).Str("kind", f.Kind.String()).Msg("phase failed")
}

// fatal fails a phase because hostprov's own state could not be written.
func (o *Orchestrator) fatal(rc *RunContext, name string, kind retry.ErrorKind, code exitcode.Code, err error, log zerolog.Logger) {
	o.failPhase(rc, name, metrics.NewTimer(), &Failure{Phase: name, Kind: kind, Severity: retry.Fatal, Err: err, code: code}, log)
}

func (o *Orchestrator) interrupted(rc *RunContext, name string, timer *metrics.Timer, cause error, log zerolog.Logger) {
	msg := "interrupted"
	if cause != nil {
		msg = "interrupted: " + cause.Error()
	}
	if err := o.d.Sessions.SetPhaseError(name, msg); err != nil {
		log.Warn().Err(err).Msg("recording phase error failed")
	}
	if err := o.d.Sessions.UpdatePhase(name, session.PhaseFailed); err != nil {
		log.Warn().Err(err).Msg("marking phase failed failed")
	}
	d := timer.Duration()
	rc.update(name, func(p *PhaseOutcome) {
		p.Status = session.PhaseFailed
		p.Duration = d
		p.Error = msg
	})
	o.observe(name, session.PhaseFailed, d)
	log.Warn().Msg("phase interrupted")
}

func (o *Orchestrator) observe(name string, status session.PhaseStatus, d time.Duration) {
	if o.d.Metrics != nil {
		o.d.Metrics.ObservePhase(name, string(status), d)
	}
}

// finish unwinds or commits the run, finalizes the session and fills rep.
func (o *Orchestrator) finish(ctx context.Context, rc *RunContext, rep *Report) {
	log := rc.Logger
	failure := rc.firstFailure()
	if ctx.Err() != nil {
		rep.Cancelled = context.Cause(ctx)
	}

	status := session.Completed
	details := ""
	switch {
	case failure != nil:
		status = session.Failed
		rep.Failure = failure
		rep.ExitCode = failure.code
		details = failure.Line()
	case rep.Cancelled != nil:
		status = session.RolledBack
		rep.ExitCode = exitcode.ProvisioningFailed
		details = "interrupted: " + rep.Cancelled.Error()
	}

	switch {
	case rc.DryRun:
	case status == session.Completed:
		path, err := o.d.Ledger.Archive(o.d.Config.ArchiveDir(), rc.SessionID)
		if err != nil {
			log.Warn().Err(err).Msg("ledger archive failed; entries stay in the live ledger")
		}
		rep.Archive = path
	default:
		o.unwind(ctx, rc, rep)
	}

	if err := o.d.Sessions.Finalize(status, details); err != nil {
		log.Warn().Err(err).Msg("finalizing session failed")
	}
	rep.Status = status
	rep.Phases = rc.snapshot()

	if o.d.Metrics != nil && !rc.DryRun {
		o.d.Metrics.BreakerTrips.Add(float64(o.d.Breaker.State().Trips))
		o.d.Metrics.Finish(int(rep.ExitCode), o.d.Ledger.Count(), time.Now())
		if err := o.d.Metrics.WriteTextfile(o.d.Config.Metrics.TextfileDir); err != nil {
			log.Warn().Err(err).Msg("metrics export failed")
		}
	}

	ev := log.Info()
	if !rep.Succeeded() {
		ev = log.Error()
	}
	ev.Str("status", string(status)).Int("exit_code", int(rep.ExitCode)).Msg("run finished")
}

// unwind rolls back the ledger and invalidates the checkpoints of every
// phase it touched.
func (o *Orchestrator) unwind(ctx context.Context, rc *RunContext, rep *Report) {
	log := rc.Logger
	engine := rollback.New(o.d.Ledger, o.d.Applier, log)
	failed, err := engine.Execute(ctx)
	res := engine.LastResult()
	rep.Rollback = &res
	if o.d.Metrics != nil {
		o.d.Metrics.ObserveRollback(res.Executed, res.Failed)
	}
	if err != nil {
		rep.ExitCode = exitcode.RollbackFailed
		rep.Err = err
		log.Error().Err(err).Msg("rollback could not run")
		return
	}
	if failed > 0 {
		log.Error().Int("failed", failed).Msg("rollback finished with failed steps; ledger kept for retry")
	}

	for _, p := range res.Phases {
		if err := o.d.Checkpoints.Clear(p); err != nil {
			log.Warn().Err(err).Str("phase", p).Msg("checkpoint invalidation failed")
		}
	}
	if len(res.Phases) > 0 {
		if err := o.d.Sessions.SetMetadata("rolled_back_phases", strings.Join(res.Phases, ",")); err != nil {
			log.Warn().Err(err).Msg("recording rolled back phases failed")
		}
	}
}
