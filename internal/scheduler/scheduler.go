package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/speckitty/speckitty/internal/agent"
	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
	"github.com/speckitty/speckitty/internal/log"
	"github.com/speckitty/speckitty/internal/telemetry"
	"github.com/speckitty/speckitty/internal/vcs"
)

// Options configures one scheduler run.
type Options struct {
	// MaxRetries is the per-phase retry budget before trying a fallback
	// agent.
	MaxRetries int
	// FallbackAgents are tried in order once the primary agent exhausts
	// its retry budget.
	FallbackAgents []string
	// StaleThreshold flags an in-progress WP whose workspace has no
	// commit newer than this.
	StaleThreshold time.Duration
	// GlobalMaxConcurrent caps in-flight tasks across all agents.
	// Zero means unlimited.
	GlobalMaxConcurrent int
	// Tick is the periodic wakeup interval of the dispatch loop.
	Tick time.Duration
	// TargetBranch is the base for WP workspace branches.
	TargetBranch string
	// ExecutionMode is stamped on every status event.
	ExecutionMode string
	// ReviewerAgent names the agent used for review invocations; empty
	// means the implementing agent reviews.
	ReviewerAgent string
}

func (o *Options) withDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 10 * time.Minute
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.ExecutionMode == "" {
		o.ExecutionMode = "single-ai"
	}
}

// phaseOutcome is what a finished task reports back to the loop.
type phaseOutcome int

const (
	outcomeImplemented phaseOutcome = iota
	outcomeApproved
	outcomeChangesRequested
	outcomeError
)

type completion struct {
	wpID    string
	phase   Phase
	outcome phaseOutcome
	err     error
}

// Scheduler runs one feature's WPs to terminal scheduler states.
type Scheduler struct {
	feat     *feature.Feature
	store    *eventstore.Store
	backend  vcs.Backend
	agents   map[string]agent.Invoker
	primary  string
	recorder *telemetry.Recorder
	opts     Options

	run         *OrchestrationRun
	completions chan completion
	wsUpdates   chan wsUpdate
	slots       *slotManager
	inFlight    map[string]bool
	staleChecks *cache.Cache
}

// wsUpdate reports a created workspace back to the loop, which owns all
// WPExecution mutations.
type wsUpdate struct {
	wpID string
	path string
}

// noteWorkspace is called from task goroutines; the buffered channel keeps
// tasks from blocking on the loop.
func (s *Scheduler) noteWorkspace(wpID, path string) {
	select {
	case s.wsUpdates <- wsUpdate{wpID: wpID, path: path}:
	default:
	}
}

// New builds a scheduler. agents must contain the primary agent and every
// configured fallback and reviewer.
func New(f *feature.Feature, store *eventstore.Store, backend vcs.Backend,
	agents map[string]agent.Invoker, primary string, agentCaps map[string]int, opts Options) *Scheduler {
	opts.withDefaults()
	if backend != nil && !backend.Capabilities().Worktrees {
		// A shared checkout cannot host parallel WPs.
		opts.GlobalMaxConcurrent = 1
	}
	return &Scheduler{
		feat:        f,
		store:       store,
		backend:     backend,
		agents:      agents,
		primary:     primary,
		recorder:    telemetry.NewRecorder(f),
		opts:        opts,
		completions: make(chan completion),
		wsUpdates:   make(chan wsUpdate, 64),
		slots:       newSlotManager(opts.GlobalMaxConcurrent, agentCaps),
		inFlight:    make(map[string]bool),
		staleChecks: cache.New(opts.Tick, 2*opts.Tick),
	}
}

// Run executes the dispatch loop until every WP is terminal or shutdown
// completes. In-flight tasks always run to completion; cancellation only
// stops new dispatches.
func (s *Scheduler) Run(ctx context.Context) (*OrchestrationRun, error) {
	if err := s.buildRun(); err != nil {
		return nil, err
	}
	log.Info(log.CatSched, "Orchestration started",
		"feature", s.feat.Slug, "wps", len(s.run.WPs), "agent", s.primary)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	shuttingDown := false
	for {
		s.cascadeFailures()
		if !shuttingDown {
			s.dispatchReady(ctx)
		}
		s.detectNoProgress(shuttingDown)

		if s.run.Done() || (shuttingDown && len(s.inFlight) == 0) {
			break
		}

		select {
		case c := <-s.completions:
			s.handleCompletion(c)
		case u := <-s.wsUpdates:
			if wp, ok := s.run.WPs[u.wpID]; ok {
				wp.WorkspacePath = u.path
			}
		case <-ticker.C:
			s.observeStaleness(ctx)
		case <-ctx.Done():
			if !shuttingDown {
				shuttingDown = true
				log.Info(log.CatSched, "Shutdown requested; letting in-flight tasks finish",
					"feature", s.feat.Slug, "inFlight", len(s.inFlight))
			}
			if len(s.inFlight) > 0 {
				c := <-s.completions
				s.handleCompletion(c)
			}
		}
	}

	s.run.FinishedAt = time.Now().UTC()
	counts := s.run.Counts()
	log.Info(log.CatSched, "Orchestration finished", "feature", s.feat.Slug,
		"completed", counts[PhaseCompleted], "failed", counts[PhaseFailed])
	return s.run, nil
}

// buildRun reads the WP files, validates the dependency graph, and seeds
// executions from the current snapshot so interrupted runs resume mid-phase.
func (s *Scheduler) buildRun() error {
	files, err := s.feat.ListWPFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("feature %s has no work packages", s.feat.Slug)
	}
	if err := feature.ValidateDependencies(files); err != nil {
		return err
	}
	snap, err := s.store.LoadSnapshot()
	if err != nil {
		return err
	}

	s.run = &OrchestrationRun{
		RunID:       uuid.NewString(),
		FeatureSlug: s.feat.Slug,
		Order:       feature.TopoOrder(files),
		WPs:         make(map[string]*WPExecution, len(files)),
		StartedAt:   time.Now().UTC(),
	}
	for _, f := range files {
		wp := &WPExecution{
			WPID:         f.Front.WPID,
			Title:        f.Front.Title,
			Phase:        PhasePending,
			Dependencies: f.Front.Dependencies,
			Agent:        s.primary,
			Branch:       s.feat.BranchFor(f.Front.WPID),
			UpdatedAt:    time.Now().UTC(),
		}
		// Resume: map an existing lane back onto a scheduler phase.
		switch snap.Lane(f.Front.WPID) {
		case lane.Done:
			wp.Phase = PhaseCompleted
		case lane.Canceled, lane.Blocked:
			wp.Phase = PhaseFailed
			wp.LastError = "lane is " + string(snap.Lane(f.Front.WPID))
		case lane.ForReview:
			wp.Phase = PhaseReview
		case lane.InProgress, lane.Claimed:
			wp.Phase = PhaseImplementation
		}
		s.run.WPs[wp.WPID] = wp
	}
	return nil
}

// dispatchReady promotes PENDING WPs whose dependencies completed and spawns
// tasks for every dispatchable WP, subject to concurrency slots. WPs resumed
// mid-phase (IMPLEMENTATION/REVIEW without an in-flight task) are respawned.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	for _, id := range s.run.Order {
		wp := s.run.WPs[id]
		if wp.Phase == PhasePending && s.run.depsCompleted(wp) {
			s.setPhase(wp, PhaseReady)
		}
	}
	for _, id := range s.run.Order {
		wp := s.run.WPs[id]
		if s.inFlight[id] {
			continue
		}
		var task func(context.Context, *WPExecution) completion
		switch wp.Phase {
		case PhaseReady, PhaseImplementation:
			task = s.implement
		case PhaseReview:
			task = s.review
		default:
			continue
		}
		if !s.slots.TryAcquire(wp.Agent) {
			continue
		}
		if wp.Phase == PhaseReady {
			s.setPhase(wp, PhaseImplementation)
		}
		s.inFlight[id] = true
		go s.spawn(ctx, wp, task)
	}
}

// spawn runs one phase task with panic recovery: a dead task must surface as
// a FAILED WP, never as a stuck one. The task gets a context severed from
// the run context so that shutdown lets dispatched work finish instead of
// killing the agent mid-invocation.
func (s *Scheduler) spawn(ctx context.Context, wp *WPExecution, task func(context.Context, *WPExecution) completion) {
	defer s.slots.Release(wp.Agent)
	defer func() {
		if r := recover(); r != nil {
			s.completions <- completion{
				wpID:    wp.WPID,
				phase:   wp.Phase,
				outcome: outcomeError,
				err:     fmt.Errorf("task panicked: %v", r),
			}
		}
	}()
	s.completions <- task(context.WithoutCancel(ctx), wp)
}

func (s *Scheduler) handleCompletion(c completion) {
	delete(s.inFlight, c.wpID)
	wp := s.run.WPs[c.wpID]

	switch c.outcome {
	case outcomeImplemented:
		s.setPhase(wp, PhaseReview)
	case outcomeApproved:
		wp.LastError = ""
		s.setPhase(wp, PhaseCompleted)
	case outcomeChangesRequested:
		// Another implementation round; review retries bound the loop.
		wp.ReviewRetries++
		if wp.ReviewRetries > s.opts.MaxRetries {
			s.fail(wp, fmt.Sprintf("review requested changes %d times", wp.ReviewRetries))
			return
		}
		s.setPhase(wp, PhaseImplementation)
	case outcomeError:
		s.handleFailure(wp, c)
	}
}

// handleFailure applies the retry-then-fallback policy.
func (s *Scheduler) handleFailure(wp *WPExecution, c completion) {
	wp.LastError = c.err.Error()
	if c.phase == PhaseReview {
		wp.ReviewRetries++
		if wp.ReviewRetries <= s.opts.MaxRetries {
			log.Warn(log.CatSched, "Review failed; retrying",
				"wp", wp.WPID, "retries", wp.ReviewRetries, "error", c.err)
			return
		}
		s.fail(wp, wp.LastError)
		return
	}

	wp.ImplementationRetries++
	if wp.ImplementationRetries <= s.opts.MaxRetries {
		log.Warn(log.CatSched, "Implementation failed; retrying",
			"wp", wp.WPID, "agent", wp.Agent, "retries", wp.ImplementationRetries, "error", c.err)
		return
	}
	if next := s.nextFallback(wp); next != "" {
		wp.FallbackAgentsTried = append(wp.FallbackAgentsTried, next)
		wp.Agent = next
		wp.ImplementationRetries = 0
		log.Warn(log.CatSched, "Retry budget exhausted; trying fallback agent",
			"wp", wp.WPID, "agent", next)
		return
	}
	s.fail(wp, wp.LastError)
}

// nextFallback returns the first configured fallback agent not yet tried.
func (s *Scheduler) nextFallback(wp *WPExecution) string {
	tried := make(map[string]bool, len(wp.FallbackAgentsTried)+1)
	tried[s.primary] = true
	for _, a := range wp.FallbackAgentsTried {
		tried[a] = true
	}
	for _, a := range s.opts.FallbackAgents {
		if !tried[a] {
			if _, ok := s.agents[a]; ok {
				return a
			}
			log.Warn(log.CatSched, "Configured fallback agent is not available", "agent", a)
		}
	}
	return ""
}

func (s *Scheduler) fail(wp *WPExecution, msg string) {
	wp.LastError = msg
	s.setPhase(wp, PhaseFailed)
	log.Error(log.CatSched, "Work package failed", "wp", wp.WPID, "error", msg)
}

// cascadeFailures marks every WP with a FAILED dependency as FAILED itself.
func (s *Scheduler) cascadeFailures() {
	for {
		changed := false
		for _, id := range s.run.Order {
			wp := s.run.WPs[id]
			if wp.Phase.IsTerminal() || s.inFlight[id] {
				continue
			}
			if s.run.depFailed(wp) {
				wp.LastError = ErrBlockedByDeps
				s.setPhase(wp, PhaseFailed)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// detectNoProgress fails WPs that can never become ready: nothing in flight,
// nothing ready, but a PENDING WP still waits on an incomplete dependency.
func (s *Scheduler) detectNoProgress(shuttingDown bool) {
	if shuttingDown || len(s.inFlight) > 0 {
		return
	}
	for _, wp := range s.run.WPs {
		if !wp.Phase.IsTerminal() && wp.Phase != PhasePending {
			return
		}
	}
	for _, id := range s.run.Order {
		wp := s.run.WPs[id]
		if wp.Phase == PhasePending && !s.run.depsCompleted(wp) && !s.run.depFailed(wp) {
			s.fail(wp, "no progress possible: dependencies cannot complete")
		}
	}
}

func (s *Scheduler) setPhase(wp *WPExecution, phase Phase) {
	wp.Phase = phase
	wp.UpdatedAt = time.Now().UTC()
	log.Debug(log.CatSched, "Phase change", "wp", wp.WPID, "phase", phase)
}

// observeStaleness flags in-flight implementation WPs whose workspace branch
// has not seen a commit within the threshold. Observation only; the lane
// never moves. Checks are throttled through the cache.
func (s *Scheduler) observeStaleness(ctx context.Context) {
	if s.backend == nil {
		return
	}
	for _, wp := range s.run.WPs {
		if wp.Phase != PhaseImplementation || wp.WorkspacePath == "" {
			continue
		}
		if _, checked := s.staleChecks.Get(wp.WPID); checked {
			continue
		}
		s.staleChecks.SetDefault(wp.WPID, time.Now())

		at, err := s.backend.LastCommitTime(ctx, wp.WorkspacePath)
		if err != nil {
			log.Debug(log.CatSched, "Staleness check failed", "wp", wp.WPID, "error", err)
			continue
		}
		stale := time.Since(at) > s.opts.StaleThreshold
		if stale != wp.Stale {
			wp.Stale = stale
			if stale {
				log.Warn(log.CatSched, "Work package looks stale",
					"wp", wp.WPID, "lastCommit", at.Format(time.RFC3339))
			}
		}
	}
}
