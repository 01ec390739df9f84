package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/models"
	"sitesmith/internal/paths"
	"sitesmith/internal/sitelock"
)

// Pipeline checkpoints. Each stage advances the task to its checkpoint
// before it starts.
const (
	ProgressConfig   = 10
	ProgressTemplate = 20
	ProgressBuild    = 60
	ProgressDeploy   = 85
	ProgressDomain   = 100
)

const (
	StepConfig   = "Loading configuration"
	StepTemplate = "Preparing template"
	StepBuild    = "Building site"
	StepDeploy   = "Deploying site"
	StepDomain   = "Binding domain"

	interruptedMessage = "interrupted by service restart"
	cleanupTimeout     = 2 * time.Minute
)

// SubmitRequest asks for one generation of a site. Config is optional: when
// nil the stored snapshot of the site is reused.
type SubmitRequest struct {
	CustomerID      string          `json:"customerId"`
	WizardSessionID string          `json:"wizardSessionId"`
	SiteID          string          `json:"siteId,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	AssetURLs       []string        `json:"assets,omitempty"`
}

// OrchestratorDeps are the collaborators of the pipeline.
type OrchestratorDeps struct {
	Tracker   *Tracker
	Store     *ConfigStore
	Templates *TemplateEngine
	Builder   *BuildRunner
	Deployer  *Deployer
	Domains   *DomainManager
	Locker    sitelock.Locker
	Metrics   *Metrics
}

type OrchestratorOptions struct {
	Workers   int
	QueueSize int
}

// Orchestrator runs generation tasks: config, template, build, deploy and
// domain bind, strictly in that order. Tasks of one site are serialized by
// the site lock; tasks of different sites run in parallel up to Workers.
type Orchestrator struct {
	OrchestratorDeps
	workers int
	queue   chan string
	log     zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewOrchestrator(deps OrchestratorDeps, opts OrchestratorOptions, log zerolog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Orchestrator{
		OrchestratorDeps: deps,
		workers:          opts.Workers,
		queue:            make(chan string, opts.QueueSize),
		log:              log.With().Str("component", "orchestrator").Logger(),
		running:          make(map[string]context.CancelFunc),
	}
}

// Submit records a pending task for the site and queues it for the worker
// pool. A site with an active task is rejected with ErrSiteBusy.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*models.GenerationTask, error) {
	task, err := o.createTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, task.ID); err != nil {
		return task, err
	}
	return task, nil
}

// Generate records a task and runs its pipeline on the calling goroutine.
func (o *Orchestrator) Generate(ctx context.Context, req SubmitRequest) (*models.GenerationTask, error) {
	task, err := o.createTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.Execute(ctx, task.ID); err != nil {
		return nil, err
	}
	return o.Tracker.Get(context.WithoutCancel(ctx), task.ID)
}

// createTask saves the snapshot, when one is supplied, and creates the task
// while holding the site lock.
func (o *Orchestrator) createTask(ctx context.Context, req SubmitRequest) (*models.GenerationTask, error) {
	if req.CustomerID == "" || req.WizardSessionID == "" {
		return nil, fmt.Errorf("%w: customerId and wizardSessionId are required", smerrors.ErrEmptyValue)
	}
	siteID := req.SiteID
	if siteID == "" {
		siteID = paths.DefaultSiteID(req.WizardSessionID)
	}
	if err := paths.ValidateSiteID(siteID); err != nil {
		return nil, err
	}
	log := o.log.With().Str("site_id", siteID).Logger()

	unlock, err := o.Locker.TryLock(ctx, siteID)
	if err != nil {
		if errors.Is(err, sitelock.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", smerrors.ErrSiteBusy, siteID)
		}
		return nil, err
	}
	defer unlock()

	active, err := o.Tracker.ActiveForSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s has task %s", smerrors.ErrSiteBusy, siteID, active.ID)
	}

	if req.Config != nil {
		if _, err := o.Store.SaveConfig(siteID, req.Config); err != nil {
			return nil, err
		}
		if len(req.AssetURLs) > 0 {
			copied := o.Store.CopyAssets(ctx, siteID, req.AssetURLs)
			log.Info().Int("requested", len(req.AssetURLs)).Int("copied", len(copied)).Msg("assets stored")
			if ctx.Err() == nil {
				if err := o.Store.PruneAssets(siteID, copied); err != nil {
					log.Warn().Err(err).Msg("failed to prune stale assets")
				}
			}
		}
	} else if !o.Store.ConfigExists(siteID) {
		return nil, fmt.Errorf("%w for site %s", smerrors.ErrConfigurationMissing, siteID)
	}

	return o.Tracker.CreateTask(ctx, req.CustomerID, req.WizardSessionID, siteID)
}

func (o *Orchestrator) enqueue(ctx context.Context, taskID string) error {
	select {
	case o.queue <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes queued tasks until ctx is cancelled, then waits for the
// pipelines in flight.
func (o *Orchestrator) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(o.workers))
	g, gctx := errgroup.WithContext(ctx)
	o.log.Info().Int("workers", o.workers).Msg("worker pool started")

	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			o.log.Info().Msg("worker pool stopped")
			return err
		case id := <-o.queue:
			if err := sem.Acquire(ctx, 1); err != nil {
				// Left pending; Recover picks it up on the next start.
				o.log.Warn().Str("task_id", id).Msg("shutdown before task started")
				continue
			}
			g.Go(func() error {
				defer sem.Release(1)
				if err := o.Execute(gctx, id); err != nil {
					o.log.Error().Err(err).Str("task_id", id).Msg("task execution error")
				}
				return nil
			})
		}
	}
}

// Execute runs the pipeline of one task. Pipeline failures are recorded on
// the task; the returned error only reports problems recording them.
func (o *Orchestrator) Execute(ctx context.Context, taskID string) error {
	persist := context.WithoutCancel(ctx)

	task, err := o.Tracker.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		o.log.Debug().Str("task_id", taskID).Str("status", string(task.Status)).Msg("skipping finished task")
		return nil
	}
	if task.SiteID == nil {
		return o.Tracker.Fail(persist, taskID, "task has no site id")
	}
	siteID := *task.SiteID
	log := o.log.With().Str("task_id", taskID).Str("site_id", siteID).Logger()

	unlock, err := o.Locker.Lock(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to lock site %s: %w", siteID, err)
	}
	defer unlock()

	// The task may have been cancelled, recovered or run by another worker
	// while this one waited for the lock.
	task, err = o.Tracker.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskPending {
		log.Debug().Str("status", string(task.Status)).Msg("skipping task no longer pending")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[taskID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, taskID)
		o.mu.Unlock()
		cancel()
	}()

	o.Metrics.TasksInFlight.Inc()
	defer o.Metrics.TasksInFlight.Dec()

	started := time.Now()
	siteURL, port, pipeErr := o.pipeline(runCtx, task, log)
	if pipeErr == nil {
		err := o.Tracker.Complete(persist, taskID, siteURL, port)
		if err == nil {
			o.Metrics.TasksTotal.WithLabelValues(string(models.TaskCompleted)).Inc()
			log.Info().Str("url", siteURL).Dur("duration", time.Since(started)).Msg("site generated")
			return nil
		}
		if !errors.Is(err, smerrors.ErrTaskAlreadyTerminal) {
			return err
		}
		pipeErr = err
	}

	o.cleanup(siteID, log)

	current, err := o.Tracker.Get(persist, taskID)
	if err != nil {
		return err
	}
	if current.Status == models.TaskCancelled {
		o.Metrics.TasksTotal.WithLabelValues(string(models.TaskCancelled)).Inc()
		log.Info().Msg("task cancelled")
		return nil
	}

	message := pipeErr.Error()
	if ctx.Err() != nil {
		message = interruptedMessage
	}
	log.Error().Err(pipeErr).Str("code", string(smerrors.Code(pipeErr))).Msg("generation failed")
	if err := o.Tracker.Fail(persist, taskID, message); err != nil && !errors.Is(err, smerrors.ErrTaskAlreadyTerminal) {
		return err
	}
	o.Metrics.TasksTotal.WithLabelValues(string(models.TaskFailed)).Inc()
	return nil
}

type pipelineState struct {
	task      *models.GenerationTask
	siteID    string
	buildTime time.Time
	tree      string
	deploy    *DeployResult
	domain    *models.SiteDomain
}

type pipelineStage struct {
	name     string
	step     string
	progress int
	run      func(ctx context.Context, s *pipelineState) error
}

func (o *Orchestrator) stages() []pipelineStage {
	return []pipelineStage{
		{"config", StepConfig, ProgressConfig, o.loadConfig},
		{"template", StepTemplate, ProgressTemplate, o.prepareTemplate},
		{"build", StepBuild, ProgressBuild, o.build},
		{"deploy", StepDeploy, ProgressDeploy, o.deploy},
		{"domain", StepDomain, ProgressDomain, o.bindDomain},
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, task *models.GenerationTask, log zerolog.Logger) (string, int, error) {
	state := &pipelineState{task: task, siteID: *task.SiteID}

	for _, st := range o.stages() {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		if err := o.Tracker.Advance(ctx, task.ID, st.step, st.progress); err != nil {
			return "", 0, err
		}

		started := time.Now()
		err := st.run(ctx, state)
		result := "ok"
		if err != nil {
			result = "error"
		}
		o.Metrics.StageDuration.WithLabelValues(st.name, result).Observe(time.Since(started).Seconds())
		if err != nil {
			log.Warn().Err(err).Str("stage", st.name).Dur("duration", time.Since(started)).Msg("stage failed")
			return "", 0, err
		}
		log.Info().Str("stage", st.name).Dur("duration", time.Since(started)).Msg("stage done")
	}

	scheme := "http"
	if state.domain.SSLStatus == models.SSLIssued {
		scheme = "https"
	}
	return scheme + "://" + state.domain.Domain, state.deploy.Port, nil
}

func (o *Orchestrator) loadConfig(_ context.Context, s *pipelineState) error {
	_, modTime, err := o.Store.LoadConfig(s.siteID)
	if err != nil {
		return err
	}
	s.buildTime = modTime
	return nil
}

func (o *Orchestrator) prepareTemplate(ctx context.Context, s *pipelineState) error {
	tree, err := o.Templates.PrepareTemplate(ctx, s.siteID)
	if err != nil {
		return err
	}
	s.tree = tree
	return nil
}

func (o *Orchestrator) build(ctx context.Context, s *pipelineState) error {
	return o.Builder.Build(ctx, BuildRequest{Dir: s.tree, SiteID: s.siteID, BuildTime: s.buildTime})
}

func (o *Orchestrator) deploy(ctx context.Context, s *pipelineState) error {
	res, err := o.Deployer.Deploy(ctx, s.siteID, o.Builder.OutputPath(s.tree))
	if err != nil {
		return err
	}
	s.deploy = res
	return nil
}

// bindDomain activates the site's subdomain. Certificate issuance is
// attempted when enabled but never fails the task.
func (o *Orchestrator) bindDomain(ctx context.Context, s *pipelineState) error {
	rec, err := o.Domains.BindSubdomain(ctx, s.task.WizardSessionID, s.siteID)
	if err != nil {
		return err
	}
	if o.Domains.SSLEnabled() && rec.SSLStatus != models.SSLIssued {
		if issued, err := o.Domains.IssueCertificate(ctx, rec.ID); err != nil {
			o.log.Warn().Err(err).Str("domain", rec.Domain).Msg("certificate not issued, serving plain http")
		} else {
			rec = issued
		}
	}
	s.domain = rec
	return nil
}

// cleanup stops the site's instance and removes its working tree. The
// config snapshot is kept so a retry needs no new input.
func (o *Orchestrator) cleanup(siteID string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := o.Deployer.Stop(ctx, siteID); err != nil {
		log.Error().Err(err).Msg("failed to stop deployment during cleanup")
	}
	if err := o.Templates.Remove(siteID); err != nil {
		log.Error().Err(err).Msg("failed to remove working tree during cleanup")
	}
}

// Cancel marks the task cancelled and stops its pipeline if it is running.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if err := o.Tracker.Cancel(ctx, taskID); err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.running[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	o.log.Info().Str("task_id", taskID).Bool("was_running", ok).Msg("task cancel requested")
	return nil
}

// Retry submits a new task for the site of a finished task, reusing the
// stored snapshot.
func (o *Orchestrator) Retry(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	prev, err := o.Tracker.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !prev.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is %s", smerrors.ErrSiteBusy, taskID, prev.Status)
	}
	if prev.SiteID == nil {
		return nil, fmt.Errorf("%w: task %s has no site", smerrors.ErrInvalidSiteID, taskID)
	}
	return o.Submit(ctx, SubmitRequest{
		CustomerID:      prev.CustomerID,
		WizardSessionID: prev.WizardSessionID,
		SiteID:          *prev.SiteID,
	})
}

// DeleteSite removes every artifact of a site: deployment and port, domains
// and their proxy configs, working tree, and the config snapshot.
func (o *Orchestrator) DeleteSite(ctx context.Context, siteID string) error {
	if err := paths.ValidateSiteID(siteID); err != nil {
		return err
	}
	unlock, err := o.Locker.TryLock(ctx, siteID)
	if err != nil {
		if errors.Is(err, sitelock.ErrLocked) {
			return fmt.Errorf("%w: %s", smerrors.ErrSiteBusy, siteID)
		}
		return err
	}
	defer unlock()

	active, err := o.Tracker.ActiveForSite(ctx, siteID)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: %s has task %s", smerrors.ErrSiteBusy, siteID, active.ID)
	}

	var errs []error
	if err := o.Deployer.Release(ctx, siteID); err != nil {
		errs = append(errs, smerrors.Wrap(err, "release deployment"))
	}
	if err := o.Domains.TeardownSite(ctx, siteID); err != nil {
		errs = append(errs, smerrors.Wrap(err, "remove domains"))
	}
	if err := o.Templates.Remove(siteID); err != nil {
		errs = append(errs, smerrors.Wrap(err, "remove working tree"))
	}
	o.Store.DeleteConfig(siteID)

	if len(errs) == 0 {
		o.log.Info().Str("site_id", siteID).Msg("site deleted")
	}
	return errors.Join(errs...)
}

// Recover fails tasks left in_progress by a previous process and re-queues
// pending ones. A task whose site lock is held belongs to a live pipeline,
// here or in another instance sharing the lock backend, and is left alone.
// Run it while the pool is consuming and before accepting submissions.
func (o *Orchestrator) Recover(ctx context.Context) error {
	interrupted, err := o.Tracker.ListByStatus(ctx, models.TaskInProgress)
	if err != nil {
		return err
	}
	failed := 0
	for _, t := range interrupted {
		ok, err := o.recoverTask(ctx, t)
		if err != nil {
			return err
		}
		if ok {
			failed++
		}
	}

	pending, err := o.Tracker.ListByStatus(ctx, models.TaskPending)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if err := o.enqueue(ctx, t.ID); err != nil {
			return err
		}
	}
	o.log.Info().Int("interrupted", failed).Int("requeued", len(pending)).Msg("recovery done")
	return nil
}

// recoverTask fails one interrupted task under its site lock. It reports
// false when the task is still owned by a running pipeline.
func (o *Orchestrator) recoverTask(ctx context.Context, t models.GenerationTask) (bool, error) {
	log := o.log.With().Str("task_id", t.ID).Logger()
	if t.SiteID == nil {
		if err := o.Tracker.Fail(ctx, t.ID, interruptedMessage); err != nil && !errors.Is(err, smerrors.ErrTaskAlreadyTerminal) {
			return false, err
		}
		return true, nil
	}
	siteID := *t.SiteID

	unlock, err := o.Locker.TryLock(ctx, siteID)
	if errors.Is(err, sitelock.ErrLocked) {
		log.Info().Str("site_id", siteID).Msg("task still running, not recovered")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer unlock()

	err = o.Tracker.Fail(ctx, t.ID, interruptedMessage)
	if errors.Is(err, smerrors.ErrTaskAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	o.cleanup(siteID, log)
	o.Metrics.TasksTotal.WithLabelValues(string(models.TaskFailed)).Inc()
	log.Warn().Str("site_id", siteID).Msg("failed interrupted task")
	return true, nil
}
