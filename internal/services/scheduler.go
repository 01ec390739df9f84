package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper is the domain maintenance surface driven by the scheduler.
type Sweeper interface {
	SweepVerifications(ctx context.Context) (SweepResult, error)
	SweepCertificates(ctx context.Context) (SweepResult, error)
}

// SchedulerOptions holds five-field cron specs. An empty spec disables the job.
type SchedulerOptions struct {
	VerifySchedule string
	SSLSchedule    string
}

// Scheduler runs the domain sweeps on cron schedules. A sweep still running
// when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	metrics *Metrics
	log     zerolog.Logger

	mu  sync.Mutex
	ctx context.Context
}

func NewScheduler(sweeper Sweeper, metrics *Metrics, opts SchedulerOptions, log zerolog.Logger) (*Scheduler, error) {
	log = log.With().Str("component", "scheduler").Logger()
	cronLog := cron.PrintfLogger(&log)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		sweeper: sweeper,
		metrics: metrics,
		log:     log,
		ctx:     context.Background(),
	}

	jobs := []struct {
		kind string
		spec string
		run  func(context.Context) (SweepResult, error)
	}{
		{"verification", opts.VerifySchedule, sweeper.SweepVerifications},
		{"certificate", opts.SSLSchedule, sweeper.SweepCertificates},
	}
	for _, j := range jobs {
		if j.spec == "" {
			log.Info().Str("kind", j.kind).Msg("sweep disabled")
			continue
		}
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.sweep(j.kind, j.run) }); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", j.kind, j.spec, err)
		}
	}
	return s, nil
}

// Start begins firing jobs. Sweeps run with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop prevents new runs and waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Jobs reports how many sweeps are scheduled.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// RunOnce runs both sweeps immediately, in order.
func (s *Scheduler) RunOnce(ctx context.Context) (verify, certs SweepResult, err error) {
	verify, verr := s.sweeper.SweepVerifications(ctx)
	s.metrics.ObserveSweep("verification", verify, verr)
	certs, cerr := s.sweeper.SweepCertificates(ctx)
	s.metrics.ObserveSweep("certificate", certs, cerr)
	return verify, certs, errors.Join(verr, cerr)
}

func (s *Scheduler) sweep(kind string, run func(context.Context) (SweepResult, error)) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	res, err := run(ctx)
	s.metrics.ObserveSweep(kind, res, err)
	if err != nil {
		s.log.Error().Err(err).Str("kind", kind).Msg("sweep failed")
		return
	}
	s.log.Debug().Str("kind", kind).Int("checked", res.Checked).Msg("sweep finished")
}
