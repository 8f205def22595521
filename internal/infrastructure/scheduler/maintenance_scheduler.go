package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"go.uber.org/zap"
)

// MaintenanceRunner is the part of the maintenance service the scheduler drives
type MaintenanceRunner interface {
	ExpireReservations(ctx context.Context, cutoff time.Time) (appbilling.ExpireReport, error)
	ReconcileUsage(ctx context.Context, opts appbilling.ReconcileOptions) (appbilling.ReconcileReport, error)
	ReconcileWallets(ctx context.Context, opts appbilling.ReconcileOptions) (appbilling.ReconcileReport, error)
	CleanupIdempotency(ctx context.Context, olderThan time.Time) (appbilling.CleanupReport, error)
}

// MaintenanceSchedulerConfig holds configuration for the maintenance scheduler
type MaintenanceSchedulerConfig struct {
	Enabled bool

	// ExpirySweepInterval is how often pending reservations past their TTL
	// are expired
	ExpirySweepInterval time.Duration

	// ReconcileInterval is how often usage and wallet reconciliation run
	ReconcileInterval time.Duration

	// CleanupInterval is how often expired idempotency records are deleted
	CleanupInterval time.Duration

	// JobTimeout bounds a single job run
	JobTimeout time.Duration

	// AutoCorrect lets scheduled reconciliation fix what it finds
	AutoCorrect bool
}

// DefaultMaintenanceSchedulerConfig returns default configuration
func DefaultMaintenanceSchedulerConfig() MaintenanceSchedulerConfig {
	return MaintenanceSchedulerConfig{
		Enabled:             true,
		ExpirySweepInterval: time.Minute,
		ReconcileInterval:   24 * time.Hour,
		CleanupInterval:     24 * time.Hour,
		JobTimeout:          10 * time.Minute,
	}
}

// JobRun records the last run of a job
type JobRun struct {
	Job       string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// MaintenanceScheduler runs the expiry sweep, usage and wallet
// reconciliation and idempotency cleanup on fixed intervals. Runs of the
// same job never overlap.
type MaintenanceScheduler struct {
	runner  MaintenanceRunner
	logger  *zap.Logger
	config  MaintenanceSchedulerConfig
	now     func() time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	active  map[string]bool
	lastRun map[string]JobRun
}

// NewMaintenanceScheduler creates a new maintenance scheduler
func NewMaintenanceScheduler(runner MaintenanceRunner, logger *zap.Logger, config MaintenanceSchedulerConfig) *MaintenanceScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultMaintenanceSchedulerConfig()
	if config.ExpirySweepInterval <= 0 {
		config.ExpirySweepInterval = defaults.ExpirySweepInterval
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	return &MaintenanceScheduler{
		runner:  runner,
		logger:  logger.Named("scheduler"),
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
		active:  make(map[string]bool),
		lastRun: make(map[string]JobRun),
	}
}

// Jobs returns the job names the scheduler runs
func Jobs() []string {
	return []string{
		appbilling.JobExpireReservations,
		appbilling.JobReconcileUsage,
		appbilling.JobReconcileWallets,
		appbilling.JobCleanupIdempotency,
	}
}

// Start starts one loop per job
func (s *MaintenanceScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Maintenance scheduler is disabled")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	intervals := map[string]time.Duration{
		appbilling.JobExpireReservations: s.config.ExpirySweepInterval,
		appbilling.JobReconcileUsage:     s.config.ReconcileInterval,
		appbilling.JobReconcileWallets:   s.config.ReconcileInterval,
		appbilling.JobCleanupIdempotency: s.config.CleanupInterval,
	}
	for _, job := range Jobs() {
		s.wg.Add(1)
		go s.loop(ctx, job, intervals[job])
	}

	s.logger.Info("Maintenance scheduler started",
		zap.Duration("expiry_sweep_interval", s.config.ExpirySweepInterval),
		zap.Duration("reconcile_interval", s.config.ReconcileInterval),
		zap.Duration("cleanup_interval", s.config.CleanupInterval),
		zap.Bool("auto_correct", s.config.AutoCorrect),
	)
	return nil
}

// Stop cancels the loops and waits for running jobs until ctx is done
func (s *MaintenanceScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Maintenance scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Maintenance scheduler stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the scheduler is started
func (s *MaintenanceScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger runs job now and waits for it
func (s *MaintenanceScheduler) Trigger(ctx context.Context, job string) error {
	if !isKnownJob(job) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	if !s.IsRunning() {
		return ErrSchedulerNotRunning
	}
	if !s.acquire(job) {
		return ErrJobAlreadyRunning
	}
	defer s.releaseJob(job)
	return s.run(ctx, job)
}

// LastRun returns the most recent run of job
func (s *MaintenanceScheduler) LastRun(job string) (JobRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lastRun[job]
	return r, ok
}

func (s *MaintenanceScheduler) loop(ctx context.Context, job string, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.acquire(job) {
				s.logger.Debug("Skipping tick, previous run still active", zap.String("job", job))
				continue
			}
			_ = s.run(ctx, job)
			s.releaseJob(job)
		}
	}
}

func (s *MaintenanceScheduler) acquire(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[job] {
		return false
	}
	s.active[job] = true
	return true
}

func (s *MaintenanceScheduler) releaseJob(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, job)
}

func (s *MaintenanceScheduler) run(ctx context.Context, job string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	started := s.now()
	err := s.dispatch(ctx, job, started)
	run := JobRun{Job: job, StartedAt: started, Duration: s.now().Sub(started), Err: err}

	s.mu.Lock()
	s.lastRun[job] = run
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Maintenance job failed",
			zap.String("job", job),
			zap.Duration("duration", run.Duration),
			zap.Error(err),
		)
		return err
	}
	s.logger.Debug("Maintenance job finished", zap.String("job", job), zap.Duration("duration", run.Duration))
	return nil
}

func (s *MaintenanceScheduler) dispatch(ctx context.Context, job string, now time.Time) error {
	opts := appbilling.ReconcileOptions{AutoCorrect: s.config.AutoCorrect}
	switch job {
	case appbilling.JobExpireReservations:
		_, err := s.runner.ExpireReservations(ctx, now)
		return err
	case appbilling.JobReconcileUsage:
		report, err := s.runner.ReconcileUsage(ctx, opts)
		s.logDivergence(job, report)
		return err
	case appbilling.JobReconcileWallets:
		report, err := s.runner.ReconcileWallets(ctx, opts)
		s.logDivergence(job, report)
		return err
	case appbilling.JobCleanupIdempotency:
		_, err := s.runner.CleanupIdempotency(ctx, now)
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, job)
}

func (s *MaintenanceScheduler) logDivergence(job string, report appbilling.ReconcileReport) {
	if !report.HasDivergence() {
		return
	}
	s.logger.Warn("Reconciliation found divergences",
		zap.String("job", job),
		zap.Int("divergences", len(report.Divergences)),
		zap.Int("corrected", report.Corrected),
	)
}

func isKnownJob(job string) bool {
	for _, j := range Jobs() {
		if j == job {
			return true
		}
	}
	return false
}
