package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"taskqueue/internal/config"
	"taskqueue/internal/logging"
	"taskqueue/internal/maintenance"
	"taskqueue/internal/queue"
)

// Daemon runs the periodic maintenance loops and enforces single-instance
// execution per database.
type Daemon struct {
	cfg    *config.Config
	store  *queue.Store
	maint  *maintenance.Service
	logger *slog.Logger
	now    func() time.Time
	window config.Window

	logPath  string
	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	jobs       map[string]*JobStatus
	lastVacuum time.Time
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithNow replaces the clock used for schedule decisions.
func WithNow(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// JobStatus records the last outcome of a maintenance loop.
type JobStatus struct {
	Name      string
	Interval  time.Duration
	Runs      int
	LastRun   time.Time
	LastError string
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	DatabasePath string
	LockFilePath string
	Jobs         []JobStatus
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, maint *maintenance.Service, logger *slog.Logger, options ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || maint == nil {
		return nil, errors.New("daemon requires config, store, and maintenance service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	window, err := config.ParseWindow(cfg.Maintenance.VacuumWindow)
	if err != nil {
		return nil, fmt.Errorf("vacuum window: %w", err)
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		store:    store,
		maint:    maint,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		now:      time.Now,
		window:   window,
		logPath:  filepath.Join(cfg.Paths.LogDir, "taskqd.log"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		jobs:     make(map[string]*JobStatus),
	}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// Start acquires the daemon lock and launches the maintenance loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another taskqd instance is already running for %s", d.cfg.Paths.Database)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running.Store(true)

	for _, j := range d.schedule() {
		d.wg.Add(1)
		go d.runJob(runCtx, j)
	}
	d.logger.Info("taskqd started",
		logging.String("database", d.cfg.Paths.Database),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Stop stops the loops and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("taskqd stopped")
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}

// Status reports the daemon state and the last outcome of each loop.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := Status{
		Running:      d.running.Load(),
		DatabasePath: d.cfg.Paths.Database,
		LockFilePath: d.lockPath,
	}
	for _, j := range d.schedule() {
		if js, ok := d.jobs[j.name]; ok {
			status.Jobs = append(status.Jobs, *js)
		}
	}
	return status
}
