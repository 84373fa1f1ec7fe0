package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskqueue/internal/config"
	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/taskerr"
)

// finalizeTimeout bounds the store call that records a task outcome after the
// pool context is gone.
const finalizeTimeout = 5 * time.Second

var errLeaseLost = errors.New("lease lost")

// Options configures a Pool.
type Options struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Lease             time.Duration
	Strategy          queue.Strategy
	Capabilities      queue.Capabilities
	Mode              ExecutionMode
	Commands          map[string]string
}

// OptionsFromConfig extracts pool options from the [workers] and [queue]
// sections. An invalid execution mode falls back to in-process.
func OptionsFromConfig(cfg *config.Config) Options {
	mode, err := ParseExecutionMode(cfg.Workers.ExecutionMode)
	if err != nil {
		mode = ModeInProcess
	}
	strategy, err := queue.ParseStrategy(cfg.Queue.DefaultStrategy)
	if err != nil {
		strategy = queue.StrategyPriority
	}
	return Options{
		Concurrency:       cfg.Workers.MaxConcurrent,
		PollInterval:      cfg.Workers.PollInterval(),
		HeartbeatInterval: cfg.Workers.HeartbeatInterval(),
		Lease:             cfg.Queue.LeaseDuration(),
		Strategy:          strategy,
		Mode:              mode,
		Commands:          cfg.Workers.Commands,
	}
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.WorkerID) == "" {
		o.WorkerID = NewID()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.Lease {
		o.HeartbeatInterval = o.Lease / 3
	}
	if o.Mode == "" {
		o.Mode = ModeInProcess
	}
	return o
}

// Pool claims tasks and runs them on a fixed number of concurrent loops.
type Pool struct {
	store  *queue.Store
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler

	prepareOnce sync.Once
	resolved    map[string]Handler
	caps        queue.Capabilities
}

// NewPool creates a pool bound to store.
func NewPool(store *queue.Store, opts Options, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	opts = opts.withDefaults()
	return &Pool{
		store:    store,
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "worker").With(logging.WorkerID(opts.WorkerID)),
		handlers: make(map[string]Handler),
	}
}

// ID returns the worker id used for claims.
func (p *Pool) ID() string { return p.opts.WorkerID }

// Register installs an in-process handler for taskType. Registration must
// happen before Run.
func (p *Pool) Register(taskType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[strings.TrimSpace(taskType)] = handler
}

// RegisterDefault installs a handler for task types without a dedicated one.
// With a default handler the pool claims every type it is not restricted from.
func (p *Pool) RegisterDefault(handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = handler
}

// prepare resolves the execution mode into a handler per task type once.
func (p *Pool) prepare() {
	p.prepareOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		p.resolved = make(map[string]Handler, len(p.handlers)+len(p.opts.Commands))
		for taskType, handler := range p.handlers {
			p.resolved[taskType] = handler
		}
		switch p.opts.Mode {
		case ModeSubprocess:
			for taskType, command := range p.opts.Commands {
				p.resolved[taskType] = commandHandler{command: command}
			}
			for taskType := range p.handlers {
				if _, ok := p.opts.Commands[taskType]; !ok {
					logging.WarnWithContext(p.logger, "no command configured; running in-process", "execution_fallback",
						logging.String(logging.FieldTaskType, taskType),
						logging.String(logging.FieldErrorHint, "add the type to [workers.commands] to run it as a subprocess"),
						logging.String(logging.FieldImpact, "task runs inside the worker process"),
					)
				}
			}
		default:
			if len(p.opts.Commands) > 0 {
				p.logger.Debug("ignoring configured commands in inprocess mode", logging.Int("commands", len(p.opts.Commands)))
			}
		}

		caps := p.opts.Capabilities
		if len(caps.Types) == 0 && p.fallback == nil {
			for taskType := range p.resolved {
				caps.Types = append(caps.Types, taskType)
			}
			slices.Sort(caps.Types)
		}
		p.caps = caps.Normalized()
	})
}

func (p *Pool) handlerFor(taskType string) Handler {
	if handler, ok := p.resolved[taskType]; ok {
		return handler
	}
	return p.fallback
}

// Run registers the worker and processes tasks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.prepare()
	if len(p.caps.Types) == 0 && p.fallback == nil {
		return fmt.Errorf("worker pool has no handlers")
	}
	if _, err := p.store.RegisterWorker(ctx, p.opts.WorkerID, p.caps); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	p.logger.Info("worker pool started",
		logging.Int("concurrency", p.opts.Concurrency),
		logging.String("mode", string(p.opts.Mode)),
		logging.String("strategy", string(p.opts.Strategy)),
		logging.Any("types", p.caps.Types),
	)

	g, gctx := errgroup.WithContext(ctx)
	for slot := range p.opts.Concurrency {
		g.Go(func() error {
			p.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) {
	logger := p.logger.With(logging.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.ErrorWithContext(logger, "claim failed", "queue_claim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one task. It reports whether a task was
// claimed. Handler failures are recorded on the task, not returned.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	p.prepare()
	task, err := p.store.Claim(ctx, queue.ClaimRequest{
		WorkerID:     p.opts.WorkerID,
		Capabilities: p.caps,
		Strategy:     p.opts.Strategy,
		Lease:        p.opts.Lease,
	})
	if err != nil || task == nil {
		return false, err
	}
	p.process(ctx, task)
	return true, nil
}

func (p *Pool) process(ctx context.Context, task *queue.Task) {
	logger := p.logger.With(
		logging.TaskID(task.ID),
		logging.String(logging.FieldTaskType, task.Type),
		logging.Int("attempt", task.Attempts),
	)
	handler := p.handlerFor(task.Type)
	if handler == nil {
		p.finalize(logger, task, "", Permanent(fmt.Errorf("no handler for task type %q", task.Type)))
		return
	}

	taskCtx, cancel := context.WithCancelCause(logging.WithTaskID(ctx, task.ID))
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	heartbeatCtx, stopHeartbeat := context.WithCancel(taskCtx)
	go p.heartbeat(heartbeatCtx, &wg, logger, task.ID, cancel)

	started := time.Now()
	result, err := runHandler(taskCtx, handler, task)
	stopHeartbeat()
	wg.Wait()

	if errors.Is(context.Cause(taskCtx), errLeaseLost) {
		logger.Warn("lease lost; discarding handler outcome",
			logging.String(logging.FieldEventType, "lease_lost"),
			logging.Duration("elapsed", time.Since(started)),
		)
		return
	}
	if ctx.Err() != nil && err != nil {
		err = fmt.Errorf("worker shutting down: %w", err)
	}
	logger.Debug("handler finished", logging.Duration("elapsed", time.Since(started)), logging.Bool("ok", err == nil))
	p.finalize(logger, task, result, err)
}

// heartbeat renews the lease until ctx ends. When the store reports the lease
// gone (expired, reassigned, or cancelled) it cancels the handler.
func (p *Pool) heartbeat(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, taskID int64, cancel context.CancelCauseFunc) {
	defer wg.Done()
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := p.store.RenewLease(ctx, taskID, p.opts.WorkerID, p.opts.Lease)
			switch {
			case err != nil && errors.Is(err, context.Canceled):
				return
			case err != nil && taskerr.IsNotFound(err):
				cancel(errLeaseLost)
				return
			case err != nil:
				logger.Warn("lease renewal failed", logging.Error(err))
			case !renewed:
				cancel(errLeaseLost)
				return
			}
		}
	}
}

// finalize records the handler outcome. It runs on a fresh context so a
// shutting-down pool still releases its tasks promptly.
func (p *Pool) finalize(logger *slog.Logger, task *queue.Task, result string, handlerErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var err error
	switch {
	case handlerErr == nil:
		_, err = p.store.Complete(ctx, task.ID, p.opts.WorkerID, result)
		if err == nil {
			logger.Info("task completed")
		}
	case errors.Is(handlerErr, ErrPermanent):
		_, err = p.store.Fail(ctx, task.ID, p.opts.WorkerID, handlerErr.Error(), false)
	default:
		_, err = p.store.Fail(ctx, task.ID, p.opts.WorkerID, handlerErr.Error(), true)
	}
	if err == nil {
		return
	}
	if taskerr.IsConflict(err) || taskerr.IsNotFound(err) {
		logger.Info("task changed while running; outcome dropped", logging.Error(err))
		return
	}
	logging.ErrorWithContext(logger, "failed to record task outcome", "task_finalize_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "the lease will expire and the task will be recovered"),
	)
}
