package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/logging"
	"taskqueue/internal/storage"
)

// Options holds the queue defaults applied when a request leaves a value unset.
type Options struct {
	DefaultLease       time.Duration
	DefaultMaxAttempts int
	DefaultStrategy    Strategy
	RecoverOnClaim     bool
	StaleGrace         time.Duration
	WeightedWindow     int
	RetryDelay         time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return OptionsFromConfig(nil)
}

// OptionsFromConfig extracts queue options from the [queue] section.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	strategy, err := ParseStrategy(cfg.Queue.DefaultStrategy)
	if err != nil {
		strategy = StrategyPriority
	}
	return Options{
		DefaultLease:       cfg.Queue.LeaseDuration(),
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		DefaultStrategy:    strategy,
		RecoverOnClaim:     cfg.Queue.RecoverOnClaim,
		StaleGrace:         cfg.Queue.StaleGrace(),
		WeightedWindow:     cfg.Queue.WeightedWindow,
		RetryDelay:         cfg.Queue.RetryDelay(),
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultLease <= 0 {
		o.DefaultLease = 5 * time.Minute
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = StrategyPriority
	}
	if o.StaleGrace < 0 {
		o.StaleGrace = 0
	}
	if o.WeightedWindow <= 0 {
		o.WeightedWindow = 64
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	return o
}

// Option customizes a Store.
type Option func(*Store)

// WithNow replaces the wall clock, letting tests advance time without sleeping.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRand replaces the random source used by the weighted strategy.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithLogger attaches a logger for transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logging.NewComponentLogger(logger, "queue")
	}
}

// Store manages queue persistence backed by SQLite.
type Store struct {
	handle *storage.Handle
	owned  bool
	opts   Options
	now    func() time.Time
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New wraps an open handle, creating or verifying the schema. The caller keeps
// ownership of handle.
func New(ctx context.Context, handle *storage.Handle, opts Options, options ...Option) (*Store, error) {
	if handle == nil {
		return nil, fmt.Errorf("queue: storage handle is nil")
	}
	s := &Store{
		handle: handle,
		opts:   opts.withDefaults(),
		now:    time.Now,
		logger: logging.NewNop(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range options {
		opt(s)
	}
	if err := s.initSchema(ensureContext(ctx)); err != nil {
		return nil, err
	}
	return s, nil
}

// Open initializes or connects to the queue database described by cfg. The
// returned store owns its handle and closes it on Close.
func Open(ctx context.Context, cfg *config.Config, options ...Option) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	handle, err := storage.Open(ensureContext(ctx), cfg.Paths.Database, StorageOptions(cfg))
	if err != nil {
		return nil, err
	}
	store, err := New(ctx, handle, OptionsFromConfig(cfg), options...)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// StorageOptions extracts connection tuning from the [storage] section.
func StorageOptions(cfg *config.Config) storage.Options {
	return storage.Options{
		BusyTimeout:       time.Duration(cfg.Storage.BusyTimeoutMS) * time.Millisecond,
		CacheSizeKiB:      cfg.Storage.CacheSizeKiB,
		MMapSizeBytes:     int64(cfg.Storage.MMapSizeMiB) << 20,
		MaxOpenConns:      cfg.Storage.MaxOpenConns,
		BusyRetryAttempts: cfg.Storage.BusyRetryAttempts,
	}
}

// Close closes the underlying handle when the store opened it.
func (s *Store) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.handle.Close()
}

// Handle exposes the storage binding for maintenance work.
func (s *Store) Handle() *storage.Handle { return s.handle }

// Path returns the database file location.
func (s *Store) Path() string { return s.handle.Path() }

// Options returns the effective queue defaults.
func (s *Store) Options() Options { return s.opts }

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
