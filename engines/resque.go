// Package engines assembles a ready-to-run Resque worker from a
// config.Config: the store driver, the failure backends, the execution
// strategy and the optional metrics, event relay and tracing.
//
// Example usage:
//
//	cfg, _ := config.Load("")
//	engine, err := engines.NewResqueEngine(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer engine.Close(ctx)
//	engine.RegisterFunc("EmailJob", sendEmail)
//	return engine.Run(ctx)
package engines

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BranchIntl/goresque"
	"github.com/BranchIntl/goresque/config"
	"github.com/BranchIntl/goresque/core"
	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/failure"
	"github.com/BranchIntl/goresque/internal/tracing"
	"github.com/BranchIntl/goresque/job"
	"github.com/BranchIntl/goresque/metrics"
	"github.com/BranchIntl/goresque/notify"
	"github.com/BranchIntl/goresque/queue"
	"github.com/BranchIntl/goresque/registry"
	"github.com/BranchIntl/goresque/store"
	"github.com/BranchIntl/goresque/store/goredis"
	"github.com/BranchIntl/goresque/store/memory"
	"github.com/BranchIntl/goresque/store/redis"
	"github.com/BranchIntl/goresque/strategy"
	_ "github.com/lib/pq"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName names the process in exported spans
const ServiceName = "goresque"

// ResqueEngine provides a pre-configured worker for Resque compatibility
type ResqueEngine struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	ownStore bool
	db       *sql.DB
	ownDB    bool

	rt       *job.Runtime
	client   *goresque.Client
	failures *failure.RedisBackend

	collector   *metrics.Collector
	relay       *notify.Relay
	publisher   notify.Publisher
	provider    *sdktrace.TracerProvider
	traceWriter io.Writer

	forkOptions   []strategy.ForkOption
	fastcgiDialer strategy.Dialer
	workerOptions []core.Option
	child         bool
}

// NewResqueEngine connects every component named by cfg. On error the
// parts already opened are closed again.
func NewResqueEngine(ctx context.Context, cfg *config.Config, opts ...Option) (*ResqueEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &ResqueEngine{
		cfg:         cfg,
		logger:      slog.Default(),
		ownStore:    true,
		ownDB:       true,
		traceWriter: os.Stderr,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.open(ctx); err != nil {
		_ = e.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return e, nil
}

func (e *ResqueEngine) open(ctx context.Context) error {
	if e.store == nil {
		s, err := OpenStore(ctx, e.cfg.Store)
		if err != nil {
			return err
		}
		e.store = s
	}

	e.rt = job.NewRuntime(e.store,
		queue.WithGuardRatio(e.cfg.Worker.GuardRatio),
		queue.WithLogger(e.logger),
	)
	e.rt.Logger = e.logger
	e.client = goresque.NewClient(e.rt)
	e.failures = failure.NewRedisBackend(e.store)

	backend, err := e.failureBackend(ctx)
	if err != nil {
		return err
	}
	e.rt.Failures = backend

	if e.child {
		return nil
	}

	if e.cfg.Tracing {
		tp, err := tracing.Init(ServiceName, e.traceWriter)
		if err != nil {
			return err
		}
		e.provider = tp
		e.workerOptions = append([]core.Option{core.WithTracer(tp.Tracer("github.com/BranchIntl/goresque/core"))}, e.workerOptions...)
	}

	if e.cfg.Metrics.Addr != "" {
		e.collector = metrics.NewCollector()
		e.collector.Attach(e.rt.Events)
		e.workerOptions = append(e.workerOptions, core.WithObserver(e.collector))
	}

	switch {
	case e.publisher != nil:
		e.relay = notify.NewRelay(e.publisher, e.cfg.Notify.Exchange)
	case e.cfg.Notify.URL != "":
		options := notify.DefaultOptions()
		options.URI = e.cfg.Notify.URL
		options.Exchange = e.cfg.Notify.Exchange
		relay, err := notify.Dial(ctx, options)
		if err != nil {
			return err
		}
		e.relay = relay
	}
	if e.relay != nil {
		e.relay.Attach(e.rt.Events)
		e.workerOptions = append(e.workerOptions, core.WithObserver(e.relay))
	}
	return nil
}

// OpenStore dials the store driver named by cfg
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverRedigo:
		options := redis.DefaultOptions()
		options.URI = cfg.URI
		options.Namespace = cfg.Namespace
		options.TLSSkipVerify = cfg.TLSSkipVerify
		options.TLSCertPath = cfg.TLSCertPath
		if cfg.MaxConnections > 0 {
			options.MaxConnections = cfg.MaxConnections
		}
		s := redis.NewStore(options)
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverGoRedis:
		s, err := goredis.New(goredis.Options{
			URI:       cfg.URI,
			Namespace: cfg.Namespace,
			PoolSize:  cfg.MaxConnections,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, errors.NewConnectionError(cfg.URI, err)
		}
		return s, nil
	case config.DriverMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", errors.ErrInvalidConfig, cfg.Driver)
	}
}

func (e *ResqueEngine) failureBackend(ctx context.Context) (failure.Backend, error) {
	var backends failure.Multi
	for _, name := range e.cfg.Failure.Backends {
		switch name {
		case config.FailureRedis:
			backends = append(backends, e.failures)
		case config.FailureLog:
			backends = append(backends, failure.NewLogBackend(e.logger))
		case config.FailureSQL:
			if e.db == nil {
				db, err := sql.Open("postgres", e.cfg.Failure.DSN)
				if err != nil {
					return nil, errors.NewConnectionError("failure database", err)
				}
				e.db = db
			}
			b := failure.NewSQLBackend(e.db, e.cfg.Failure.Table)
			if !e.child {
				if err := b.CreateTable(ctx); err != nil {
					return nil, err
				}
			}
			backends = append(backends, b)
		default:
			return nil, fmt.Errorf("%w: unknown failure backend %q", errors.ErrInvalidConfig, name)
		}
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return backends, nil
}

// NewStrategy builds the execution strategy named by the configuration
func (e *ResqueEngine) NewStrategy() (strategy.Strategy, error) {
	switch e.cfg.Strategy.Name {
	case config.StrategyInProcess:
		return strategy.NewInProcess(), nil
	case config.StrategyFork:
		opts := append([]strategy.ForkOption{strategy.WithForkLogger(e.logger)}, e.forkOptions...)
		return strategy.NewFork(opts...)
	case config.StrategyFastCGI:
		fc := e.cfg.Strategy.FastCGI
		options := strategy.DefaultFastCGIOptions()
		options.Location = fc.Location
		options.Script = fc.Script
		options.Env = fc.Env
		options.MaxRetries = fc.MaxRetries
		if fc.DialTimeout > 0 {
			options.DialTimeout = fc.DialTimeout
		}
		options.Dial = e.fastcgiDialer
		options.Logger = e.logger
		return strategy.NewFastCGI(options), nil
	default:
		return nil, fmt.Errorf("%w: unknown job strategy %q", errors.ErrInvalidConfig, e.cfg.Strategy.Name)
	}
}

// NewWorker builds a worker over the configured queues and strategy
func (e *ResqueEngine) NewWorker(opts ...core.Option) (*core.Worker, error) {
	st, err := e.NewStrategy()
	if err != nil {
		return nil, err
	}
	base := []core.Option{
		core.WithStrategy(st),
		core.WithLogger(e.logger),
	}
	base = append(base, e.workerOptions...)
	return core.NewWorker(e.rt, e.cfg.Worker.Queues, append(base, opts...)...)
}

// Run starts a worker and blocks until it exits. The metrics endpoint, when
// configured, is served for as long as the worker runs.
func (e *ResqueEngine) Run(ctx context.Context, opts ...core.Option) error {
	w, err := e.NewWorker(opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.collector != nil {
		go func() {
			if err := e.collector.Serve(ctx, e.cfg.Metrics.Addr); err != nil {
				e.logger.Error("metrics endpoint stopped", "addr", e.cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	e.logger.Info("worker starting",
		"worker", w.ID(),
		"strategy", e.cfg.Strategy.Name,
		"interval", e.cfg.Worker.Interval.Duration(),
		"blocking", e.cfg.Worker.Blocking)
	return w.Work(ctx, e.cfg.Worker.Interval.Duration(), e.cfg.Worker.Blocking)
}

// MustRun starts the worker and panics on error
func (e *ResqueEngine) MustRun(ctx context.Context) {
	if err := e.Run(ctx); err != nil {
		panic(fmt.Sprintf("ResqueEngine.Run failed: %v", err))
	}
}

// PerformChild runs the job a forking parent wrote to r, acting as the
// parent worker, and writes the outcome to report when it is not nil. A
// failing job is recorded, not returned: only a bad envelope or an
// unknown parent yields an error.
func (e *ResqueEngine) PerformChild(ctx context.Context, r io.Reader, report io.Writer) error {
	j, workerID, err := strategy.ReadEnvelope(r, e.rt)
	if err != nil {
		return err
	}
	w, err := core.FromID(e.rt, workerID)
	if err != nil {
		return err
	}
	j.SetOwner(w)
	if !w.Perform(ctx, j) {
		e.logger.Debug("child job failed", "job", j.String(), "worker", workerID)
	}
	if report != nil {
		if err := strategy.WriteReport(report, j); err != nil {
			e.logger.Warn("could not report outcome to parent", "job", j.String(), "error", err)
		}
	}
	return nil
}

// Register adds a handler factory for a job class
func (e *ResqueEngine) Register(class string, factory registry.Factory) error {
	return e.rt.Handlers.Register(class, factory)
}

// RegisterFunc adds a function handler for a job class
func (e *ResqueEngine) RegisterFunc(class string, fn registry.Func) error {
	return e.rt.Handlers.RegisterFunc(class, fn)
}

// Close releases every component the engine opened
func (e *ResqueEngine) Close(ctx context.Context) error {
	var errs []error
	if e.relay != nil {
		if e.publisher != nil {
			e.relay.Detach()
		} else if err := e.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.collector != nil {
		e.collector.Detach()
	}
	if err := tracing.Shutdown(ctx, e.provider); err != nil {
		errs = append(errs, err)
	}
	if e.db != nil && e.ownDB {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.store != nil && e.ownStore {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Component accessors

// Client returns the enqueue and inspection client
func (e *ResqueEngine) Client() *goresque.Client {
	return e.client
}

// Runtime returns the runtime shared by workers and jobs
func (e *ResqueEngine) Runtime() *job.Runtime {
	return e.rt
}

// Failures returns the Redis failure list, which is readable even when
// it is not a configured backend
func (e *ResqueEngine) Failures() *failure.RedisBackend {
	return e.failures
}

// Metrics returns the collector, nil when metrics are off
func (e *ResqueEngine) Metrics() *metrics.Collector {
	return e.collector
}

// Config returns the engine configuration
func (e *ResqueEngine) Config() *config.Config {
	return e.cfg
}
