package corosio

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// ExecutionContext is a typed service registry with first-creation
// semantics, plus the owner of the Scheduler and its Executor. Services are constructed once, on first request, and shut
// down in reverse construction order.
type ExecutionContext struct {
	sched  *Scheduler
	logger *Logger

	mu       sync.Mutex
	services map[reflect.Type]any
	order    []reflect.Type
}

// NewContext constructs an ExecutionContext, selecting a reactor variant
// for the current platform (or the portable fallback, via
// WithPortableReactor).
func NewContext(opts ...ContextOption) (*ExecutionContext, error) {
	cfg := resolveContextOptions(opts)

	var r reactor
	var err error
	if cfg.reactor == reactorPortable {
		r, err = newPortableReactor()
	} else {
		r, err = newPlatformReactor()
	}
	if err != nil {
		return nil, err
	}

	ctx := &ExecutionContext{
		sched:    newScheduler(r, cfg.logger, cfg.metricsEnabled),
		logger:   cfg.logger,
		services: make(map[reflect.Type]any),
	}
	return ctx, nil
}

// Executor returns an Executor bound to this context's scheduler.
func (c *ExecutionContext) Executor() Executor { return c.sched.Executor() }

// Scheduler returns the underlying Scheduler, for components (Socket,
// Acceptor, Timer, SignalSet constructors) that need direct access.
func (c *ExecutionContext) Scheduler() *Scheduler { return c.sched }

// Logger returns the context's Logger.
func (c *ExecutionContext) Logger() *Logger { return c.logger }

// Metrics returns a snapshot of the scheduler's runtime statistics; the
// zero Metrics unless the context was constructed with WithMetrics.
func (c *ExecutionContext) Metrics() Metrics { return c.sched.Metrics() }

func (c *ExecutionContext) Run(ctx context.Context) error                     { return c.sched.Run(ctx) }
func (c *ExecutionContext) RunOne(ctx context.Context) (int, error)           { return c.sched.RunOne(ctx) }
func (c *ExecutionContext) Poll(ctx context.Context) (int, error)             { return c.sched.Poll(ctx) }
func (c *ExecutionContext) PollOne(ctx context.Context) (int, error)          { return c.sched.PollOne(ctx) }
func (c *ExecutionContext) WaitOne(ctx context.Context, d time.Duration) (int, error) {
	return c.sched.WaitOne(ctx, d)
}
func (c *ExecutionContext) Stop()                      { c.sched.Stop() }
func (c *ExecutionContext) Restart()                   { c.sched.Restart() }
func (c *ExecutionContext) Stopped() bool              { return c.sched.Stopped() }
func (c *ExecutionContext) RunningInThisThread() bool  { return c.sched.RunningInThisThread() }

// serviceShutdowner is implemented by services that hold resources needing
// explicit release (OS handles, background goroutines) at context
// shutdown time.
type serviceShutdowner interface {
	Shutdown() error
}

// UseService returns the context's instance of the service identified by
// type parameter T, constructing it via construct on first use. Lookup is
// locked, but construct runs unlocked, so a service's own constructor may
// call UseService for another service (nested lookup) without deadlocking.
// If two goroutines race to construct the same service, the second
// construction's result is shut down immediately and discarded in favor
// of the first.
func UseService[T any](ctx *ExecutionContext, construct func(*ExecutionContext) (T, error)) (T, error) {
	key := reflect.TypeOf((*T)(nil)).Elem()

	ctx.mu.Lock()
	if v, ok := ctx.services[key]; ok {
		ctx.mu.Unlock()
		return v.(T), nil
	}
	ctx.mu.Unlock()

	value, err := construct(ctx)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	if existing, ok := ctx.services[key]; ok {
		if closer, ok := any(value).(serviceShutdowner); ok {
			_ = closer.Shutdown()
		}
		return existing.(T), nil
	}
	ctx.services[key] = value
	ctx.order = append(ctx.order, key)
	ctx.logger.Debug().Str("service", key.String()).Log("service constructed")
	return value, nil
}

// MakeService unconditionally constructs a new instance of T and adds it to
// the registry, mirroring boost::asio's make_service<Service>: unlike
// UseService, it never returns an already-existing instance — it reports
// ErrServiceAlreadyExists instead, leaving the existing instance untouched.
// Lookup and construction follow the same locked-lookup/unlocked-construct
// discipline as UseService.
func MakeService[T any](ctx *ExecutionContext, construct func(*ExecutionContext) (T, error)) (T, error) {
	key := reflect.TypeOf((*T)(nil)).Elem()

	ctx.mu.Lock()
	if _, ok := ctx.services[key]; ok {
		ctx.mu.Unlock()
		var zero T
		return zero, ErrServiceAlreadyExists
	}
	ctx.mu.Unlock()

	value, err := construct(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, ok := ctx.services[key]; ok {
		if closer, ok := any(value).(serviceShutdowner); ok {
			_ = closer.Shutdown()
		}
		var zero T
		return zero, ErrServiceAlreadyExists
	}
	ctx.services[key] = value
	ctx.order = append(ctx.order, key)
	ctx.logger.Debug().Str("service", key.String()).Log("service constructed via MakeService")
	return value, nil
}

// FindService returns the already-constructed instance of T, if any.
func FindService[T any](ctx *ExecutionContext) (T, bool) {
	key := reflect.TypeOf((*T)(nil)).Elem()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	v, ok := ctx.services[key]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// HasService reports whether T has already been constructed.
func HasService[T any](ctx *ExecutionContext) bool {
	_, ok := FindService[T](ctx)
	return ok
}

// Shutdown runs every constructed service's Shutdown, in reverse
// construction order, and returns nil if every service succeeded or else
// an *AggregateError holding every failure in the order encountered (its
// First is the first one). Shutdown is the moment
// to cancel every outstanding operation and release OS handles, since
// once the scheduler is gone pending completions can no longer be
// delivered.
func (c *ExecutionContext) Shutdown() error {
	c.mu.Lock()
	order := append([]reflect.Type(nil), c.order...)
	c.mu.Unlock()

	var agg aggregator
	for i := len(order) - 1; i >= 0; i-- {
		c.mu.Lock()
		svc := c.services[order[i]]
		c.mu.Unlock()
		if closer, ok := svc.(serviceShutdowner); ok {
			c.logger.Debug().Str("service", order[i].String()).Log("shutting down service")
			agg.add(closer.Shutdown())
		}
	}
	if err := c.sched.reactorImpl.close(); err != nil {
		agg.add(err)
	}
	return agg.result()
}
