package corosio

// contextOptions holds the resolved configuration for a new
// ExecutionContext.
type contextOptions struct {
	concurrencyHint int
	reactor         reactorKind
	logger          *Logger
	metricsEnabled  bool
}

// ContextOption configures an ExecutionContext at construction.
type ContextOption func(*contextOptions)

// WithConcurrencyHint supplies the informational-only concurrency hint
// described in the external interface: it does not change semantics. The
// value is stored in the context's options; NewContext does not consult it
// when choosing a reactor variant.
func WithConcurrencyHint(n int) ContextOption {
	return func(o *contextOptions) {
		if n > 0 {
			o.concurrencyHint = n
		}
	}
}

// reactorKind names the selectable backend; auto means "the platform
// default", leaving the portable level-triggered variant available for
// explicit opt-in on any platform (handy for exercising that code path in
// tests regardless of GOOS).
type reactorKind int

const (
	reactorAuto reactorKind = iota
	reactorPortable
)

// WithPortableReactor forces the portable, select-based, level-triggered
// reactor variant instead of the platform's native backend. Useful for
// testing that code path on Linux and Darwin; on Windows the portable
// variant is the IOCP reactor. The portable variant rejects descriptors at
// or above FD_SETSIZE with ErrFDTooLarge.
func WithPortableReactor() ContextOption {
	return func(o *contextOptions) {
		o.reactor = reactorPortable
	}
}

// WithMetrics enables runtime metrics collection on the context's
// scheduler: dispatch-latency percentiles, dispatch throughput, and
// completion-queue depth, read back via Metrics(). Disabled by default;
// a disabled scheduler pays nothing on the dispatch path.
func WithMetrics(enabled bool) ContextOption {
	return func(o *contextOptions) {
		o.metricsEnabled = enabled
	}
}

// WithLogger installs a Logger on the ExecutionContext. Without this
// option, the context logs nowhere.
func WithLogger(l *Logger) ContextOption {
	return func(o *contextOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func resolveContextOptions(opts []ContextOption) *contextOptions {
	cfg := &contextOptions{
		concurrencyHint: 1,
		logger:          discardLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg
}
