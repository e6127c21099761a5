package rangemove

// Option configures a Shard with optional dependencies.
type Option func(*shardOptions)

// shardOptions holds optional Shard configuration.
type shardOptions struct {
	hooks   *Hooks
	metrics MetricsCollector
	logger  Logger
	storage Storage
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewShard
//
// Example:
//
//	hooks := &rangemove.Hooks{
//	    OnOwnershipChanged: func(ctx context.Context, layout *rangemove.CollectionLayout) error {
//	        return router.Invalidate(layout.Namespace)
//	    },
//	}
//	shard, err := rangemove.NewShard(&cfg, nc, rangemove.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *shardOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewShard
//
// Example:
//
//	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "rangemove")
//	shard, err := rangemove.NewShard(&cfg, nc, rangemove.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *shardOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewShard
//
// Example:
//
//	logger := zap.NewExample().Sugar()
//	shard, err := rangemove.NewShard(&cfg, nc, rangemove.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *shardOptions) {
		o.logger = logger
	}
}

// WithStorage sets the local storage engine of the shard.
//
// The default is an in-memory engine, which loses its documents on restart.
//
// Parameters:
//   - storage: Storage implementation, safe for concurrent use
//
// Returns:
//   - Option: Functional option for NewShard
func WithStorage(storage Storage) Option {
	return func(o *shardOptions) {
		o.storage = storage
	}
}
