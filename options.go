package meridian

import (
	"log/slog"

	"github.com/meridiandb/meridian/query"
	"github.com/meridiandb/meridian/telemetry"
)

type options struct {
	logger    *slog.Logger
	sink      telemetry.Sink
	queryOpts []query.Option
}

// Option configures a Coordinator.
type Option func(*options)

// WithLogger sets the structured logger, shared with every served
// dataset's orchestrator and runtime. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink sets the telemetry sink, shared with every served dataset.
// Nil keeps the no-op sink.
func WithSink(s telemetry.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithQueryOptions forwards options to every dataset's orchestrator,
// for example a pool size, an admission limit or exec options. Options
// passed to SetupDataset take precedence for that dataset.
func WithQueryOptions(opts ...query.Option) Option {
	return func(o *options) {
		o.queryOpts = append(o.queryOpts, opts...)
	}
}

func applyOptions(fns []Option) options {
	o := options{
		logger: slog.Default(),
		sink:   telemetry.NoopSink{},
	}
	for _, fn := range fns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
