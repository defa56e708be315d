package checkout

import (
	"time"

	"github.com/merchkit/checkout/logger"
	"github.com/merchkit/checkout/metrics"
	"github.com/merchkit/checkout/resolver"
)

type Option func(*Orchestrator)

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

// WithNotifier routes user-visible session notifications (processing,
// confirmed, failure) to the host's notification surface.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notify = n
	}
}

// WithOnResolved registers the once-per-resolution callback the host uses to
// rewrite its shareable URL with the canonical address.
func WithOnResolved(fn resolver.OnResolvedFunc) Option {
	return func(o *Orchestrator) {
		o.onResolved = fn
	}
}

// WithPreDelay overrides the pacing delay inserted before payload
// construction. Zero disables it.
func WithPreDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.cfg.PreDelay = d
	}
}
