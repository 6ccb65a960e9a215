package loom

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"

	"github.com/loomnet/loom/pkg/wire"
)

type config struct {
	node         wire.NodeID
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	clock        clock.Clock

	pingInterval     time.Duration
	missThreshold    int
	handshakeTimeout time.Duration
	advertInterval   time.Duration

	// costHysteresis suppresses route recomputation when a link cost
	// moved by less than this relative fraction, to avoid route
	// flapping on RTT jitter.
	costHysteresis float64

	rerouteRetries int
	resumeTimeout  time.Duration

	outboundDepth int
	streamDepth   int
	acceptDepth   int
}

// Option to pass to `New`.
type Option func(*config) error

func defaultConfig() config {
	return config{
		clock:            clock.New(),
		pingInterval:     1 * time.Second,
		missThreshold:    3,
		handshakeTimeout: 5 * time.Second,
		advertInterval:   2 * time.Second,
		costHysteresis:   0.25,
		rerouteRetries:   3,
		resumeTimeout:    10 * time.Second,
		outboundDepth:    64,
		streamDepth:      32,
		acceptDepth:      64,
	}
}

// WithNodeID pins the local node identity instead of drawing a random
// one. Identities MUST be unique across the mesh; a link whose remote
// presents our own identity never leaves the handshake.
func WithNodeID(id wire.NodeID) Option {
	return func(c *config) error {
		if id == 0 {
			return ErrInvalidCfg
		}
		c.node = id
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics
// emitted by the router.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// router.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock substitutes the wall clock driving ping probes, handshake
// timeouts and advert broadcasts. Tests inject a mock to force link
// death deterministically.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			return ErrInvalidCfg
		}
		c.clock = clk
		return nil
	}
}

// WithPingInterval controls how often each live link is probed.
func WithPingInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return ErrInvalidCfg
		}
		c.pingInterval = interval
		return nil
	}
}

// WithMissThreshold sets how many consecutive unanswered pings declare
// a link dead. This is the sole failure detector for transports that
// die silently.
func WithMissThreshold(k int) Option {
	return func(c *config) error {
		if k < 1 {
			return ErrInvalidCfg
		}
		c.missThreshold = k
		return nil
	}
}

// WithHandshakeTimeout bounds how long a registered link may stay in
// the handshake before being declared dead.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidCfg
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithAdvertInterval controls how often the local route table is
// re-advertised on every connected link.
func WithAdvertInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return ErrInvalidCfg
		}
		c.advertInterval = interval
		return nil
	}
}

// WithCostHysteresis sets the relative link-cost change below which
// routes are not recomputed. 0 recomputes on every RTT sample.
func WithCostHysteresis(fraction float64) Option {
	return func(c *config) error {
		if fraction < 0 || fraction >= 1 {
			return ErrInvalidCfg
		}
		c.costHysteresis = fraction
		return nil
	}
}

// WithRerouteRetries bounds how many times a relay re-establishes its
// downstream hop after a failure before surfacing ErrRelayFailed.
func WithRerouteRetries(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return ErrInvalidCfg
		}
		c.rerouteRetries = n
		return nil
	}
}

// WithResumeTimeout bounds how long the receiving end of a proxy
// stream waits for the hop chain to be re-established after its
// inbound link died.
func WithResumeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidCfg
		}
		c.resumeTimeout = timeout
		return nil
	}
}
