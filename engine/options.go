package engine

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsmith/taskflow/audit"
	im "github.com/flowsmith/taskflow/internal/metrics"
	"github.com/flowsmith/taskflow/metrics"
	"github.com/flowsmith/taskflow/notify"
	"github.com/flowsmith/taskflow/rules"
	"github.com/flowsmith/taskflow/sla"
	"github.com/flowsmith/taskflow/workload"
)

type options struct {
	notifier notify.Notifier
	auditLog audit.Log

	rules               []*rules.Rule
	withoutDefaultRules bool

	balancer  *workload.Balancer
	cacheSize int
	cacheTTL  time.Duration

	slaConfig        sla.Config
	calendar         sla.Calendar
	escalationPolicy sla.EscalationPolicy

	clock          clock.Clock
	logger         *slog.Logger
	metrics        metrics.Client
	tracerProvider trace.TracerProvider
	randSeed       int64
}

type Option func(*options)

// WithNotifier wires the notifier rule actions and escalations deliver
// through. Defaults to discarding notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithAuditLog wires the audit log execution state changes append to.
// Defaults to an in-memory log.
func WithAuditLog(l audit.Log) Option {
	return func(o *options) {
		o.auditLog = l
	}
}

// WithRules registers extra rules on top of the default set.
func WithRules(ruleSet ...*rules.Rule) Option {
	return func(o *options) {
		o.rules = append(o.rules, ruleSet...)
	}
}

// WithoutDefaultRules skips registration of the stock rule set.
func WithoutDefaultRules() Option {
	return func(o *options) {
		o.withoutDefaultRules = true
	}
}

// WithBalancer overrides the workload balancer the engine builds.
func WithBalancer(b *workload.Balancer) Option {
	return func(o *options) {
		o.balancer = b
	}
}

// WithWorkloadCache caches per-user workload metrics in the engine-built
// balancer.
func WithWorkloadCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// WithSLAConfig sets the SLA budgets used by Deadline and CheckViolation.
func WithSLAConfig(cfg sla.Config) Option {
	return func(o *options) {
		o.slaConfig = cfg
	}
}

// WithCalendar sets the business calendar for business-hours SLA math.
func WithCalendar(cal sla.Calendar) Option {
	return func(o *options) {
		o.calendar = cal
	}
}

// WithEscalationPolicy sets the policy ProcessEscalations applies.
func WithEscalationPolicy(policy sla.EscalationPolicy) Option {
	return func(o *options) {
		o.escalationPolicy = policy
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *options) {
		o.metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithRandSeed pins the random assignment strategy's seed.
func WithRandSeed(seed int64) Option {
	return func(o *options) {
		o.randSeed = seed
	}
}

func applyOptions(opts ...Option) *options {
	options := &options{
		notifier:         notify.Discard{},
		slaConfig:        sla.DefaultConfig(),
		calendar:         sla.DefaultCalendar(),
		escalationPolicy: sla.EscalationPolicy{Delay: 4 * time.Hour},
		clock:            clock.New(),
		logger:           slog.Default(),
		metrics:          im.NewNoopMetricsClient(),
		tracerProvider:   trace.NewNoopTracerProvider(),
		randSeed:         rand.Int63(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return options
}
