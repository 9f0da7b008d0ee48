package services

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultLoanPeriod is the time a member may keep borrowed copies.
	DefaultLoanPeriod = 14 * 24 * time.Hour

	// DefaultSweepBatchSize bounds how many requests one sweep transaction locks.
	DefaultSweepBatchSize = 500

	tracerName = "lending/services"
)

var (
	// ErrNonPositiveLoanPeriod is returned when WithLoanPeriod gets a zero or negative duration.
	ErrNonPositiveLoanPeriod = errors.New("loan period must be positive")

	// ErrNonPositiveBatchSize is returned when WithBatchSize gets a zero or negative size.
	ErrNonPositiveBatchSize = errors.New("batch size must be positive")

	// ErrNilClock is returned when WithClock gets nil.
	ErrNilClock = errors.New("clock must not be nil")
)

// Option configures the components of this package.
type Option func(*options) error

type options struct {
	now        func() time.Time
	loanPeriod time.Duration
	batchSize  int
	logger     *slog.Logger
	tracer     trace.Tracer
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		now:        func() time.Time { return time.Now().UTC() },
		loanPeriod: DefaultLoanPeriod,
		batchSize:  DefaultSweepBatchSize,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// WithClock replaces the wall clock. Tests use it to pin "now".
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return ErrNilClock
		}
		o.now = now
		return nil
	}
}

// WithLoanPeriod sets the global loan period applied on finalization.
func WithLoanPeriod(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return ErrNonPositiveLoanPeriod
		}
		o.loanPeriod = d
		return nil
	}
}

// WithBatchSize sets how many overdue requests one sweep transaction handles.
func WithBatchSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return ErrNonPositiveBatchSize
		}
		o.batchSize = n
		return nil
	}
}

// WithLogger sets the structured logger. A nil logger keeps the default, which discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		if l != nil {
			o.logger = l
		}
		return nil
	}
}

// WithTracer overrides the tracer obtained from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) error {
		if t != nil {
			o.tracer = t
		}
		return nil
	}
}
