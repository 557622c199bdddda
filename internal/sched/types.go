package sched

import (
	"context"
	"fmt"
	"time"
)

// PriorityLevels maps the named urgency levels to numbers. Lower is more urgent.
type PriorityLevels struct {
	High   float64 `json:"high"`
	Normal float64 `json:"normal"`
	Low    float64 `json:"low"`
}

// Config controls the scheduler.
//
// The app layer maps config.scheduler from the config file into this struct.
// Zero values are replaced by defaults in New (see withDefaults), except
// MaxRetries where zero means no retries.
type Config struct {
	MaxConcurrent  int
	MaxQueueSize   int
	RequestTimeout time.Duration

	Levels PriorityLevels

	MaxRetries int
	// RetryPriorityStep is subtracted from a request's priority on every retry,
	// floored at Levels.High.
	RetryPriorityStep float64

	EnableBatching bool
	BatchTimeout   time.Duration
	MaxBatchSize   int

	EnableDeduplication bool
	DedupTTL            time.Duration
	DedupMaxEntries     int
	// VolatileKeys are stripped from JSON-object payloads before fingerprinting.
	VolatileKeys []string

	EnableComplexityRouting bool
	ComplexityThreshold     float64
	ComplexityTTL           time.Duration
	ComplexityMaxEntries    int

	// JanitorInterval controls how often expired cache entries are pruned.
	JanitorInterval time.Duration
}

// DefaultConfig returns the configuration used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        2,
		MaxQueueSize:         100,
		RequestTimeout:       30 * time.Second,
		Levels:               PriorityLevels{High: 1, Normal: 5, Low: 10},
		MaxRetries:           3,
		RetryPriorityStep:    0.5,
		BatchTimeout:         50 * time.Millisecond,
		MaxBatchSize:         5,
		EnableDeduplication:  true,
		DedupTTL:             5 * time.Minute,
		DedupMaxEntries:      1000,
		VolatileKeys:         []string{"id", "request_id", "timestamp", "created_at", "nonce"},
		ComplexityThreshold:  0.3,
		ComplexityTTL:        time.Hour,
		ComplexityMaxEntries: 1000,
		JanitorInterval:      time.Minute,
	}
}

// withDefaults fills zero fields. Booleans are taken as-is, so callers that want
// deduplication off must say so explicitly.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Levels == (PriorityLevels{}) {
		c.Levels = d.Levels
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryPriorityStep <= 0 {
		c.RetryPriorityStep = d.RetryPriorityStep
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = d.DedupMaxEntries
	}
	if c.VolatileKeys == nil {
		c.VolatileKeys = d.VolatileKeys
	}
	if c.ComplexityThreshold <= 0 {
		c.ComplexityThreshold = d.ComplexityThreshold
	}
	if c.ComplexityTTL <= 0 {
		c.ComplexityTTL = d.ComplexityTTL
	}
	if c.ComplexityMaxEntries <= 0 {
		c.ComplexityMaxEntries = d.ComplexityMaxEntries
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	return c
}

func (c Config) validate() error {
	if c.Levels.High < 0 {
		return fmt.Errorf("priority levels: high must be >= 0, got %v", c.Levels.High)
	}
	if !(c.Levels.High <= c.Levels.Normal && c.Levels.Normal <= c.Levels.Low) {
		return fmt.Errorf("priority levels must satisfy high <= normal <= low, got %v/%v/%v", c.Levels.High, c.Levels.Normal, c.Levels.Low)
	}
	if c.ComplexityThreshold > 1 {
		return fmt.Errorf("complexity threshold must be in (0,1], got %v", c.ComplexityThreshold)
	}
	return nil
}

// ConfigPatch is a partial update for UpdateConfig. Nil fields are left unchanged.
type ConfigPatch struct {
	MaxConcurrent           *int
	MaxQueueSize            *int
	RequestTimeout          *time.Duration
	Levels                  *PriorityLevels
	MaxRetries              *int
	RetryPriorityStep       *float64
	EnableBatching          *bool
	BatchTimeout            *time.Duration
	MaxBatchSize            *int
	EnableDeduplication     *bool
	DedupTTL                *time.Duration
	EnableComplexityRouting *bool
	ComplexityThreshold     *float64
}

func (p ConfigPatch) apply(c Config) (Config, error) {
	if p.MaxConcurrent != nil {
		if *p.MaxConcurrent < 1 {
			return c, fmt.Errorf("max_concurrent must be >= 1, got %d", *p.MaxConcurrent)
		}
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.MaxQueueSize != nil {
		if *p.MaxQueueSize < 1 {
			return c, fmt.Errorf("max_queue_size must be >= 1, got %d", *p.MaxQueueSize)
		}
		c.MaxQueueSize = *p.MaxQueueSize
	}
	if p.RequestTimeout != nil {
		if *p.RequestTimeout <= 0 {
			return c, fmt.Errorf("request_timeout must be > 0")
		}
		c.RequestTimeout = *p.RequestTimeout
	}
	if p.Levels != nil {
		c.Levels = *p.Levels
	}
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return c, fmt.Errorf("max_retries must be >= 0, got %d", *p.MaxRetries)
		}
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryPriorityStep != nil {
		if *p.RetryPriorityStep < 0 {
			return c, fmt.Errorf("retry_priority_step must be >= 0")
		}
		c.RetryPriorityStep = *p.RetryPriorityStep
	}
	if p.EnableBatching != nil {
		c.EnableBatching = *p.EnableBatching
	}
	if p.BatchTimeout != nil {
		if *p.BatchTimeout <= 0 {
			return c, fmt.Errorf("batch_timeout must be > 0")
		}
		c.BatchTimeout = *p.BatchTimeout
	}
	if p.MaxBatchSize != nil {
		if *p.MaxBatchSize < 1 {
			return c, fmt.Errorf("max_batch_size must be >= 1, got %d", *p.MaxBatchSize)
		}
		c.MaxBatchSize = *p.MaxBatchSize
	}
	if p.EnableDeduplication != nil {
		c.EnableDeduplication = *p.EnableDeduplication
	}
	if p.DedupTTL != nil {
		if *p.DedupTTL <= 0 {
			return c, fmt.Errorf("dedup_ttl must be > 0")
		}
		c.DedupTTL = *p.DedupTTL
	}
	if p.EnableComplexityRouting != nil {
		c.EnableComplexityRouting = *p.EnableComplexityRouting
	}
	if p.ComplexityThreshold != nil {
		if *p.ComplexityThreshold <= 0 {
			return c, fmt.Errorf("complexity_threshold must be in (0,1]")
		}
		c.ComplexityThreshold = *p.ComplexityThreshold
	}
	return c, c.validate()
}

// State is the lifecycle state of a request.
type State int

const (
	StateQueued State = iota
	StateDispatched
	StateCompleted
	StateFailed
	StateRetrying
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRetrying:
		return "retrying"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Route is the backend hint derived from the complexity score.
type Route string

const (
	RouteStandard Route = "standard"
	RouteFast     Route = "fast"
)

// Request is what callers submit.
type Request struct {
	// ID is generated when empty.
	ID      string
	Payload any
	// Priority 0 means the configured normal level.
	Priority float64
	// Fingerprint overrides the computed dedup key.
	Fingerprint string
	// Stream marks streaming calls; they are never batched.
	Stream bool
	// Timeout overrides Config.RequestTimeout for this request.
	Timeout time.Duration
	Labels  map[string]string
}

// Call is what the executor receives for one request.
type Call struct {
	ID       string
	Payload  any
	Attempt  int
	Priority float64
	Score    float64
	Route    Route
	Labels   map[string]string
}

// Executor performs the downstream model call. Payload and response are opaque
// to the scheduler; only the error is inspected (see Classify).
//
// Execute must return promptly once ctx is done. The scheduler cancels ctx
// when the request times out or every caller has cancelled, and frees the
// concurrency slot at that point, so an executor that keeps working after
// cancellation runs outside the MaxConcurrent bound.
type Executor interface {
	Execute(ctx context.Context, call Call) (any, error)
}

// BatchExecutor is implemented by executors that accept several calls at once.
// The returned slice must be ordered like calls; an element that is an error
// fails only that member.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, calls []Call) ([]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

// Status is returned by Scheduler.Status.
type Status struct {
	Running       bool            `json:"running"`
	QueueLength   int             `json:"queue_length"`
	WindowLength  int             `json:"window_length"`
	InFlight      int             `json:"in_flight"`
	MaxConcurrent int             `json:"max_concurrent"`
	MaxQueueSize  int             `json:"max_queue_size"`
	DedupEntries  int             `json:"dedup_entries"`
	Metrics       MetricsSnapshot `json:"metrics"`
}
