package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface on load and on hot reload.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Downstream DownstreamConfig `json:"downstream"`
	Server     ServerConfig     `json:"server"`

	Storage      *StorageConfig     `json:"storage,omitempty"`
	Pprof        PprofConfig        `json:"pprof,omitempty"`
	StatusReport StatusReportConfig `json:"status_report,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig maps onto sched.Config. Omitted fields keep the scheduler
// defaults; pointer fields distinguish "omitted" from an explicit zero/false.
//
// Defaults:
//   - max_concurrent: 2
//   - max_queue_size: 100
//   - request_timeout: "30s"
//   - priority_levels: {high: 1, normal: 5, low: 10}
//   - max_retries: 3
//   - retry_priority_step: 0.5
//   - batch_timeout: "50ms", max_batch_size: 5
//   - enable_deduplication: true, dedup_ttl: "5m", dedup_max_entries: 1000
//   - complexity_threshold: 0.3, complexity_ttl: "1h"
//   - janitor_interval: "1m"
type SchedulerConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	MaxQueueSize   int    `json:"max_queue_size,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	PriorityLevels *PriorityLevelsConfig `json:"priority_levels,omitempty"`

	MaxRetries        *int    `json:"max_retries,omitempty"`
	RetryPriorityStep float64 `json:"retry_priority_step,omitempty"`

	EnableBatching bool   `json:"enable_batching,omitempty"`
	BatchTimeout   string `json:"batch_timeout,omitempty"`
	MaxBatchSize   int    `json:"max_batch_size,omitempty"`

	EnableDeduplication *bool    `json:"enable_deduplication,omitempty"`
	DedupTTL            string   `json:"dedup_ttl,omitempty"`
	DedupMaxEntries     int      `json:"dedup_max_entries,omitempty"`
	VolatileKeys        []string `json:"volatile_keys,omitempty"`

	EnableComplexityRouting bool    `json:"enable_complexity_routing,omitempty"`
	ComplexityThreshold     float64 `json:"complexity_threshold,omitempty"`
	ComplexityTTL           string  `json:"complexity_ttl,omitempty"`

	JanitorInterval string `json:"janitor_interval,omitempty"`
}

type PriorityLevelsConfig struct {
	High   float64 `json:"high"`
	Normal float64 `json:"normal"`
	Low    float64 `json:"low"`
}

// DownstreamConfig points at the model-serving endpoint.
//
// Example:
//
//	"downstream": { "base_url": "http://127.0.0.1:11434", "path": "/v1/chat/completions", "model": "llama3:8b", "fast_model": "llama3.2:1b" }
type DownstreamConfig struct {
	BaseURL string `json:"base_url"`
	Path    string `json:"path,omitempty"` // default: "/v1/chat/completions"
	// BatchPath enables batch dispatch when set. The endpoint receives a JSON
	// array of payloads and must answer with an array of the same length.
	BatchPath string `json:"batch_path,omitempty"`

	Model     string `json:"model,omitempty"`
	FastModel string `json:"fast_model,omitempty"`

	APIKey  string            `json:"api_key,omitempty"` // sent as a bearer token (do not log)
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds a single HTTP exchange. When empty the scheduler's
	// request_timeout is the only bound.
	Timeout string `json:"timeout,omitempty"`

	// RatePerSec limits outgoing HTTP requests. 0 disables limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// ServerConfig controls the HTTP gateway in front of the scheduler.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8090"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// Token, when set, is required as a bearer token on every route (do not log).
	Token string `json:"token,omitempty"`
}

// StorageConfig controls the optional outcome journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/outcomes.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retain      int    `json:"retain,omitempty"`       // default: 10000 outcomes
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// StatusReportConfig logs a scheduler status line on a cron schedule.
type StatusReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec or descriptor; default "@every 1m"
}
