package runtime

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/agentrun/runtime/agent"
)

// Option defaults.
const (
	DefaultAgentTimeout             = 5 * time.Minute
	DefaultStateTTL                 = 24 * time.Hour
	DefaultLockTTL                  = 10 * time.Minute
	DefaultSignalTTL                = 10 * time.Minute
	DefaultCancellationPollInterval = 2 * time.Second
	DefaultDownloadURLExpiry        = time.Hour
	DefaultOutputValidationRetries  = 3
)

// Options tunes the runtime. The zero value is completed by Normalize.
type Options struct {
	// AgentTimeout bounds active execution per run. Manifests may override
	// it per agent.
	AgentTimeout time.Duration

	// StateTTL is the cache lifetime of persisted agent states.
	StateTTL time.Duration

	// LockTTL is the run lock lifetime. It doubles as the crash-detection
	// heartbeat.
	LockTTL time.Duration

	// SignalTTL is the cancellation signal lifetime. Must be at least
	// LockTTL so a cancel outlives any crashed holder.
	SignalTTL time.Duration

	// CancellationPollInterval is the cooperative poll period.
	CancellationPollInterval time.Duration

	// DownloadURLExpiry is the signed blob URL lifetime minted on state
	// load.
	DownloadURLExpiry time.Duration

	// OutputValidationMaxRetries caps corrective re-prompts when the
	// manifest declares an output schema.
	OutputValidationMaxRetries int

	// StreamBuffer is the streaming pipeline's channel capacity. Zero
	// means the stream package default.
	StreamBuffer int
}

// optionsFile is the YAML shape of an options file. Durations use the units
// of the corresponding option names.
type optionsFile struct {
	AgentTimeoutMS                int64 `yaml:"agentTimeout"`
	AgentStateTTLSeconds          int64 `yaml:"agentStateTtl"`
	AgentRunLockTTLSeconds        int64 `yaml:"agentRunLockTtl"`
	CancellationSignalTTLSeconds  int64 `yaml:"cancellationSignalTtl"`
	CancellationPollIntervalMS    int64 `yaml:"cancellationPollIntervalMs"`
	AgentDownloadURLExpirySeconds int64 `yaml:"agentDownloadUrlExpirySeconds"`
	OutputValidationMaxRetries    *int  `yaml:"outputValidationMaxRetries"`
	StreamBuffer                  int   `yaml:"streamBuffer"`
}

// Normalize fills zero fields with defaults and validates TTL relationships.
func (o *Options) Normalize() error {
	if o.AgentTimeout <= 0 {
		o.AgentTimeout = DefaultAgentTimeout
	}
	if o.StateTTL <= 0 {
		o.StateTTL = DefaultStateTTL
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.SignalTTL <= 0 {
		o.SignalTTL = DefaultSignalTTL
	}
	if o.CancellationPollInterval <= 0 {
		o.CancellationPollInterval = DefaultCancellationPollInterval
	}
	if o.DownloadURLExpiry <= 0 {
		o.DownloadURLExpiry = DefaultDownloadURLExpiry
	}
	if o.OutputValidationMaxRetries < 0 {
		return agent.ValidationErrorf("outputValidationMaxRetries must not be negative")
	}
	if o.OutputValidationMaxRetries == 0 {
		o.OutputValidationMaxRetries = DefaultOutputValidationRetries
	}
	if o.SignalTTL < o.LockTTL {
		return agent.ValidationErrorf("cancellation signal TTL %s must be at least the lock TTL %s", o.SignalTTL, o.LockTTL)
	}
	return nil
}

// LoadOptions reads an options YAML file and normalizes the result.
func LoadOptions(path string) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, agent.ValidationErrorf("read options file %s: %v", path, err)
	}
	var file optionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return opts, agent.ValidationErrorf("parse options file %s: %v", path, err)
	}
	opts = Options{
		AgentTimeout:             time.Duration(file.AgentTimeoutMS) * time.Millisecond,
		StateTTL:                 time.Duration(file.AgentStateTTLSeconds) * time.Second,
		LockTTL:                  time.Duration(file.AgentRunLockTTLSeconds) * time.Second,
		SignalTTL:                time.Duration(file.CancellationSignalTTLSeconds) * time.Second,
		CancellationPollInterval: time.Duration(file.CancellationPollIntervalMS) * time.Millisecond,
		DownloadURLExpiry:        time.Duration(file.AgentDownloadURLExpirySeconds) * time.Second,
		StreamBuffer:             file.StreamBuffer,
	}
	if file.OutputValidationMaxRetries != nil {
		opts.OutputValidationMaxRetries = *file.OutputValidationMaxRetries
	}
	if err := opts.Normalize(); err != nil {
		return opts, err
	}
	// An explicit zero in the file means no retries; Normalize treats zero
	// as unset so restore it.
	if file.OutputValidationMaxRetries != nil {
		opts.OutputValidationMaxRetries = *file.OutputValidationMaxRetries
	}
	return opts, nil
}
