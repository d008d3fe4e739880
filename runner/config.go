package runner

import (
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/logging"
	"github.com/hupe1980/starmesh/stream"
)

// LoopPolicy decides what happens when an eval node keeps asking for
// another loop after the cap has been reached.
type LoopPolicy string

const (
	// LoopPolicyForceContinue rewrites the decision to continue and marks it forced.
	LoopPolicyForceContinue LoopPolicy = "force_continue"
	// LoopPolicyFail fails the run with core.ErrLoopLimitExceeded.
	LoopPolicyFail LoopPolicy = "fail"
)

// Config holds the tunables of a Runner.
type Config struct {
	// MaxLoopIterations caps loop traversals per eval node. A constellation's
	// own positive MaxLoopIterations takes precedence.
	MaxLoopIterations int
	LoopPolicy        LoopPolicy
	// MaxConcurrency bounds the nodes executed at once within a wave
	// (0 = unbounded).
	MaxConcurrency int
	// CacheSize and CacheTTL bound the resident run cache used by GetRun.
	CacheSize int
	CacheTTL  time.Duration
	// SynthesisStarID is the fallback synthesis star for constellations that
	// do not name one.
	SynthesisStarID string
	// MaxModelCalls limits LLM calls per Start or Resume invocation (0 = unlimited).
	MaxModelCalls int
	// DefaultConfirmationPrompt is used for confirmation nodes without a prompt.
	DefaultConfirmationPrompt string
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		MaxLoopIterations:         3,
		LoopPolicy:                LoopPolicyForceContinue,
		CacheSize:                 1024,
		CacheTTL:                  10 * time.Minute,
		DefaultConfirmationPrompt: "Review the output of this step and confirm to continue.",
	}
}

// Metrics receives run level measurements. *metrics.Recorder implements it;
// when the value also implements stream.ErrorObserver, swallowed sink
// errors are reported to it as well.
type Metrics interface {
	RunStarted()
	RunFinished(status core.RunStatus, d time.Duration)
	NodeFinished(kind core.StarKind, status core.NodeStatus, d time.Duration)
	LoopIteration(forced bool)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted() {}

func (noopMetrics) RunFinished(core.RunStatus, time.Duration) {}

func (noopMetrics) NodeFinished(core.StarKind, core.NodeStatus, time.Duration) {}

func (noopMetrics) LoopIteration(bool) {}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	Config Config
	// Store persists constellations and runs (default: store.NewMemoryStore()).
	Store core.OrchestrationStore
	// Sink receives the events of every run.
	Sink stream.Sink
	// Logger (default: no-op).
	Logger logging.Logger
	// Metrics (default: no-op).
	Metrics Metrics
	// Artifacts is handed to stars through the execution context
	// (default: artifact.NewInMemoryStore()).
	Artifacts core.ArtifactStore
	// Memory is handed to stars through the execution context
	// (default: memory.NewInMemoryStore()).
	Memory core.MemoryBackend
}
