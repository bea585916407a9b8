package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudshift-labs/surveyor/internal/types"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Model tiers. Analysis-heavy phases (dependency mapping, tech debt,
// readiness scoring) need the deep-reasoning model; mechanical phases
// (field mapping, cleansing) run fine on the cheap tier.
//
// Environment variable overrides:
// - SURVEYOR_MODEL_DEFAULT: model for analysis phases
// - SURVEYOR_MODEL_LIGHT: model for mechanical phases
const (
	// ModelDefault is the high-end model for analysis phases
	ModelDefault = "claude-sonnet-4-5-20250929"

	// ModelLight is the cost-efficient model for mechanical phases
	ModelLight = "claude-3-5-haiku-20241022"
)

// GetDefaultModel returns the analysis-phase model, checking SURVEYOR_MODEL_DEFAULT first
func GetDefaultModel() string {
	if model := os.Getenv("SURVEYOR_MODEL_DEFAULT"); model != "" {
		return model
	}
	return ModelDefault
}

// GetLightModel returns the mechanical-phase model, checking SURVEYOR_MODEL_LIGHT first
func GetLightModel() string {
	if model := os.Getenv("SURVEYOR_MODEL_LIGHT"); model != "" {
		return model
	}
	return ModelLight
}

// lightPhases run on the cheap model tier
var lightPhases = map[string]bool{
	types.PhaseFieldMapping:  true,
	types.PhaseDataCleansing: true,
}

// maxResponseTokens bounds one envelope; larger inventories page through
// checkpoints rather than one giant response
const maxResponseTokens = 8192

// defaultMaxTurns bounds how many envelope turns one phase run may take
const defaultMaxTurns = 4

// Config holds engine configuration
type Config struct {
	APIKey   string      // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model    string      // Force one model for every phase (default: tiered selection)
	Retry    RetryConfig // Retry configuration (uses defaults if not specified)
	MaxTurns int         // Maximum envelope turns per phase run (default: 4)
}

// AnthropicEngine executes discovery phases against the Anthropic API.
// One engine instance is shared by every flow the coordinator runs; the
// circuit breaker, semaphore, and rate limiter protect the upstream
// account across all of them.
type AnthropicEngine struct {
	client   *anthropic.Client
	model    string // non-empty forces this model for all phases
	retry    RetryConfig
	circuit  *CircuitBreaker
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	maxTurns int
}

// Compile-time check that AnthropicEngine implements Engine
var _ Engine = (*AnthropicEngine)(nil)

// NewAnthropicEngine creates the production engine
func NewAnthropicEngine(cfg *Config) (*AnthropicEngine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	var circuit *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		circuit = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
		fmt.Printf("Engine circuit breaker initialized: threshold=%d failures, recovery=%d successes, timeout=%v\n",
			retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}

	var sem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		sem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
		fmt.Printf("Engine concurrency limiter initialized: max_concurrent=%d calls\n", retry.MaxConcurrentCalls)
	}

	var limiter *rate.Limiter
	if retry.RequestsPerSecond > 0 {
		burst := retry.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(retry.RequestsPerSecond), burst)
	}

	return &AnthropicEngine{
		client:   &client,
		model:    cfg.Model,
		retry:    retry,
		circuit:  circuit,
		sem:      sem,
		limiter:  limiter,
		maxTurns: maxTurns,
	}, nil
}

// modelFor picks the model tier for a phase
func (e *AnthropicEngine) modelFor(phase string) string {
	if e.model != "" {
		return e.model
	}
	if lightPhases[phase] {
		return GetLightModel()
	}
	return GetDefaultModel()
}

// RunPhase executes one discovery phase as a sequence of envelope turns.
// Each turn is one API call under retry; a turn that returns a non-empty
// checkpoint is followed by another turn resuming from it. Batches are
// handed to onPartial as they arrive, so an interrupted run leaves its
// completed turns persisted and resumes from the last checkpoint.
func (e *AnthropicEngine) RunPhase(ctx context.Context, req *RunRequest, onPartial PartialFunc) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run request: %w", err)
	}

	model := e.modelFor(req.Phase)
	ix := newAssetIndex(req.ExistingAssets)
	known := make([]*types.Asset, len(req.ExistingAssets))
	copy(known, req.ExistingAssets)

	result := &RunResult{Checkpoint: req.Checkpoint}

	for turn := 0; turn < e.maxTurns; turn++ {
		prompt := buildPhasePrompt(req, result.Checkpoint, known)
		startTime := time.Now()

		var response *anthropic.Message
		operation := fmt.Sprintf("%s turn %d", req.Phase, turn+1)
		err := e.withRetry(ctx, operation, func(attemptCtx context.Context) error {
			resp, apiErr := e.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
				Model:     anthropic.Model(model),
				MaxTokens: maxResponseTokens,
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
				},
			})
			if apiErr != nil {
				return apiErr
			}
			response = resp
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("engine call failed: %w", err)
		}

		var responseText string
		for _, block := range response.Content {
			if block.Type == "text" {
				responseText += block.Text
			}
		}

		envelope, err := decodeEnvelope(responseText)
		if err != nil {
			return nil, fmt.Errorf("failed to decode engine response: %w", err)
		}

		batch := assetsFromPayload(req, ix, envelope.Assets)
		result.Assets = dedupeAssets(append(result.Assets, batch...))
		result.Checkpoint = envelope.Checkpoint
		if envelope.Summary != "" {
			result.Summary = envelope.Summary
		}

		fmt.Printf("Engine phase %s turn %d: %d assets, tokens in=%d out=%d, duration=%v\n",
			req.Phase, turn+1, len(batch), response.Usage.InputTokens, response.Usage.OutputTokens,
			time.Since(startTime).Round(time.Millisecond))

		if onPartial != nil && len(batch) > 0 {
			if err := onPartial(ctx, batch, envelope.Checkpoint); err != nil {
				return nil, fmt.Errorf("failed to persist partial results: %w", err)
			}
		}

		if envelope.Checkpoint == "" {
			return result, nil
		}

		// Later turns must see what earlier turns produced
		known = mergeKnown(known, batch)
	}

	return nil, fmt.Errorf("phase %s incomplete after %d turns (checkpoint: %s)",
		req.Phase, e.maxTurns, truncate(result.Checkpoint, 80))
}

// mergeKnown folds a batch into the known-asset view, replacing assets
// the batch re-emitted and appending new ones
func mergeKnown(known, batch []*types.Asset) []*types.Asset {
	byID := make(map[string]int, len(known))
	for i, a := range known {
		byID[a.ID] = i
	}
	for _, a := range batch {
		if i, ok := byID[a.ID]; ok {
			known[i] = a
			continue
		}
		byID[a.ID] = len(known)
		known = append(known, a)
	}
	return known
}

// HealthCheck reports whether the engine can currently accept work.
// An open circuit means the upstream API is failing; callers should
// surface degradation instead of queueing doomed phase runs.
func (e *AnthropicEngine) HealthCheck(ctx context.Context) error {
	if e.circuit != nil {
		state, failures, _ := e.circuit.GetMetrics()
		switch state {
		case CircuitOpen:
			return fmt.Errorf("engine unavailable: %w (failures=%d, retry in %v)",
				ErrCircuitOpen, failures, e.retry.OpenTimeout)
		case CircuitHalfOpen:
			fmt.Printf("Engine circuit in half-open state (probing for recovery)\n")
		case CircuitClosed:
		}
	}
	return nil
}
