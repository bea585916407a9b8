package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// ErrInjectedFault is the default error a StubEngine returns for an
// injected failure
var ErrInjectedFault = errors.New("injected engine fault")

// StubEngine is a deterministic in-process engine for tests and local
// development. It fabricates a fixed inventory in import_inventory and
// enriches it through the remaining phases, producing the same asset
// progression on every run. Failure injection and multi-batch delivery
// exercise the coordinator's partial-persistence and resume paths
// without a network dependency.
//
// Configure fields before first use; the engine itself is safe for
// concurrent runs.
type StubEngine struct {
	// AssetCount is how many assets import_inventory fabricates (default 3)
	AssetCount int
	// Batches splits each phase's output into this many partial deliveries (default 1)
	Batches int
	// SeedConflicts adds disagreeing multi-source observations to the
	// fabricated inventory: one wide-spread disagreement on host-01
	// os_version and one near-agreement on host-02 memory_mb
	SeedConflicts bool
	// FailuresByPhase injects this many failures per phase before the
	// phase is allowed to succeed. Each injected failure delivers one
	// partial batch first, so retries resume mid-phase.
	FailuresByPhase map[string]int
	// FailErr overrides ErrInjectedFault
	FailErr error
	// Unhealthy makes HealthCheck fail with this error
	Unhealthy error
	// Delay simulates run latency (cancellation tests)
	Delay time.Duration

	mu    sync.Mutex
	calls map[string]int
}

// Compile-time check that StubEngine implements Engine
var _ Engine = (*StubEngine)(nil)

// NewStubEngine returns a stub with default settings
func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

// Calls reports how many times RunPhase ran for a phase
func (s *StubEngine) Calls(phase string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[phase]
}

// HealthCheck reports the configured health state
func (s *StubEngine) HealthCheck(ctx context.Context) error {
	if s.Unhealthy != nil {
		return s.Unhealthy
	}
	return nil
}

// RunPhase produces the deterministic output for one phase, honoring
// batch splitting, checkpoint resume, and failure injection.
func (s *StubEngine) RunPhase(ctx context.Context, req *RunRequest, onPartial PartialFunc) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run request: %w", err)
	}

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.Phase]++
	injectFailure := false
	if s.FailuresByPhase[req.Phase] > 0 {
		s.FailuresByPhase[req.Phase]--
		injectFailure = true
	}
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	batches := s.Batches
	if batches < 1 {
		batches = 1
	}

	parts := splitPayloads(s.payloadsFor(req), batches)
	start := resumeIndex(req.Checkpoint, req.Phase)
	if start > len(parts) {
		start = len(parts)
	}

	if injectFailure && start >= len(parts) {
		failErr := s.FailErr
		if failErr == nil {
			failErr = ErrInjectedFault
		}
		return nil, fmt.Errorf("phase %s: %w", req.Phase, failErr)
	}

	ix := newAssetIndex(req.ExistingAssets)
	result := &RunResult{}

	for i := start; i < len(parts); i++ {
		batch := assetsFromPayload(req, ix, parts[i])

		// An injected fault still delivers its batch first, leaving a
		// checkpoint that lets the retry pick up at the next batch
		if injectFailure {
			if onPartial != nil && len(batch) > 0 {
				checkpoint := fmt.Sprintf("stub:%s:batch=%d", req.Phase, i+1)
				if err := onPartial(ctx, batch, checkpoint); err != nil {
					return nil, fmt.Errorf("failed to persist partial results: %w", err)
				}
			}
			failErr := s.FailErr
			if failErr == nil {
				failErr = ErrInjectedFault
			}
			return nil, fmt.Errorf("phase %s: %w", req.Phase, failErr)
		}

		checkpoint := ""
		if i+1 < len(parts) {
			checkpoint = fmt.Sprintf("stub:%s:batch=%d", req.Phase, i+1)
		}
		if onPartial != nil && len(batch) > 0 {
			if err := onPartial(ctx, batch, checkpoint); err != nil {
				return nil, fmt.Errorf("failed to persist partial results: %w", err)
			}
		}
		result.Assets = dedupeAssets(append(result.Assets, batch...))
	}

	result.Checkpoint = ""
	result.Summary = fmt.Sprintf("%s produced %d assets", req.Phase, len(result.Assets))
	return result, nil
}

// payloadsFor fabricates the envelope entries for one phase
func (s *StubEngine) payloadsFor(req *RunRequest) []assetPayload {
	switch req.Phase {
	case types.PhaseImportInventory:
		return s.importPayloads()
	case types.PhaseFieldMapping:
		return mappingPayloads(req.ExistingAssets)
	case types.PhaseDataCleansing:
		return cleansingPayloads(req.ExistingAssets)
	case types.PhaseAssetInventory:
		return inventoryPayloads(req.ExistingAssets)
	case types.PhaseDependencyAnalysis:
		return dependencyPayloads(req.ExistingAssets)
	case types.PhaseTechDebtAnalysis:
		return techDebtPayloads(req.ExistingAssets)
	case types.PhaseReadinessAssessment:
		return readinessPayloads(req.ExistingAssets)
	default:
		return nil
	}
}

func (s *StubEngine) importPayloads() []assetPayload {
	count := s.AssetCount
	if count < 1 {
		count = 3
	}
	kinds := []string{"server", "database", "application"}
	osFamilies := []string{"linux", "windows"}
	environments := []string{"production", "staging"}

	payloads := make([]assetPayload, 0, count+4)
	for i := 0; i < count; i++ {
		payloads = append(payloads, assetPayload{
			Name:       fmt.Sprintf("host-%02d", i+1),
			Kind:       kinds[i%len(kinds)],
			Source:     string(types.SourceRawImport),
			Confidence: 0.95,
			Fields: map[string]string{
				"ip_address":  fmt.Sprintf("10.0.0.%d", i+1),
				"os_family":   osFamilies[i%len(osFamilies)],
				"environment": environments[i%len(environments)],
			},
		})
	}

	if s.SeedConflicts && count >= 2 {
		payloads = append(payloads,
			// Wide spread on host-01 os_version: 0.9 vs 0.5
			assetPayload{Name: "host-01", Source: string(types.SourceRawImport), Confidence: 0.9,
				Fields: map[string]string{"os_version": "7.9"}},
			assetPayload{Name: "host-01", Source: string(types.SourceQuestionnaire), Confidence: 0.5,
				Fields: map[string]string{"os_version": "8.1"}},
			// Near agreement on host-02 memory_mb: 0.9 vs 0.82
			assetPayload{Name: "host-02", Source: string(types.SourceRawImport), Confidence: 0.9,
				Fields: map[string]string{"memory_mb": "4096"}},
			assetPayload{Name: "host-02", Source: string(types.SourceQuestionnaire), Confidence: 0.82,
				Fields: map[string]string{"memory_mb": "4100"}},
		)
	}
	return payloads
}

func mappingPayloads(assets []*types.Asset) []assetPayload {
	var payloads []assetPayload
	for _, a := range sortedByName(assets) {
		payloads = append(payloads, assetPayload{
			ID:         a.ID,
			Name:       a.Name,
			Source:     string(types.SourceAgentNormalized),
			Confidence: 0.85,
			Fields: map[string]string{
				"fqdn": strings.ToLower(a.Name) + ".corp.example.com",
			},
		})
	}
	return payloads
}

func cleansingPayloads(assets []*types.Asset) []assetPayload {
	var payloads []assetPayload
	for _, a := range sortedByName(assets) {
		payloads = append(payloads, assetPayload{
			ID:               a.ID,
			Name:             a.Name,
			Source:           string(types.SourceAgentNormalized),
			Confidence:       0.9,
			ValidationStatus: string(types.AssetValid),
		})
	}
	return payloads
}

func inventoryPayloads(assets []*types.Asset) []assetPayload {
	var payloads []assetPayload
	for _, a := range sortedByName(assets) {
		kind := a.Kind
		if kind == "" {
			kind = "server"
		}
		payloads = append(payloads, assetPayload{
			ID:         a.ID,
			Name:       a.Name,
			Kind:       kind,
			Source:     string(types.SourceAgentNormalized),
			Confidence: 0.85,
		})
	}
	return payloads
}

func dependencyPayloads(assets []*types.Asset) []assetPayload {
	ordered := sortedByName(assets)
	if len(ordered) == 0 {
		return nil
	}
	anchor := ordered[0]

	var dependents []string
	for _, a := range ordered[1:] {
		dependents = append(dependents, a.Name)
	}

	payloads := []assetPayload{{
		ID:         anchor.ID,
		Name:       anchor.Name,
		Source:     string(types.SourceAgentNormalized),
		Confidence: 0.8,
		Fields:     map[string]string{"dependents": strings.Join(dependents, ",")},
	}}
	for _, a := range ordered[1:] {
		payloads = append(payloads, assetPayload{
			ID:         a.ID,
			Name:       a.Name,
			Source:     string(types.SourceAgentNormalized),
			Confidence: 0.8,
			Fields:     map[string]string{"depends_on": anchor.Name},
		})
	}
	return payloads
}

func techDebtPayloads(assets []*types.Asset) []assetPayload {
	levels := []string{"low", "medium"}
	var payloads []assetPayload
	for i, a := range sortedByName(assets) {
		fields := map[string]string{"tech_debt_level": levels[i%len(levels)]}
		if levels[i%len(levels)] == "medium" {
			fields["tech_debt_notes"] = "os approaching end of support"
		}
		payloads = append(payloads, assetPayload{
			ID:         a.ID,
			Name:       a.Name,
			Source:     string(types.SourceAgentNormalized),
			Confidence: 0.75,
			Fields:     fields,
		})
	}
	return payloads
}

func readinessPayloads(assets []*types.Asset) []assetPayload {
	var payloads []assetPayload
	for _, a := range sortedByName(assets) {
		score := 0.9
		if a.ValidationStatus != types.AssetValid {
			score = 0.35
		}
		payloads = append(payloads, assetPayload{
			ID:             a.ID,
			Name:           a.Name,
			Source:         string(types.SourceAgentNormalized),
			Confidence:     0.8,
			ReadinessScore: score,
		})
	}
	return payloads
}

func sortedByName(assets []*types.Asset) []*types.Asset {
	out := make([]*types.Asset, len(assets))
	copy(out, assets)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// splitPayloads chunks payloads into n near-equal parts, preserving order
func splitPayloads(payloads []assetPayload, n int) [][]assetPayload {
	if len(payloads) == 0 {
		return make([][]assetPayload, 1)
	}
	if n > len(payloads) {
		n = len(payloads)
	}
	size := (len(payloads) + n - 1) / n
	var parts [][]assetPayload
	for start := 0; start < len(payloads); start += size {
		end := start + size
		if end > len(payloads) {
			end = len(payloads)
		}
		parts = append(parts, payloads[start:end])
	}
	return parts
}

// resumeIndex extracts the batch offset from a stub checkpoint. Foreign
// checkpoint formats mean a fresh start.
func resumeIndex(checkpoint, phase string) int {
	prefix := fmt.Sprintf("stub:%s:batch=", phase)
	if !strings.HasPrefix(checkpoint, prefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(checkpoint, prefix))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
