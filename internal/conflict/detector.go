// Package conflict detects and resolves disagreements between provenance
// sources over asset fields. Detection runs opportunistically after each
// phase; resolution is a tenant-facing operation that propagates the chosen
// value back into the asset's normalized fields.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Config holds detection thresholds
type Config struct {
	// HighSeverityThreshold is the confidence spread above which a
	// conflict is classified high
	HighSeverityThreshold float64
	// AutoResolveThreshold is the spread below which the top value is
	// adopted automatically, for tenants that opted in
	AutoResolveThreshold float64
}

// DefaultConfig returns the default detection thresholds
func DefaultConfig() *Config {
	return &Config{
		HighSeverityThreshold: 0.3,
		AutoResolveThreshold:  0.1,
	}
}

// Validate checks threshold sanity
func (c *Config) Validate() error {
	if c.HighSeverityThreshold <= 0 || c.HighSeverityThreshold > 1 {
		return fmt.Errorf("high severity threshold must be in (0.0, 1.0] (got %g)", c.HighSeverityThreshold)
	}
	if c.AutoResolveThreshold < 0 || c.AutoResolveThreshold > 1 {
		return fmt.Errorf("auto-resolve threshold must be in [0.0, 1.0] (got %g)", c.AutoResolveThreshold)
	}
	if c.AutoResolveThreshold > c.HighSeverityThreshold {
		return fmt.Errorf("auto-resolve threshold %g exceeds high severity threshold %g",
			c.AutoResolveThreshold, c.HighSeverityThreshold)
	}
	return nil
}

// Detector finds provenance disagreements and manages their resolution
// records. Safe for concurrent use.
type Detector struct {
	store  storage.Storage
	config *Config
}

// NewDetector creates a detector with the given thresholds
func NewDetector(store storage.Storage, cfg *Config) (*Detector, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conflict config: %w", err)
	}
	return &Detector{store: store, config: cfg}, nil
}

// DetectAssets scans the given assets for fields where provenance sources
// disagree and upserts a conflict record per disagreement. A resolved
// conflict whose value set has not changed keeps its resolution; a new
// value reopens it. Tenants that opted in get narrow-spread conflicts
// resolved automatically in favor of the highest-confidence value.
func (d *Detector) DetectAssets(ctx context.Context, scope types.TenantScope, flowID, phase string, assets []*types.Asset) (*events.ConflictsDetectedData, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, phase, err.Error())
	}

	settings, err := d.store.GetTenantSettings(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}

	summary := &events.ConflictsDetectedData{Phase: phase, AssetsScanned: len(assets)}
	now := time.Now().UTC()

	for _, asset := range assets {
		byField := candidateValues(asset)

		// Sorted field order keeps upserts and events deterministic
		fields := make([]string, 0, len(byField))
		for field := range byField {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			values := byField[field]
			if len(values) < 2 {
				continue
			}

			existing, err := d.store.GetConflict(ctx, scope, asset.ID, field)
			if err != nil {
				return nil, fmt.Errorf("failed to load conflict for %s.%s: %w", asset.ID, field, err)
			}
			if existing != nil && existing.ResolutionStatus.IsResolved() && sameValueSet(existing.ConflictingValues, values) {
				// The disagreement a human (or the auto-resolver) already
				// settled has not changed
				continue
			}

			record := &types.ConflictRecord{
				ID:                uuid.New().String(),
				AssetID:           asset.ID,
				FlowID:            flowID,
				ClientAccountID:   scope.ClientAccountID,
				EngagementID:      scope.EngagementID,
				Field:             field,
				ConflictingValues: values,
				Severity:          d.severityFor(values),
				ResolutionStatus:  types.ResolutionPending,
				DetectedAt:        now,
			}
			if existing != nil {
				record.ID = existing.ID
			}
			if asset.FlowID != "" {
				record.FlowID = asset.FlowID
			}

			autoResolved := false
			if settings.AutoResolveConflicts && spreadOf(values) < d.config.AutoResolveThreshold {
				record.ResolutionStatus = types.ResolutionAutoResolved
				record.ResolvedValue = values[0].Value
				record.ResolvedBy = "auto-resolver"
				record.Rationale = fmt.Sprintf("confidence spread %.2f below auto-resolve threshold %.2f; adopted %s value",
					spreadOf(values), d.config.AutoResolveThreshold, values[0].Source)
				record.ResolvedAt = &now
				autoResolved = true
			}

			if err := d.store.UpsertConflict(ctx, record); err != nil {
				return nil, fmt.Errorf("failed to upsert conflict for %s.%s: %w", asset.ID, field, err)
			}
			if autoResolved {
				if err := d.store.SetAssetNormalizedField(ctx, scope, asset.ID, field, record.ResolvedValue); err != nil {
					return nil, fmt.Errorf("failed to apply auto-resolved value: %w", err)
				}
				summary.AutoResolved++
			}
			if existing == nil || existing.ResolutionStatus.IsResolved() {
				summary.NewConflicts++
			}
		}
	}
	return summary, nil
}

// severityFor classifies a ranked value list by its confidence spread
func (d *Detector) severityFor(values []types.ConflictingValue) types.ConflictSeverity {
	if spreadOf(values) > d.config.HighSeverityThreshold {
		return types.SeverityHigh
	}
	return types.SeverityMedium
}

func spreadOf(values []types.ConflictingValue) float64 {
	if len(values) < 2 {
		return 0
	}
	return values[0].Confidence - values[len(values)-1].Confidence
}

// candidateValues groups an asset's provenance by field and reduces each
// distinct trimmed value to its strongest observation, ranked confidence
// descending with most-recent-first ties. Blank observations carry no
// signal and are dropped.
func candidateValues(asset *types.Asset) map[string][]types.ConflictingValue {
	best := make(map[string]map[string]types.ConflictingValue)
	for _, p := range asset.Provenance {
		value := strings.TrimSpace(p.Value)
		if value == "" || p.Field == "" {
			continue
		}
		byValue, ok := best[p.Field]
		if !ok {
			byValue = make(map[string]types.ConflictingValue)
			best[p.Field] = byValue
		}
		cur, seen := byValue[value]
		if !seen || p.Confidence > cur.Confidence ||
			(p.Confidence == cur.Confidence && p.ObservedAt.After(cur.ObservedAt)) {
			byValue[value] = types.ConflictingValue{
				Value:      value,
				Source:     p.Source,
				Confidence: p.Confidence,
				ObservedAt: p.ObservedAt,
			}
		}
	}

	out := make(map[string][]types.ConflictingValue, len(best))
	for field, byValue := range best {
		values := make([]types.ConflictingValue, 0, len(byValue))
		for _, v := range byValue {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool {
			if values[i].Confidence != values[j].Confidence {
				return values[i].Confidence > values[j].Confidence
			}
			if !values[i].ObservedAt.Equal(values[j].ObservedAt) {
				return values[i].ObservedAt.After(values[j].ObservedAt)
			}
			return values[i].Value < values[j].Value
		})
		out[field] = values
	}
	return out
}

// sameValueSet reports whether two ranked value lists disagree over the
// same distinct values. Confidence drift alone does not reopen a settled
// conflict.
func sameValueSet(a, b []types.ConflictingValue) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = a[i].Value
		bs[i] = b[i].Value
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
