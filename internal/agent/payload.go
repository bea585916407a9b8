package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
	"github.com/google/uuid"
)

// phaseEnvelope is the JSON document an engine run must produce. A
// non-empty checkpoint means the run has more to deliver and the engine
// should be called again with the checkpoint echoed back.
type phaseEnvelope struct {
	Assets     []assetPayload `json:"assets"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Summary    string         `json:"summary,omitempty"`
}

// assetPayload is one discovered or enriched asset in an envelope. An
// entry with an id (or a name matching a known asset) enriches that
// asset; anything else creates a new one.
type assetPayload struct {
	ID               string            `json:"id,omitempty"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind,omitempty"`
	Source           string            `json:"source,omitempty"`
	Confidence       float64           `json:"confidence,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
	ValidationStatus string            `json:"validation_status,omitempty"`
	ReadinessScore   float64           `json:"readiness_score,omitempty"`
}

// defaultConfidence is assigned to observations whose payload carries no
// usable confidence value
const defaultConfidence = 0.7

// Pre-compiled patterns for envelope extraction. Model output wraps JSON
// in code fences, leaves trailing commas, or surrounds the document with
// prose often enough that a bare json.Unmarshal is not sufficient.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// decodeEnvelope parses an engine response into an envelope, trying a
// direct parse first and progressively cleaning the text when that fails:
// strip code fences, drop trailing commas, extract the outermost JSON
// object from mixed content.
func decodeEnvelope(text string) (*phaseEnvelope, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty engine response")
	}

	if env, err := tryDecode(trimmed); err == nil {
		return env, nil
	}

	withoutFences := trimmed
	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		withoutFences = strings.TrimSpace(m[1])
		if env, err := tryDecode(withoutFences); err == nil {
			return env, nil
		}
	}

	cleaned := trailingCommaRegex.ReplaceAllString(withoutFences, "$1")
	if env, err := tryDecode(cleaned); err == nil {
		return env, nil
	}

	if extracted := objectRegex.FindString(cleaned); extracted != "" {
		if env, err := tryDecode(extracted); err == nil {
			return env, nil
		}
	}

	return nil, fmt.Errorf("engine response is not a valid phase envelope (response: %s)", truncate(text, 200))
}

func tryDecode(text string) (*phaseEnvelope, error) {
	var env phaseEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// truncate shortens a string for error messages and logs
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// assetIndex resolves envelope entries against assets the run already
// knows about, by id and by case-insensitive name.
type assetIndex struct {
	byID   map[string]*types.Asset
	byName map[string]*types.Asset
}

func newAssetIndex(assets []*types.Asset) *assetIndex {
	ix := &assetIndex{
		byID:   make(map[string]*types.Asset, len(assets)),
		byName: make(map[string]*types.Asset, len(assets)),
	}
	for _, a := range assets {
		ix.add(a)
	}
	return ix
}

func (ix *assetIndex) add(a *types.Asset) {
	ix.byID[a.ID] = a
	if a.Name != "" {
		ix.byName[strings.ToLower(a.Name)] = a
	}
}

func (ix *assetIndex) lookup(id, name string) *types.Asset {
	if id != "" {
		if a, ok := ix.byID[id]; ok {
			return a
		}
	}
	if name != "" {
		if a, ok := ix.byName[strings.ToLower(name)]; ok {
			return a
		}
	}
	return nil
}

// assetsFromPayload converts envelope entries into assets: entries
// resolving to a known asset enrich a copy of it, the rest become new
// assets owned by the flow. Every returned asset carries a provenance
// entry per field written, so conflict detection can compare sources
// later. The index is updated as entries materialize, so later entries
// (and later turns of the same run) see earlier ones.
func assetsFromPayload(req *RunRequest, ix *assetIndex, payloads []assetPayload) []*types.Asset {
	now := time.Now().UTC()
	out := make([]*types.Asset, 0, len(payloads))

	for _, p := range payloads {
		if p.ID == "" && strings.TrimSpace(p.Name) == "" {
			continue
		}

		asset := ix.lookup(p.ID, p.Name)
		if asset != nil {
			// Copy-on-write: the caller's view of already-persisted assets
			// stays untouched until the enriched copy is saved
			asset = asset.Clone()
		} else {
			asset = &types.Asset{
				ID:                uuid.New().String(),
				FlowID:            req.Flow.ID,
				ClientAccountID:   req.Flow.ClientAccountID,
				EngagementID:      req.Flow.EngagementID,
				Name:              strings.TrimSpace(p.Name),
				DiscoveredInPhase: req.Phase,
				NormalizedFields:  make(map[string]string),
				ValidationStatus:  types.AssetPending,
				CreatedAt:         now,
			}
		}

		applyPayload(asset, p, now)
		ix.add(asset)
		out = append(out, asset)
	}

	return out
}

// applyPayload merges one envelope entry into an asset, recording a
// provenance observation for every field written. Fields apply in sorted
// order so repeated runs produce identical provenance sequences.
func applyPayload(asset *types.Asset, p assetPayload, now time.Time) {
	if name := strings.TrimSpace(p.Name); name != "" {
		asset.Name = name
	}
	if p.Kind != "" {
		asset.Kind = p.Kind
	}

	source := types.SourceAgentNormalized
	if p.Source != "" {
		source = types.ParseSourceKind(p.Source)
	}
	confidence := p.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = defaultConfidence
	}

	if asset.NormalizedFields == nil {
		asset.NormalizedFields = make(map[string]string, len(p.Fields))
	}
	fields := make([]string, 0, len(p.Fields))
	for field := range p.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		value := p.Fields[field]
		asset.NormalizedFields[field] = value
		asset.Provenance = append(asset.Provenance, types.ProvenanceEntry{
			Field:      field,
			Source:     source,
			Value:      value,
			Confidence: confidence,
			ObservedAt: now,
		})
	}

	if status := types.ValidationStatus(p.ValidationStatus); p.ValidationStatus != "" && status.IsValid() {
		asset.ValidationStatus = status
	}
	if p.ReadinessScore > 0 && p.ReadinessScore <= 1 {
		asset.MigrationReadinessScore = p.ReadinessScore
	}
	asset.UpdatedAt = now
}

// dedupeAssets collapses repeated ids, keeping the last occurrence. A
// multi-turn run may touch the same asset in several envelopes; the
// final result should list each asset once.
func dedupeAssets(assets []*types.Asset) []*types.Asset {
	seen := make(map[string]int, len(assets))
	out := make([]*types.Asset, 0, len(assets))
	for _, a := range assets {
		if i, ok := seen[a.ID]; ok {
			out[i] = a
			continue
		}
		seen[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}
