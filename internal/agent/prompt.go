package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// maxPromptAssets caps how many existing assets are echoed into the
// prompt; flows larger than this rely on the checkpoint to page work.
const maxPromptAssets = 200

// phaseInstructions describe what each discovery phase must produce.
// Keyed by canonical phase name; unknown phases get a generic fallback.
var phaseInstructions = map[string]string{
	types.PhaseImportInventory: `Parse the raw inventory referenced by the import payload and emit one asset per
discovered workload (server, VM, database, application, network device). Record every
per-field observation with its originating source so later phases can detect
disagreement between sources. Use source "raw_import" for values taken directly
from the imported data.`,

	types.PhaseFieldMapping: `Map the raw fields of every known asset onto the normalized schema (fqdn,
environment, os_family, os_version, cpu_cores, memory_mb, storage_gb, location,
owner). Emit one entry per asset you normalized, carrying only the fields you
mapped. Use source "agent_normalized" for derived values.`,

	types.PhaseDataCleansing: `Validate every known asset: fix obvious data errors, standardize units and
casing, and set validation_status to "valid" or "invalid" for each asset you
examined. Do not invent values for fields with no observation.`,

	types.PhaseAssetInventory: `Consolidate the inventory: classify each asset's kind (server, database,
application, storage, network), merge duplicates by pointing them at the surviving
asset's id, and fill classification gaps.`,

	types.PhaseDependencyAnalysis: `Identify runtime dependencies between known assets. For each asset with
dependencies, set the "depends_on" field to a comma-separated list of asset names
it requires at runtime, and "dependents" to the reverse where known.`,

	types.PhaseTechDebtAnalysis: `Assess technical debt per asset: end-of-life operating systems, unsupported
middleware, deprecated runtimes. Set "tech_debt_level" (low, medium, high) and
"tech_debt_notes" on each assessed asset.`,

	types.PhaseReadinessAssessment: `Score every known asset's migration readiness from 0.0 (not migratable as-is)
to 1.0 (lift-and-shift ready), considering validation status, dependency fan-in,
and tech debt. Set readiness_score on every asset; leave no asset unscored.`,
}

// buildPhasePrompt renders the instruction document for one engine turn.
// The checkpoint echoes the engine's own resume token back to it; the
// envelope schema at the end is the contract decodeEnvelope parses.
func buildPhasePrompt(req *RunRequest, checkpoint string, known []*types.Asset) string {
	instructions, ok := phaseInstructions[req.Phase]
	if !ok {
		instructions = fmt.Sprintf("Execute the %q discovery phase over the known assets.", req.Phase)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `You are a cloud-migration discovery agent executing one phase of a discovery flow.

Phase: %s

%s

Import payload reference: %s
`, req.Phase, instructions, req.Flow.RawPayloadRef)

	if len(req.Flow.Metadata) > 0 {
		b.WriteString("\nFlow metadata:\n")
		writeSortedPairs(&b, req.Flow.Metadata)
	}
	if len(req.Overrides) > 0 {
		b.WriteString("\nOperator overrides for this run:\n")
		writeSortedPairs(&b, req.Overrides)
	}

	if checkpoint != "" {
		fmt.Fprintf(&b, `
A previous run of this phase was interrupted. Resume from your checkpoint instead
of starting over. Checkpoint: %s
`, checkpoint)
	}

	if len(known) > 0 {
		fmt.Fprintf(&b, "\nKnown assets (%d):\n", len(known))
		b.WriteString(renderKnownAssets(known))
	}

	b.WriteString(`
Respond with a single JSON object and nothing else:
{
  "assets": [
    {
      "id": "existing asset id when enriching, omit when creating",
      "name": "hostname or identifier",
      "kind": "server|database|application|storage|network",
      "source": "raw_import|agent_normalized|questionnaire",
      "confidence": 0.9,
      "fields": {"field_name": "value"},
      "validation_status": "pending|valid|invalid",
      "readiness_score": 0.0
    }
  ],
  "checkpoint": "resume token if more work remains, empty string when done",
  "summary": "one line describing what this turn accomplished"
}`)

	return b.String()
}

// renderKnownAssets serializes a bounded view of the flow's assets for
// the prompt: id, name, kind, validation status, and normalized fields.
func renderKnownAssets(known []*types.Asset) string {
	type promptAsset struct {
		ID     string            `json:"id"`
		Name   string            `json:"name"`
		Kind   string            `json:"kind,omitempty"`
		Status string            `json:"validation_status"`
		Fields map[string]string `json:"fields,omitempty"`
		Score  float64           `json:"readiness_score,omitempty"`
	}

	n := len(known)
	truncated := false
	if n > maxPromptAssets {
		n = maxPromptAssets
		truncated = true
	}

	view := make([]promptAsset, 0, n)
	for _, a := range known[:n] {
		view = append(view, promptAsset{
			ID:     a.ID,
			Name:   a.Name,
			Kind:   a.Kind,
			Status: string(a.ValidationStatus),
			Fields: a.NormalizedFields,
			Score:  a.MigrationReadinessScore,
		})
	}

	data, err := json.Marshal(view)
	if err != nil {
		return "[]"
	}
	if truncated {
		return string(data) + fmt.Sprintf("\n(%d more assets omitted; use your checkpoint to page through them)", len(known)-n)
	}
	return string(data)
}

func writeSortedPairs(b *strings.Builder, kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s: %s\n", k, kv[k])
	}
}
