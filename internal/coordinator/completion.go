package coordinator

import (
	"fmt"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// checkPhaseOutputs enforces the minimum each phase must leave behind: an
// engine that "succeeds" with nothing to show is a failure, not a
// completion. Assets is the flow's full set after the run persisted.
func checkPhaseOutputs(phase string, assets []*types.Asset) error {
	switch phase {
	case types.PhaseImportInventory:
		if len(assets) == 0 {
			return fmt.Errorf("import produced no assets")
		}
	case types.PhaseFieldMapping:
		mapped := false
		for _, a := range assets {
			if len(a.NormalizedFields) > 0 {
				mapped = true
				break
			}
		}
		if !mapped {
			return fmt.Errorf("field mapping produced no normalized fields")
		}
	case types.PhaseDataCleansing:
		valid := false
		for _, a := range assets {
			if a.ValidationStatus == types.AssetValid {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("data cleansing produced no valid assets")
		}
	case types.PhaseReadinessAssessment:
		unscored := 0
		for _, a := range assets {
			if a.MigrationReadinessScore <= 0 {
				unscored++
			}
		}
		if unscored > 0 {
			return fmt.Errorf("readiness assessment left %d asset(s) unscored", unscored)
		}
	}
	return nil
}

// flowProgress computes whole-percent progress from phase records. A phase
// counts once it is terminal; settled names a phase to count as done before
// its record reflects it.
func flowProgress(records []*types.PhaseRecord, settled string) int {
	if len(records) == 0 {
		return 0
	}
	done := 0
	for _, rec := range records {
		if rec.Status.IsTerminal() || rec.Phase == settled {
			done++
		}
	}
	return done * 100 / len(records)
}

// findRecord returns the record for phase, or nil
func findRecord(records []*types.PhaseRecord, phase string) *types.PhaseRecord {
	for _, rec := range records {
		if rec.Phase == phase {
			return rec
		}
	}
	return nil
}

// countNewAssets splits a run's output into assets created during the run
// and assets that existed at phase entry and were updated.
func countNewAssets(assets []*types.Asset, snapshotIDs []string) (created, updated int) {
	existing := make(map[string]bool, len(snapshotIDs))
	for _, id := range snapshotIDs {
		existing[id] = true
	}
	for _, a := range assets {
		if existing[a.ID] {
			updated++
		} else {
			created++
		}
	}
	return created, updated
}
