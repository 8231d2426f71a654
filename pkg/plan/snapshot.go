package plan

import (
	"fmt"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/canonical"
)

// EngineVersion identifies the pipeline engine build in audit snapshots.
const EngineVersion = "1.4.0"

// Snapshot is the canonical, hashed record of the plan, effective config and
// filter/engine versions a run executed under. Two runs with equal
// snapshot hashes are guaranteed to have used semantically identical
// configuration.
type Snapshot struct {
	PlanID             string            `json:"planId"`
	PlanVersion        string            `json:"planVersion"`
	PlanHash           string            `json:"planHash"`
	ConfigHash         string            `json:"configHash"`
	ConfigSnapshotHash string            `json:"configSnapshotHash"`
	EngineVersions     map[string]string `json:"engineVersions"`
	FilterVersions     map[string]string `json:"filterVersions"`
	StepConfigHashes   map[string]string `json:"stepConfigHashes,omitempty"`
	CapturedAt         time.Time         `json:"capturedAt"`
}

// Capture builds the audit snapshot for a run.
//
// planHash = sha256(canonical_json({steps, engineVersions, filterVersions,
// configSnapshotHash})), so the hash is stable under key reordering,
// whitespace and step-object re-creation.
func Capture(p *Plan, engineVersions, filterVersions map[string]string, configSnapshotHash string) (*Snapshot, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if engineVersions == nil {
		engineVersions = map[string]string{"pipeline": EngineVersion}
	}
	if filterVersions == nil {
		filterVersions = map[string]string{}
	}

	planHash, err := canonical.Hash(map[string]any{
		"steps":              p.Steps,
		"engineVersions":     engineVersions,
		"filterVersions":     filterVersions,
		"configSnapshotHash": configSnapshotHash,
	})
	if err != nil {
		return nil, fmt.Errorf("plan: snapshot hash failed: %w", err)
	}

	stepHashes, err := p.StepConfigHashes()
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		PlanID:             p.ID,
		PlanVersion:        p.Version,
		PlanHash:           planHash,
		ConfigHash:         p.ConfigHash,
		ConfigSnapshotHash: configSnapshotHash,
		EngineVersions:     engineVersions,
		FilterVersions:     filterVersions,
		StepConfigHashes:   stepHashes,
		CapturedAt:         time.Now().UTC(),
	}, nil
}
