package pipeline

import (
	"time"

	xerrors "Redfish/internal/errors"
)

// State 表示一次运行在状态机中的位置，只允许向前推进。
type State string

const (
	StateNotStarted       State = "not_started"
	StateDecoding         State = "decoding"
	StateBuildingFeatures State = "building_features"
	StateStaging          State = "staging"
	StateVerifying        State = "verifying"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
)

// StageReport 记录单个阶段的执行结果。
type StageReport struct {
	Stage       StageID        `json:"stage"`
	Status      ArtifactStatus `json:"status"`
	Fingerprint string         `json:"fingerprint"`
	Cached      bool           `json:"cached"`
	Duration    time.Duration  `json:"duration"`
}

// Report 是一次完整运行的结构化结果。验证被拒绝时 Verified 为 false
// 且 FailureCode 为 VERIFICATION_REJECTED，与阶段执行失败严格区分。
type Report struct {
	State           State         `json:"state"`
	Stages          []StageReport `json:"stages"`
	Verified        bool          `json:"verified"`
	ProofRef        string        `json:"proof_ref,omitempty"`
	PublicInstances []string      `json:"public_instances,omitempty"`
	FailedStage     StageID       `json:"failed_stage,omitempty"`
	FailureCode     xerrors.Code  `json:"failure_code,omitempty"`
}

// StageByID 按阶段标识查找阶段结果，找不到时返回 nil。
func (r *Report) StageByID(stage StageID) *StageReport {
	for i := range r.Stages {
		if r.Stages[i].Stage == stage {
			return &r.Stages[i]
		}
	}
	return nil
}

func (r *Report) recordStage(stage StageID, fp string, cached bool, started time.Time) {
	r.Stages = append(r.Stages, StageReport{
		Stage:       stage,
		Status:      ArtifactBuilt,
		Fingerprint: fp,
		Cached:      cached,
		Duration:    time.Since(started),
	})
}

func (r *Report) recordFailure(stage StageID, fp string, started time.Time, err error) {
	if stage != "" {
		r.Stages = append(r.Stages, StageReport{
			Stage:       stage,
			Status:      ArtifactFailed,
			Fingerprint: fp,
			Duration:    time.Since(started),
		})
	}
	r.State = StateFailed
	r.FailedStage = stage
	r.FailureCode = xerrors.CodeOf(err)
}
