// Package pipeline 实现证明产物流水线：固定的阶段链、指纹缓存、
// 原子产物发布以及贯穿整个 run 的状态机。
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// StageID 标识流水线中的一个阶段。
type StageID string

const (
	StageSettings StageID = "settings"
	StageCompile  StageID = "compile"
	StageSetup    StageID = "setup"
	StageWitness  StageID = "witness"
	StageProve    StageID = "prove"
	StageVerify   StageID = "verify"
	// StageVerifierContract 是可选的收尾阶段，产出链上验证合约源码。
	StageVerifierContract StageID = "verifier-contract"
)

// Chain 返回固定的核心阶段顺序。
func Chain() []StageID {
	return []StageID{StageSettings, StageCompile, StageSetup, StageWitness, StageProve, StageVerify}
}

// ArtifactStatus 表示产物的生命周期状态。
type ArtifactStatus string

const (
	ArtifactPending ArtifactStatus = "pending"
	ArtifactBuilt   ArtifactStatus = "built"
	ArtifactFailed  ArtifactStatus = "failed"
)

// Artifact 是一个阶段产物的元数据，载荷本身由 Store 单独保存。
type Artifact struct {
	StageID       StageID        `json:"stage_id"`
	Fingerprint   string         `json:"fingerprint"`
	PayloadRef    string         `json:"payload_ref"`
	PayloadSHA256 string         `json:"payload_sha256"`
	Status        ArtifactStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Fingerprint 计算一个阶段的缓存指纹：阶段标识、阶段配置的规范化
// JSON 以及按顺序排列的上游指纹共同决定缓存身份。任何一项变化都会
// 让指纹改变，从而连带使所有下游产物失效。
func Fingerprint(stage StageID, config any, upstream ...string) (string, error) {
	h := sha256.New()
	h.Write([]byte(stage))
	if config != nil {
		encoded, err := json.Marshal(config)
		if err != nil {
			return "", err
		}
		h.Write(encoded)
	}
	for _, fp := range upstream {
		h.Write([]byte(fp))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PayloadDigest 返回载荷的十六进制 SHA-256 摘要。
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
