package feature

import (
	"math/rand"

	xerrors "Redfish/internal/errors"
)

// AuxiliarySource 提供向量第 1..15 位的辅助特征。
// 只有两种实现：确定性伪随机序列和字面量向量，核心不会凭空引入第三种来源，
// 也不会隐式重置随机种子。
type AuxiliarySource interface {
	Features() ([]float64, error)
}

// DeterministicRandom 用固定种子产生可复现的标准正态序列。
// 相同种子的两次调用逐比特一致。
type DeterministicRandom struct {
	Seed int64
}

// Features 实现 AuxiliarySource。每次调用都从种子重新开始，保证可复现。
func (s DeterministicRandom) Features() ([]float64, error) {
	rng := rand.New(rand.NewSource(s.Seed))
	out := make([]float64, VectorSize-1)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out, nil
}

// FixedLiteral 直接返回调用方提供的字面量向量。
type FixedLiteral struct {
	Values []float64
}

// Features 实现 AuxiliarySource。数量不符时由 Build 报 WrongArity，
// 这里只负责防御性复制。
func (s FixedLiteral) Features() ([]float64, error) {
	if s.Values == nil {
		return nil, xerrors.Wrap(xerrors.CodeFeatureWrongArity, nil, "字面量特征未提供")
	}
	out := make([]float64, len(s.Values))
	copy(out, s.Values)
	return out, nil
}
