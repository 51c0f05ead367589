// Package feature 把解码出的事实映射成定长的模型输入向量。
// 向量的第 0 位永远是被公证数量的归一化结果，其余位来自可插拔的辅助特征源。
package feature

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"

	"Redfish/internal/attest"
	xerrors "Redfish/internal/errors"
)

// VectorSize 是特征向量的固定长度。
const VectorSize = 16

// Vector 是一条定长特征向量。
type Vector [VectorSize]float64

// MarshalInput 产出证明后端期望的 {"input_data": [[...]]} 布局。
func (v Vector) MarshalInput() ([]byte, error) {
	row := make([]float64, VectorSize)
	copy(row, v[:])
	return json.Marshal(map[string][][]float64{"input_data": {row}})
}

var (
	// ErrWrongArity 表示辅助特征源返回的数量不是 VectorSize-1。
	ErrWrongArity = xerrors.New(xerrors.CodeFeatureWrongArity, "辅助特征数量不正确")
	// ErrOutOfDomain 表示特征值不在可表示范围内（NaN 或无穷）。
	ErrOutOfDomain = xerrors.New(xerrors.CodeFeatureOutOfDomain, "特征值超出定义域")
)

// Normalization 描述第 0 位特征的归一化参数。
type Normalization struct {
	Center     float64 `json:"center"`
	Scale      float64 `json:"scale"`
	ClampBound float64 `json:"clamp_bound"`
}

// DefaultNormalization 与训练分布对齐的默认参数。
func DefaultNormalization() Normalization {
	return Normalization{Center: 50, Scale: 250, ClampBound: 2.5}
}

// Apply 把任意精度数量归一化成 [-ClampBound, +ClampBound] 内的浮点值。
// 这是硬截断：越界的值精确坍缩到 ±ClampBound，而不是平滑饱和。
func (n Normalization) Apply(quantity *big.Int) (float64, error) {
	if quantity == nil {
		return 0, xerrors.Wrap(xerrors.CodeFeatureOutOfDomain, nil, "事实缺少数量字段")
	}
	if n.Scale == 0 {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, nil, "归一化 scale 不能为零")
	}
	// 精度损失只允许发生在这一步：big.Int 先进 big.Float 再除。
	qf, _ := new(big.Float).SetInt(quantity).Float64()
	normalized := (qf - n.Center) / n.Scale
	if math.IsNaN(normalized) {
		return 0, xerrors.Wrap(xerrors.CodeFeatureOutOfDomain, nil, "归一化结果不是数")
	}
	if normalized > n.ClampBound {
		return n.ClampBound, nil
	}
	if normalized < -n.ClampBound {
		return -n.ClampBound, nil
	}
	return normalized, nil
}

// Build 组装完整的特征向量：第 0 位是归一化后的公证数量，其余来自 src。
func Build(fact *attest.DecodedFact, src AuxiliarySource, cfg Normalization) (Vector, error) {
	var vec Vector

	head, err := cfg.Apply(fact.Quantity())
	if err != nil {
		return Vector{}, err
	}
	vec[0] = head

	aux, err := src.Features()
	if err != nil {
		return Vector{}, err
	}
	if len(aux) != VectorSize-1 {
		return Vector{}, xerrors.Wrap(xerrors.CodeFeatureWrongArity, nil,
			"辅助特征数量不正确", xerrors.WithMetadata("got", strconv.Itoa(len(aux))))
	}
	for i, value := range aux {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return Vector{}, xerrors.Wrap(xerrors.CodeFeatureOutOfDomain, nil, "辅助特征不可表示")
		}
		vec[i+1] = value
	}
	return vec, nil
}
