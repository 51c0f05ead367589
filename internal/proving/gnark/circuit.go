package gnark

import (
	"math"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
)

// scoreCircuit 约束线性评分：Score = Σ Weights[i] * Inputs[i]。
// 输入与评分是公开实例，权重作为私有见证进入电路。
type scoreCircuit struct {
	Inputs  []frontend.Variable `gnark:",public"`
	Score   frontend.Variable   `gnark:",public"`
	Weights []frontend.Variable
}

// Define 实现 frontend.Circuit。
func (c *scoreCircuit) Define(api frontend.API) error {
	acc := frontend.Variable(0)
	for i := range c.Inputs {
		acc = api.Add(acc, api.Mul(c.Inputs[i], c.Weights[i]))
	}
	api.AssertIsEqual(c.Score, acc)
	return nil
}

func newCircuitTemplate(inputSize int) *scoreCircuit {
	return &scoreCircuit{
		Inputs:  make([]frontend.Variable, inputSize),
		Weights: make([]frontend.Variable, inputSize),
	}
}

// quantize 把浮点特征定点化成整数。特征已被上游硬截断，不会溢出。
func quantize(value float64, scale int64) *big.Int {
	return big.NewInt(int64(math.Round(value * float64(scale))))
}

// fieldHex 把（可能为负的）整数规约到 BN254 标量域并编码成 0x 前缀十六进制。
func fieldHex(v *big.Int) string {
	reduced := new(big.Int).Mod(v, ecc.BN254.ScalarField())
	return "0x" + reduced.Text(16)
}
