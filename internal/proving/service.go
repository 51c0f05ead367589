// Package proving 定义核心对外部零知识证明后端的能力依赖。
// 核心把每个调用都当作阻塞、昂贵且不透明的外部操作，
// 从不检查或复现其中的密码学内容。
package proving

import (
	"context"

	xerrors "Redfish/internal/errors"
	"Redfish/internal/feature"
)

// ModelDescriptor 描述被证明的评分模型（定点化权重）。
type ModelDescriptor struct {
	Name            string  `json:"name"`
	InputSize       int     `json:"input_size"`
	Weights         []int64 `json:"weights"`
	FixedPointScale int64   `json:"fixed_point_scale"`
}

// Settings 是电路参数阶段的产物。
type Settings struct {
	Payload []byte `json:"payload"`
}

// CompiledCircuit 是编译后的电路。
type CompiledCircuit struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// Keys 是可信设置产出的密钥对。
type Keys struct {
	ProvingKey   []byte `json:"proving_key"`
	VerifyingKey []byte `json:"verifying_key"`
}

// Witness 是满足电路约束的赋值。
type Witness struct {
	Payload         []byte   `json:"payload"`
	PublicInstances []string `json:"public_instances"`
}

// Proof 是不透明的证明字节加上有序的公开实例（十六进制域元素）。
type Proof struct {
	Payload         []byte   `json:"payload"`
	PublicInstances []string `json:"public_instances"`
}

// SettingsRequest 等结构体是主调用约定（具名参数）的请求载体。
type SettingsRequest struct {
	Model ModelDescriptor
}

type CompileRequest struct {
	Settings *Settings
}

type SetupRequest struct {
	Circuit *CompiledCircuit
}

type WitnessRequest struct {
	Circuit *CompiledCircuit
	Input   feature.Vector
}

type ProveRequest struct {
	Circuit    *CompiledCircuit
	Witness    *Witness
	ProvingKey []byte
}

type VerifyRequest struct {
	Proof        *Proof
	VerifyingKey []byte
	Settings     *Settings
}

// Service 是证明后端的主调用约定。所有方法都可能阻塞数秒到数分钟。
type Service interface {
	GenerateSettings(ctx context.Context, req SettingsRequest) (*Settings, error)
	Compile(ctx context.Context, req CompileRequest) (*CompiledCircuit, error)
	Setup(ctx context.Context, req SetupRequest) (*Keys, error)
	GenerateWitness(ctx context.Context, req WitnessRequest) (*Witness, error)
	Prove(ctx context.Context, req ProveRequest) (*Proof, error)
	Verify(ctx context.Context, req VerifyRequest) (bool, error)
}

// Op 标识一次按位置传参调用对应的能力。
type Op string

const (
	OpSettings Op = "settings"
	OpCompile  Op = "compile"
	OpSetup    Op = "setup"
	OpWitness  Op = "witness"
	OpProve    Op = "prove"
	OpVerify   Op = "verify"
)

// PositionalService 是证明后端的后备调用约定：有序字节参数，有序字节返回。
// 后端的接口会随版本演化，流水线在主约定被拒绝时恰好回退一次到这里。
type PositionalService interface {
	Invoke(ctx context.Context, op Op, args ...[]byte) ([][]byte, error)
}

// ContractEmitter 是可选能力：产出链上验证合约源码。
// 后端不具备该能力时对应阶段被跳过。
type ContractEmitter interface {
	EmitVerifierContract(ctx context.Context, keys *Keys, settings *Settings) ([]byte, error)
}

// ErrSignatureMismatch 表示后端拒绝了当前调用约定本身，而非计算失败。
var ErrSignatureMismatch = xerrors.New(xerrors.CodeStageSignatureMismatch, "")

// IsSignatureMismatch 判断错误是否是调用约定不匹配。
func IsSignatureMismatch(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeStageSignatureMismatch
}
