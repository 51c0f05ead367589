// Package gnark 用 consensys/gnark 的 Groth16/BN254 实现证明后端能力。
// 对流水线而言它仍是一个不透明的外部协作方：所有产物都以序列化字节交换。
package gnark

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"

	xerrors "Redfish/internal/errors"
	"Redfish/internal/feature"
	"Redfish/internal/proving"
	"Redfish/pkg/logger"
)

const (
	schemeGroth16 = "groth16"
	curveBN254    = "bn254"

	defaultFixedPointScale = 1 << 16
)

// Backend 实现 proving.Service。
type Backend struct {
	logger *slog.Logger
}

// New 创建 gnark 后端。
func New() *Backend {
	// gnark 内部用 zerolog 输出编译进度，丢弃掉以免污染结构化日志。
	gnarklogger.Set(zerolog.New(io.Discard).Level(zerolog.Disabled))
	return &Backend{logger: logger.Named("gnark")}
}

type settingsDoc struct {
	Scheme string                  `json:"scheme"`
	Curve  string                  `json:"curve"`
	Model  proving.ModelDescriptor `json:"model"`
}

type circuitEnvelope struct {
	Settings settingsDoc `json:"settings"`
	System   []byte      `json:"system"`
}

type proofEnvelope struct {
	Proof         []byte `json:"proof"`
	PublicWitness []byte `json:"public_witness"`
}

// GenerateSettings 固化模型描述与证明方案参数。
func (b *Backend) GenerateSettings(ctx context.Context, req proving.SettingsRequest) (*proving.Settings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := req.Model
	if model.InputSize == 0 {
		model.InputSize = feature.VectorSize
	}
	if model.InputSize != feature.VectorSize {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型输入尺寸必须等于特征向量长度")
	}
	if len(model.Weights) != model.InputSize {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型权重数量与输入尺寸不符")
	}
	if model.FixedPointScale <= 0 {
		model.FixedPointScale = defaultFixedPointScale
	}

	payload, err := json.Marshal(settingsDoc{Scheme: schemeGroth16, Curve: curveBN254, Model: model})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "settings 序列化失败")
	}
	return &proving.Settings{Payload: payload}, nil
}

// Compile 把电路编译成 R1CS 约束系统。
func (b *Backend) Compile(ctx context.Context, req proving.CompileRequest) (*proving.CompiledCircuit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := b.parseSettings(req.Settings)
	if err != nil {
		return nil, err
	}

	template := newCircuitTemplate(doc.Model.InputSize)
	system, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, template)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "电路编译失败")
	}

	var buf bytes.Buffer
	if _, err := system.WriteTo(&buf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "约束系统序列化失败")
	}
	payload, err := json.Marshal(circuitEnvelope{Settings: *doc, System: buf.Bytes()})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "编译产物序列化失败")
	}

	digest := sha256.Sum256(payload)
	b.logger.Debug("电路编译完成",
		slog.Int("constraints", system.GetNbConstraints()),
		slog.String("circuit_id", hex.EncodeToString(digest[:8])),
	)
	return &proving.CompiledCircuit{ID: hex.EncodeToString(digest[:]), Payload: payload}, nil
}

// Setup 执行可信设置，产出密钥对。
func (b *Backend) Setup(ctx context.Context, req proving.SetupRequest) (*proving.Keys, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, system, err := b.parseCircuit(req.Circuit)
	if err != nil {
		return nil, err
	}

	pk, vk, err := groth16.Setup(system)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "可信设置失败")
	}

	var pkBuf, vkBuf bytes.Buffer
	if _, err := pk.WriteTo(&pkBuf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "证明密钥序列化失败")
	}
	if _, err := vk.WriteTo(&vkBuf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "验证密钥序列化失败")
	}
	return &proving.Keys{ProvingKey: pkBuf.Bytes(), VerifyingKey: vkBuf.Bytes()}, nil
}

// GenerateWitness 把特征向量定点化，计算评分并构造完整见证。
func (b *Backend) GenerateWitness(ctx context.Context, req proving.WitnessRequest) (*proving.Witness, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, _, err := b.parseCircuit(req.Circuit)
	if err != nil {
		return nil, err
	}
	model := doc.Model

	assignment := newCircuitTemplate(model.InputSize)
	score := new(big.Int)
	public := make([]string, 0, model.InputSize+1)
	for i := 0; i < model.InputSize; i++ {
		q := quantize(req.Input[i], model.FixedPointScale)
		assignment.Inputs[i] = new(big.Int).Set(q)
		assignment.Weights[i] = big.NewInt(model.Weights[i])
		score.Add(score, new(big.Int).Mul(q, big.NewInt(model.Weights[i])))
		public = append(public, fieldHex(q))
	}
	assignment.Score = new(big.Int).Set(score)
	public = append(public, fieldHex(score))

	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "见证构造失败")
	}
	payload, err := full.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "见证序列化失败")
	}
	return &proving.Witness{Payload: payload, PublicInstances: public}, nil
}

// Prove 生成 Groth16 证明。
func (b *Backend) Prove(ctx context.Context, req proving.ProveRequest) (*proving.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, system, err := b.parseCircuit(req.Circuit)
	if err != nil {
		return nil, err
	}
	if req.Witness == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少见证")
	}

	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(bytes.NewReader(req.ProvingKey)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "证明密钥反序列化失败")
	}
	full, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "见证初始化失败")
	}
	if err := full.UnmarshalBinary(req.Witness.Payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "见证反序列化失败")
	}

	proof, err := groth16.Prove(system, pk, full)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "证明生成失败")
	}

	publicWitness, err := full.Public()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开见证提取失败")
	}
	publicBytes, err := publicWitness.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开见证序列化失败")
	}

	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "证明序列化失败")
	}
	payload, err := json.Marshal(proofEnvelope{Proof: proofBuf.Bytes(), PublicWitness: publicBytes})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "证明封装失败")
	}

	b.logger.Debug("证明生成完成", slog.Int("proof_bytes", proofBuf.Len()))
	return &proving.Proof{Payload: payload, PublicInstances: req.Witness.PublicInstances}, nil
}

// Verify 本地验证证明。验证不通过返回 (false, nil)，与执行错误严格区分。
func (b *Backend) Verify(ctx context.Context, req proving.VerifyRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if req.Proof == nil {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "缺少证明")
	}

	var envelope proofEnvelope
	if err := json.Unmarshal(req.Proof.Payload, &envelope); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "证明封装无法解析")
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(envelope.Proof)); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "证明反序列化失败")
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(req.VerifyingKey)); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "验证密钥反序列化失败")
	}
	publicWitness, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开见证初始化失败")
	}
	if err := publicWitness.UnmarshalBinary(envelope.PublicWitness); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开见证反序列化失败")
	}

	if err := groth16.Verify(proof, vk, publicWitness); err != nil {
		b.logger.Warn("证明被判定无效", slog.Any("error", err))
		return false, nil
	}
	return true, nil
}

func (b *Backend) parseSettings(settings *proving.Settings) (*settingsDoc, error) {
	if settings == nil || len(settings.Payload) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 settings")
	}
	var doc settingsDoc
	if err := json.Unmarshal(settings.Payload, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "settings 无法解析")
	}
	if doc.Scheme != schemeGroth16 || doc.Curve != curveBN254 {
		return nil, xerrors.New(xerrors.CodeStageComputationFail, "settings 声明了不支持的方案或曲线")
	}
	if doc.Model.InputSize <= 0 || len(doc.Model.Weights) != doc.Model.InputSize {
		return nil, xerrors.New(xerrors.CodeStageComputationFail, "settings 中的模型描述非法")
	}
	return &doc, nil
}

func (b *Backend) parseCircuit(circuit *proving.CompiledCircuit) (*settingsDoc, constraint.ConstraintSystem, error) {
	if circuit == nil || len(circuit.Payload) == 0 {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少编译产物")
	}
	var envelope circuitEnvelope
	if err := json.Unmarshal(circuit.Payload, &envelope); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "编译产物无法解析")
	}
	system := groth16.NewCS(ecc.BN254)
	if _, err := system.ReadFrom(bytes.NewReader(envelope.System)); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "约束系统反序列化失败")
	}
	return &envelope.Settings, system, nil
}
