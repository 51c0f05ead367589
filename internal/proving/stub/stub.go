// Package stub 提供一个确定性的假证明后端。
// 它不做任何密码学计算，只按输入派生稳定的字节产物，
// 用于测试和无后端环境下的流水线演练。
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	xerrors "Redfish/internal/errors"
	"Redfish/internal/feature"
	"Redfish/internal/proving"
)

// Service 实现 proving.Service 与 proving.PositionalService。
type Service struct {
	mu     sync.Mutex
	calls  map[proving.Op]int
	verify bool
}

// Option 定义可选配置。
type Option func(*Service)

// WithVerifyResult 指定 Verify 阶段返回的判定结果。
func WithVerifyResult(ok bool) Option {
	return func(s *Service) {
		s.verify = ok
	}
}

// New 创建假后端，默认所有证明都验证通过。
func New(opts ...Option) *Service {
	s := &Service{calls: make(map[proving.Op]int), verify: true}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CallCount 返回某个能力被调用的次数，幂等性测试依赖它。
func (s *Service) CallCount(op proving.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls 返回所有能力的调用总数。
func (s *Service) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *Service) record(op proving.Op) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func derive(op proving.Op, parts ...[]byte) []byte {
	h := sha256.New()
	h.Write([]byte(op))
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}

// GenerateSettings 实现 proving.Service。
func (s *Service) GenerateSettings(ctx context.Context, req proving.SettingsRequest) (*proving.Settings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.record(proving.OpSettings)
	model, err := json.Marshal(req.Model)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "模型描述无法编码")
	}
	return &proving.Settings{Payload: derive(proving.OpSettings, model)}, nil
}

// Compile 实现 proving.Service。
func (s *Service) Compile(ctx context.Context, req proving.CompileRequest) (*proving.CompiledCircuit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.record(proving.OpCompile)
	if req.Settings == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 settings")
	}
	payload := derive(proving.OpCompile, req.Settings.Payload)
	return &proving.CompiledCircuit{ID: hex.EncodeToString(payload), Payload: payload}, nil
}

// Setup 实现 proving.Service。
func (s *Service) Setup(ctx context.Context, req proving.SetupRequest) (*proving.Keys, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.record(proving.OpSetup)
	if req.Circuit == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少编译产物")
	}
	return &proving.Keys{
		ProvingKey:   derive(proving.OpSetup, req.Circuit.Payload, []byte("pk")),
		VerifyingKey: derive(proving.OpSetup, req.Circuit.Payload, []byte("vk")),
	}, nil
}

// GenerateWitness 实现 proving.Service。
func (s *Service) GenerateWitness(ctx context.Context, req proving.WitnessRequest) (*proving.Witness, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.record(proving.OpWitness)
	if req.Circuit == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少编译产物")
	}
	input, err := req.Input.MarshalInput()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "特征向量无法编码")
	}
	payload := derive(proving.OpWitness, req.Circuit.Payload, input)
	return &proving.Witness{
		Payload:         payload,
		PublicInstances: []string{"0x" + hex.EncodeToString(payload[:16])},
	}, nil
}

// Prove 实现 proving.Service。
func (s *Service) Prove(ctx context.Context, req proving.ProveRequest) (*proving.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.record(proving.OpProve)
	if req.Circuit == nil || req.Witness == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少编译产物或见证")
	}
	payload := derive(proving.OpProve, req.Circuit.Payload, req.Witness.Payload, req.ProvingKey)
	return &proving.Proof{Payload: payload, PublicInstances: req.Witness.PublicInstances}, nil
}

// Verify 实现 proving.Service。
func (s *Service) Verify(ctx context.Context, req proving.VerifyRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.record(proving.OpVerify)
	if req.Proof == nil {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "缺少证明")
	}
	return s.verify, nil
}

// Invoke 实现后备的按位置调用约定，复用主实现。
func (s *Service) Invoke(ctx context.Context, op proving.Op, args ...[]byte) ([][]byte, error) {
	switch op {
	case proving.OpSettings:
		if len(args) != 1 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "settings 需要 1 个参数")
		}
		var model proving.ModelDescriptor
		if err := json.Unmarshal(args[0], &model); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "模型描述无法解析")
		}
		settings, err := s.GenerateSettings(ctx, proving.SettingsRequest{Model: model})
		if err != nil {
			return nil, err
		}
		return [][]byte{settings.Payload}, nil
	case proving.OpCompile:
		if len(args) != 1 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "compile 需要 1 个参数")
		}
		circuit, err := s.Compile(ctx, proving.CompileRequest{Settings: &proving.Settings{Payload: args[0]}})
		if err != nil {
			return nil, err
		}
		return [][]byte{circuit.Payload}, nil
	case proving.OpSetup:
		if len(args) != 1 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "setup 需要 1 个参数")
		}
		keys, err := s.Setup(ctx, proving.SetupRequest{Circuit: &proving.CompiledCircuit{Payload: args[0]}})
		if err != nil {
			return nil, err
		}
		return [][]byte{keys.ProvingKey, keys.VerifyingKey}, nil
	case proving.OpWitness:
		if len(args) != 2 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "witness 需要 2 个参数")
		}
		var input struct {
			InputData [][]float64 `json:"input_data"`
		}
		if err := json.Unmarshal(args[1], &input); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "输入数据无法解析")
		}
		if len(input.InputData) != 1 || len(input.InputData[0]) != len(feature.Vector{}) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "输入数据形状错误")
		}
		var vec feature.Vector
		copy(vec[:], input.InputData[0])
		witness, err := s.GenerateWitness(ctx, proving.WitnessRequest{
			Circuit: &proving.CompiledCircuit{Payload: args[0]},
			Input:   vec,
		})
		if err != nil {
			return nil, err
		}
		public, err := json.Marshal(witness.PublicInstances)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开实例无法编码")
		}
		return [][]byte{witness.Payload, public}, nil
	case proving.OpProve:
		if len(args) != 3 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "prove 需要 3 个参数")
		}
		proof, err := s.Prove(ctx, proving.ProveRequest{
			Circuit:    &proving.CompiledCircuit{Payload: args[0]},
			Witness:    &proving.Witness{Payload: args[1]},
			ProvingKey: args[2],
		})
		if err != nil {
			return nil, err
		}
		public, err := json.Marshal(proof.PublicInstances)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开实例无法编码")
		}
		return [][]byte{proof.Payload, public}, nil
	case proving.OpVerify:
		if len(args) != 3 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "verify 需要 3 个参数")
		}
		ok, err := s.Verify(ctx, proving.VerifyRequest{
			Proof:        &proving.Proof{Payload: args[0]},
			VerifyingKey: args[1],
			Settings:     &proving.Settings{Payload: args[2]},
		})
		if err != nil {
			return nil, err
		}
		result := byte(0)
		if ok {
			result = 1
		}
		return [][]byte{{result}}, nil
	default:
		return nil, xerrors.New(xerrors.CodeStageSignatureMismatch, "后备约定不支持该能力: "+string(op))
	}
}
