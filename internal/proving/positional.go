package proving

import (
	"encoding/json"

	xerrors "Redfish/internal/errors"
)

// 本文件固化后备调用约定的参数顺序。主约定（具名请求结构体）被后端
// 拒绝时，流水线按这里的顺序展开参数重试一次；两侧必须共用同一份定义。
//
//	settings: [model JSON]                      -> [settings payload]
//	compile:  [settings payload]                -> [circuit payload]
//	setup:    [circuit payload]                 -> [proving key, verifying key]
//	witness:  [circuit payload, input JSON]     -> [witness payload, public JSON]
//	prove:    [circuit, witness, proving key]   -> [proof payload, public JSON]
//	verify:   [proof, verifying key, settings]  -> [one byte, 0 或 1]

func badReturns(op Op) error {
	return xerrors.New(xerrors.CodeStageComputationFail, "后备约定返回值数量不正确: "+string(op))
}

// SettingsArgs 展开 settings 请求。
func SettingsArgs(req SettingsRequest) ([][]byte, error) {
	model, err := json.Marshal(req.Model)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "模型描述无法编码")
	}
	return [][]byte{model}, nil
}

// SettingsFromReturns 还原 settings 返回值。
func SettingsFromReturns(rets [][]byte) (*Settings, error) {
	if len(rets) != 1 {
		return nil, badReturns(OpSettings)
	}
	return &Settings{Payload: rets[0]}, nil
}

// CompileArgs 展开 compile 请求。
func CompileArgs(req CompileRequest) ([][]byte, error) {
	if req.Settings == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 settings")
	}
	return [][]byte{req.Settings.Payload}, nil
}

// CompileFromReturns 还原 compile 返回值。
func CompileFromReturns(rets [][]byte) (*CompiledCircuit, error) {
	if len(rets) != 1 {
		return nil, badReturns(OpCompile)
	}
	return &CompiledCircuit{Payload: rets[0]}, nil
}

// SetupArgs 展开 setup 请求。
func SetupArgs(req SetupRequest) ([][]byte, error) {
	if req.Circuit == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少编译产物")
	}
	return [][]byte{req.Circuit.Payload}, nil
}

// SetupFromReturns 还原 setup 返回值。
func SetupFromReturns(rets [][]byte) (*Keys, error) {
	if len(rets) != 2 {
		return nil, badReturns(OpSetup)
	}
	return &Keys{ProvingKey: rets[0], VerifyingKey: rets[1]}, nil
}

// WitnessArgs 展开 witness 请求。
func WitnessArgs(req WitnessRequest) ([][]byte, error) {
	if req.Circuit == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少编译产物")
	}
	input, err := req.Input.MarshalInput()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "特征向量无法编码")
	}
	return [][]byte{req.Circuit.Payload, input}, nil
}

// WitnessFromReturns 还原 witness 返回值。
func WitnessFromReturns(rets [][]byte) (*Witness, error) {
	if len(rets) != 2 {
		return nil, badReturns(OpWitness)
	}
	var public []string
	if err := json.Unmarshal(rets[1], &public); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开实例无法解析")
	}
	return &Witness{Payload: rets[0], PublicInstances: public}, nil
}

// ProveArgs 展开 prove 请求。
func ProveArgs(req ProveRequest) ([][]byte, error) {
	if req.Circuit == nil || req.Witness == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少编译产物或 witness")
	}
	return [][]byte{req.Circuit.Payload, req.Witness.Payload, req.ProvingKey}, nil
}

// ProveFromReturns 还原 prove 返回值。
func ProveFromReturns(rets [][]byte) (*Proof, error) {
	if len(rets) != 2 {
		return nil, badReturns(OpProve)
	}
	var public []string
	if err := json.Unmarshal(rets[1], &public); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStageComputationFail, err, "公开实例无法解析")
	}
	return &Proof{Payload: rets[0], PublicInstances: public}, nil
}

// VerifyArgs 展开 verify 请求。
func VerifyArgs(req VerifyRequest) ([][]byte, error) {
	if req.Proof == nil || req.Settings == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少证明或 settings")
	}
	return [][]byte{req.Proof.Payload, req.VerifyingKey, req.Settings.Payload}, nil
}

// VerifyFromReturns 还原 verify 返回值。
func VerifyFromReturns(rets [][]byte) (bool, error) {
	if len(rets) != 1 || len(rets[0]) != 1 {
		return false, badReturns(OpVerify)
	}
	return rets[0][0] == 1, nil
}
