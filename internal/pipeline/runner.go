package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"Redfish/internal/attest"
	xerrors "Redfish/internal/errors"
	"Redfish/internal/feature"
	"Redfish/internal/proving"
	"Redfish/pkg/logger"
)

// Config 是一次运行的阶段配置，参与指纹计算。
type Config struct {
	Model                proving.ModelDescriptor `json:"model"`
	Normalization        feature.Normalization   `json:"normalization"`
	EmitVerifierContract bool                    `json:"emit_verifier_contract"`
}

// Runner 驱动完整的状态机：解码、特征构建、阶段链、验证判定。
// 续跑不是单独的模式，而是指纹缓存命中的自然结果。
type Runner struct {
	decoder *attest.Decoder
	aux     feature.AuxiliarySource
	backend proving.Service
	store   Store
	cfg     Config
	logger  *slog.Logger
}

// NewRunner 组装流水线执行器。
func NewRunner(decoder *attest.Decoder, aux feature.AuxiliarySource, backend proving.Service, store Store, cfg Config) *Runner {
	return &Runner{
		decoder: decoder,
		aux:     aux,
		backend: backend,
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("pipeline"),
	}
}

type verifyResult struct {
	Verified bool `json:"verified"`
}

// Run 执行一次完整运行并返回结构化结果。失败时报告与错误同时返回，
// 报告里记录失败的阶段与错误码。
func (r *Runner) Run(ctx context.Context, att *attest.Attestation) (*Report, error) {
	report := &Report{State: StateNotStarted}

	report.State = StateDecoding
	fact, err := r.decoder.Decode(att)
	if err != nil {
		r.logger.Error("证言解码失败", slog.String("error", err.Error()))
		report.recordFailure("", "", time.Now(), err)
		return report, err
	}

	report.State = StateBuildingFeatures
	vec, err := feature.Build(fact, r.aux, r.cfg.Normalization)
	if err != nil {
		r.logger.Error("特征向量构建失败", slog.String("error", err.Error()))
		report.recordFailure("", "", time.Now(), err)
		return report, err
	}

	fps, err := r.fingerprints(vec)
	if err != nil {
		report.recordFailure("", "", time.Now(), err)
		return report, err
	}

	report.State = StateStaging

	settings, err := r.stageSettings(ctx, report, fps[StageSettings])
	if err != nil {
		return report, err
	}
	circuit, err := r.stageCompile(ctx, report, fps[StageCompile], settings)
	if err != nil {
		return report, err
	}
	keys, err := r.stageSetup(ctx, report, fps[StageSetup], circuit)
	if err != nil {
		return report, err
	}
	witness, err := r.stageWitness(ctx, report, fps[StageWitness], circuit, vec)
	if err != nil {
		return report, err
	}
	proof, err := r.stageProve(ctx, report, fps[StageProve], circuit, witness, keys)
	if err != nil {
		return report, err
	}
	report.ProofRef = fps[StageProve]
	report.PublicInstances = proof.PublicInstances

	report.State = StateVerifying
	verified, err := r.stageVerify(ctx, report, fps[StageVerify], proof, keys, settings)
	if err != nil {
		return report, err
	}
	report.Verified = verified
	if !verified {
		rejection := xerrors.New(xerrors.CodeVerificationRejected, "证明未通过验证",
			xerrors.WithMetadata("fingerprint", fps[StageVerify]))
		r.logger.Warn("验证判定为拒绝", slog.String("fingerprint", fps[StageVerify]))
		report.State = StateFailed
		report.FailedStage = StageVerify
		report.FailureCode = xerrors.CodeVerificationRejected
		return report, rejection
	}

	if r.cfg.EmitVerifierContract {
		if err := r.stageVerifierContract(ctx, report, fps, keys, settings); err != nil {
			return report, err
		}
	}

	report.State = StateSucceeded
	r.logger.Info("运行完成",
		slog.String("proof_ref", report.ProofRef),
		slog.Int("stages", len(report.Stages)),
	)
	return report, nil
}

// fingerprints 预先计算整条阶段链的指纹。任何阶段配置或上游指纹的
// 变化都会沿着链向下游传播。
func (r *Runner) fingerprints(vec feature.Vector) (map[StageID]string, error) {
	fps := make(map[StageID]string, 7)
	var err error
	if fps[StageSettings], err = Fingerprint(StageSettings, r.cfg.Model); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法计算阶段指纹")
	}
	if fps[StageCompile], err = Fingerprint(StageCompile, nil, fps[StageSettings]); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法计算阶段指纹")
	}
	if fps[StageSetup], err = Fingerprint(StageSetup, nil, fps[StageCompile]); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法计算阶段指纹")
	}
	if fps[StageWitness], err = Fingerprint(StageWitness, vec, fps[StageCompile]); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法计算阶段指纹")
	}
	if fps[StageProve], err = Fingerprint(StageProve, nil, fps[StageWitness], fps[StageSetup], fps[StageCompile]); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法计算阶段指纹")
	}
	if fps[StageVerify], err = Fingerprint(StageVerify, nil, fps[StageProve], fps[StageSetup], fps[StageSettings]); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法计算阶段指纹")
	}
	if fps[StageVerifierContract], err = Fingerprint(StageVerifierContract, nil, fps[StageSetup], fps[StageSettings]); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法计算阶段指纹")
	}
	return fps, nil
}

// runStage 执行单个阶段：先查缓存，命中且摘要完好则跳过后端调用；
// 摘要不符的产物被丢弃并强制重建。取消只在阶段边界被观察。
func (r *Runner) runStage(ctx context.Context, report *Report, stage StageID, fp string, build func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		report.recordFailure(stage, fp, started, err)
		return nil, false, err
	}

	art, payload, err := r.store.Get(ctx, fp)
	switch {
	case err != nil && xerrors.CodeOf(err) == xerrors.CodeArtifactCorrupt:
		r.logger.Warn("缓存产物损坏，丢弃并重建",
			slog.String("stage", string(stage)),
			slog.String("fingerprint", fp),
		)
		if derr := r.store.Delete(ctx, fp); derr != nil {
			report.recordFailure(stage, fp, started, derr)
			return nil, false, derr
		}
	case err != nil:
		report.recordFailure(stage, fp, started, err)
		return nil, false, err
	case art != nil && art.Status == ArtifactBuilt:
		r.logger.Debug("阶段命中缓存",
			slog.String("stage", string(stage)),
			slog.String("fingerprint", fp),
		)
		report.recordStage(stage, fp, true, started)
		return payload, true, nil
	}

	payload, err = build(ctx)
	if err != nil {
		r.logger.Error("阶段执行失败",
			slog.String("stage", string(stage)),
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		report.recordFailure(stage, fp, started, err)
		return nil, false, err
	}
	artifact := &Artifact{
		StageID:     stage,
		Fingerprint: fp,
		Status:      ArtifactBuilt,
		CreatedAt:   time.Now(),
	}
	if err := r.store.Put(ctx, artifact, payload); err != nil {
		report.recordFailure(stage, fp, started, err)
		return nil, false, err
	}
	report.recordStage(stage, fp, false, started)
	return payload, false, nil
}

// invoke 先走主调用约定；只有后端以约定不匹配拒绝、且实现了按位置
// 约定时，才恰好重试一次。重试再失败即为终态，不再继续回退。
func (r *Runner) invoke(ctx context.Context, op proving.Op, primary func(context.Context) error, args func() ([][]byte, error), accept func([][]byte) error) error {
	err := primary(ctx)
	if err == nil {
		return nil
	}
	if !proving.IsSignatureMismatch(err) {
		return err
	}
	positional, ok := r.backend.(proving.PositionalService)
	if !ok {
		return err
	}
	r.logger.Warn("主调用约定被拒绝，按位置约定重试一次", slog.String("op", string(op)))
	packed, aerr := args()
	if aerr != nil {
		return aerr
	}
	rets, rerr := positional.Invoke(ctx, op, packed...)
	if rerr != nil {
		if proving.IsSignatureMismatch(rerr) {
			return xerrors.Wrap(xerrors.CodeStageComputationFail, rerr, "两种调用约定均被后端拒绝: "+string(op))
		}
		return rerr
	}
	return accept(rets)
}

func decodeCached[T any](payload []byte, fp string) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArtifactCorrupt, err, "缓存产物无法解析",
			xerrors.WithMetadata("fingerprint", fp))
	}
	return out, nil
}

func (r *Runner) stageSettings(ctx context.Context, report *Report, fp string) (*proving.Settings, error) {
	var settings *proving.Settings
	req := proving.SettingsRequest{Model: r.cfg.Model}
	payload, cached, err := r.runStage(ctx, report, StageSettings, fp, func(ctx context.Context) ([]byte, error) {
		err := r.invoke(ctx, proving.OpSettings,
			func(ctx context.Context) error {
				out, err := r.backend.GenerateSettings(ctx, req)
				if err != nil {
					return err
				}
				settings = out
				return nil
			},
			func() ([][]byte, error) { return proving.SettingsArgs(req) },
			func(rets [][]byte) error {
				out, err := proving.SettingsFromReturns(rets)
				if err != nil {
					return err
				}
				settings = out
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		return json.Marshal(settings)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return decodeCached[proving.Settings](payload, fp)
	}
	return settings, nil
}

func (r *Runner) stageCompile(ctx context.Context, report *Report, fp string, settings *proving.Settings) (*proving.CompiledCircuit, error) {
	var circuit *proving.CompiledCircuit
	req := proving.CompileRequest{Settings: settings}
	payload, cached, err := r.runStage(ctx, report, StageCompile, fp, func(ctx context.Context) ([]byte, error) {
		err := r.invoke(ctx, proving.OpCompile,
			func(ctx context.Context) error {
				out, err := r.backend.Compile(ctx, req)
				if err != nil {
					return err
				}
				circuit = out
				return nil
			},
			func() ([][]byte, error) { return proving.CompileArgs(req) },
			func(rets [][]byte) error {
				out, err := proving.CompileFromReturns(rets)
				if err != nil {
					return err
				}
				circuit = out
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		return json.Marshal(circuit)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return decodeCached[proving.CompiledCircuit](payload, fp)
	}
	return circuit, nil
}

func (r *Runner) stageSetup(ctx context.Context, report *Report, fp string, circuit *proving.CompiledCircuit) (*proving.Keys, error) {
	var keys *proving.Keys
	req := proving.SetupRequest{Circuit: circuit}
	payload, cached, err := r.runStage(ctx, report, StageSetup, fp, func(ctx context.Context) ([]byte, error) {
		err := r.invoke(ctx, proving.OpSetup,
			func(ctx context.Context) error {
				out, err := r.backend.Setup(ctx, req)
				if err != nil {
					return err
				}
				keys = out
				return nil
			},
			func() ([][]byte, error) { return proving.SetupArgs(req) },
			func(rets [][]byte) error {
				out, err := proving.SetupFromReturns(rets)
				if err != nil {
					return err
				}
				keys = out
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		return json.Marshal(keys)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return decodeCached[proving.Keys](payload, fp)
	}
	return keys, nil
}

func (r *Runner) stageWitness(ctx context.Context, report *Report, fp string, circuit *proving.CompiledCircuit, vec feature.Vector) (*proving.Witness, error) {
	var witness *proving.Witness
	req := proving.WitnessRequest{Circuit: circuit, Input: vec}
	payload, cached, err := r.runStage(ctx, report, StageWitness, fp, func(ctx context.Context) ([]byte, error) {
		err := r.invoke(ctx, proving.OpWitness,
			func(ctx context.Context) error {
				out, err := r.backend.GenerateWitness(ctx, req)
				if err != nil {
					return err
				}
				witness = out
				return nil
			},
			func() ([][]byte, error) { return proving.WitnessArgs(req) },
			func(rets [][]byte) error {
				out, err := proving.WitnessFromReturns(rets)
				if err != nil {
					return err
				}
				witness = out
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		return json.Marshal(witness)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return decodeCached[proving.Witness](payload, fp)
	}
	return witness, nil
}

func (r *Runner) stageProve(ctx context.Context, report *Report, fp string, circuit *proving.CompiledCircuit, witness *proving.Witness, keys *proving.Keys) (*proving.Proof, error) {
	var proof *proving.Proof
	req := proving.ProveRequest{Circuit: circuit, Witness: witness, ProvingKey: keys.ProvingKey}
	payload, cached, err := r.runStage(ctx, report, StageProve, fp, func(ctx context.Context) ([]byte, error) {
		err := r.invoke(ctx, proving.OpProve,
			func(ctx context.Context) error {
				out, err := r.backend.Prove(ctx, req)
				if err != nil {
					return err
				}
				proof = out
				return nil
			},
			func() ([][]byte, error) { return proving.ProveArgs(req) },
			func(rets [][]byte) error {
				out, err := proving.ProveFromReturns(rets)
				if err != nil {
					return err
				}
				proof = out
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		return json.Marshal(proof)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return decodeCached[proving.Proof](payload, fp)
	}
	return proof, nil
}

func (r *Runner) stageVerify(ctx context.Context, report *Report, fp string, proof *proving.Proof, keys *proving.Keys, settings *proving.Settings) (bool, error) {
	var verified bool
	req := proving.VerifyRequest{Proof: proof, VerifyingKey: keys.VerifyingKey, Settings: settings}
	payload, cached, err := r.runStage(ctx, report, StageVerify, fp, func(ctx context.Context) ([]byte, error) {
		err := r.invoke(ctx, proving.OpVerify,
			func(ctx context.Context) error {
				ok, err := r.backend.Verify(ctx, req)
				if err != nil {
					return err
				}
				verified = ok
				return nil
			},
			func() ([][]byte, error) { return proving.VerifyArgs(req) },
			func(rets [][]byte) error {
				ok, err := proving.VerifyFromReturns(rets)
				if err != nil {
					return err
				}
				verified = ok
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		return json.Marshal(verifyResult{Verified: verified})
	})
	if err != nil {
		return false, err
	}
	if cached {
		result, derr := decodeCached[verifyResult](payload, fp)
		if derr != nil {
			return false, derr
		}
		return result.Verified, nil
	}
	return verified, nil
}

// stageVerifierContract 在后端具备合约产出能力时运行收尾阶段，
// 否则静默跳过，不影响运行结果。
func (r *Runner) stageVerifierContract(ctx context.Context, report *Report, fps map[StageID]string, keys *proving.Keys, settings *proving.Settings) error {
	emitter, ok := r.backend.(proving.ContractEmitter)
	if !ok {
		r.logger.Debug("后端不支持验证合约产出，跳过收尾阶段")
		return nil
	}
	_, _, err := r.runStage(ctx, report, StageVerifierContract, fps[StageVerifierContract], func(ctx context.Context) ([]byte, error) {
		return emitter.EmitVerifierContract(ctx, keys, settings)
	})
	return err
}
