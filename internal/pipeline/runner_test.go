package pipeline

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"Redfish/internal/attest"
	xerrors "Redfish/internal/errors"
	"Redfish/internal/feature"
	"Redfish/internal/proving"
	"Redfish/internal/proving/stub"
)

func testConfig() Config {
	weights := make([]int64, feature.VectorSize)
	for i := range weights {
		weights[i] = int64(i + 1)
	}
	return Config{
		Model: proving.ModelDescriptor{
			Name:            "balance-score",
			InputSize:       feature.VectorSize,
			Weights:         weights,
			FixedPointScale: 1 << 16,
		},
		Normalization: feature.DefaultNormalization(),
	}
}

func testAttestation(t *testing.T, quantity *big.Int) *attest.Attestation {
	t.Helper()
	payload, err := attest.EncodePayload(attest.DefaultSchema(), []any{
		[32]byte{0x01},
		"GET",
		"https://api.etherscan.io/api?module=account&action=balance",
		big.NewInt(1730000000),
		[32]byte{0xaa},
		quantity,
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return &attest.Attestation{
		Success: true,
		Notary:  "0xabc",
		Data:    attest.AttestationData{EncodedPayload: payload},
	}
}

func newTestRunner(backend proving.Service, store Store, cfg Config) *Runner {
	decoder := attest.NewDecoder(attest.DefaultSchema())
	aux := feature.DeterministicRandom{Seed: 42}
	return NewRunner(decoder, aux, backend, store, cfg)
}

func TestRunSucceeds(t *testing.T) {
	backend := stub.New()
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())

	report, err := runner.Run(context.Background(), testAttestation(t, big.NewInt(0)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != StateSucceeded {
		t.Fatalf("state = %s, want %s", report.State, StateSucceeded)
	}
	if !report.Verified {
		t.Fatal("expected verified report")
	}
	if len(report.Stages) != 6 {
		t.Fatalf("expected 6 stage reports, got %d", len(report.Stages))
	}
	for _, stage := range report.Stages {
		if stage.Status != ArtifactBuilt {
			t.Fatalf("stage %s status = %s", stage.Stage, stage.Status)
		}
		if stage.Cached {
			t.Fatalf("stage %s unexpectedly cached on first run", stage.Stage)
		}
	}
	if store.Len() != 6 {
		t.Fatalf("expected 6 artifacts in store, got %d", store.Len())
	}
	if report.ProofRef == "" || len(report.PublicInstances) == 0 {
		t.Fatalf("missing proof reference or public instances: %+v", report)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	backend := stub.New()
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())
	att := testAttestation(t, big.NewInt(125))

	first, err := runner.Run(context.Background(), att)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	calls := backend.TotalCalls()

	second, err := runner.Run(context.Background(), att)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if backend.TotalCalls() != calls {
		t.Fatalf("second run invoked the backend: %d -> %d calls", calls, backend.TotalCalls())
	}
	for i := range second.Stages {
		if !second.Stages[i].Cached {
			t.Fatalf("stage %s not served from cache", second.Stages[i].Stage)
		}
		if second.Stages[i].Fingerprint != first.Stages[i].Fingerprint {
			t.Fatalf("stage %s fingerprint changed between runs", second.Stages[i].Stage)
		}
	}
	if second.State != StateSucceeded || !second.Verified {
		t.Fatalf("cached run result mismatch: %+v", second)
	}
}

func TestConfigChangeInvalidatesAllStages(t *testing.T) {
	backend := stub.New()
	store := NewMemoryStore()
	att := testAttestation(t, big.NewInt(125))

	first, err := newTestRunner(backend, store, testConfig()).Run(context.Background(), att)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	changed := testConfig()
	changed.Model.Weights[0] = 999
	second, err := newTestRunner(backend, store, changed).Run(context.Background(), att)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for i := range second.Stages {
		if second.Stages[i].Fingerprint == first.Stages[i].Fingerprint {
			t.Fatalf("stage %s fingerprint survived a model change", second.Stages[i].Stage)
		}
		if second.Stages[i].Cached {
			t.Fatalf("stage %s served from cache after model change", second.Stages[i].Stage)
		}
	}
}

func TestRunMalformedPayloadLeavesStoreEmpty(t *testing.T) {
	backend := stub.New()
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())

	att := &attest.Attestation{
		Success: true,
		Data:    attest.AttestationData{EncodedPayload: "0x01"},
	}
	report, err := runner.Run(context.Background(), att)
	if err == nil {
		t.Fatal("expected decode failure")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeDecodeMalformed {
		t.Fatalf("code = %s, want %s", code, xerrors.CodeDecodeMalformed)
	}
	if report.State != StateFailed {
		t.Fatalf("state = %s, want %s", report.State, StateFailed)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d artifacts", store.Len())
	}
	if backend.TotalCalls() != 0 {
		t.Fatalf("backend invoked %d times before decode completed", backend.TotalCalls())
	}
}

func TestRunVerificationRejected(t *testing.T) {
	backend := stub.New(stub.WithVerifyResult(false))
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())

	report, err := runner.Run(context.Background(), testAttestation(t, big.NewInt(300)))
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeVerificationRejected {
		t.Fatalf("code = %s, want %s", code, xerrors.CodeVerificationRejected)
	}
	if report.Verified {
		t.Fatal("report marked verified after rejection")
	}
	if report.FailedStage != StageVerify {
		t.Fatalf("failed stage = %s, want %s", report.FailedStage, StageVerify)
	}
	// 拒绝是验证阶段的正常产物，六个阶段全部执行完成。
	if len(report.Stages) != 6 {
		t.Fatalf("expected 6 stage reports, got %d", len(report.Stages))
	}
	for _, stage := range report.Stages {
		if stage.Status != ArtifactBuilt {
			t.Fatalf("stage %s status = %s", stage.Stage, stage.Status)
		}
	}
}

func TestCorruptArtifactIsRebuilt(t *testing.T) {
	backend := stub.New()
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())
	att := testAttestation(t, big.NewInt(125))

	first, err := runner.Run(context.Background(), att)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	settingsFP := first.StageByID(StageSettings).Fingerprint
	if !store.Corrupt(settingsFP) {
		t.Fatal("settings artifact missing from store")
	}

	second, err := runner.Run(context.Background(), att)
	if err != nil {
		t.Fatalf("rerun after corruption: %v", err)
	}
	settings := second.StageByID(StageSettings)
	if settings.Cached {
		t.Fatal("corrupt settings artifact served from cache")
	}
	// 重建产生相同指纹，下游不受影响。
	compile := second.StageByID(StageCompile)
	if !compile.Cached {
		t.Fatal("downstream stage rebuilt despite unchanged fingerprint")
	}
	if _, payload, err := store.Get(context.Background(), settingsFP); err != nil || payload == nil {
		t.Fatalf("rebuilt artifact unreadable: %v", err)
	}
}

func TestRunObservesCancellationAtStageBoundary(t *testing.T) {
	backend := stub.New()
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := runner.Run(ctx, testAttestation(t, big.NewInt(1)))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if report.State != StateFailed {
		t.Fatalf("state = %s, want %s", report.State, StateFailed)
	}
	if store.Len() != 0 {
		t.Fatalf("artifacts published after cancellation: %d", store.Len())
	}
}

// mismatchBackend 的主约定永远拒绝，用于验证回退恰好发生一次。
type mismatchBackend struct {
	delegate *stub.Service

	mu              sync.Mutex
	positionalCalls map[proving.Op]int
	positionalFails bool
}

func newMismatchBackend(positionalFails bool) *mismatchBackend {
	return &mismatchBackend{
		delegate:        stub.New(),
		positionalCalls: make(map[proving.Op]int),
		positionalFails: positionalFails,
	}
}

func (b *mismatchBackend) reject() error {
	return xerrors.New(xerrors.CodeStageSignatureMismatch, "具名参数不被支持")
}

func (b *mismatchBackend) GenerateSettings(context.Context, proving.SettingsRequest) (*proving.Settings, error) {
	return nil, b.reject()
}

func (b *mismatchBackend) Compile(context.Context, proving.CompileRequest) (*proving.CompiledCircuit, error) {
	return nil, b.reject()
}

func (b *mismatchBackend) Setup(context.Context, proving.SetupRequest) (*proving.Keys, error) {
	return nil, b.reject()
}

func (b *mismatchBackend) GenerateWitness(context.Context, proving.WitnessRequest) (*proving.Witness, error) {
	return nil, b.reject()
}

func (b *mismatchBackend) Prove(context.Context, proving.ProveRequest) (*proving.Proof, error) {
	return nil, b.reject()
}

func (b *mismatchBackend) Verify(context.Context, proving.VerifyRequest) (bool, error) {
	return false, b.reject()
}

func (b *mismatchBackend) Invoke(ctx context.Context, op proving.Op, args ...[]byte) ([][]byte, error) {
	b.mu.Lock()
	b.positionalCalls[op]++
	b.mu.Unlock()
	if b.positionalFails {
		return nil, b.reject()
	}
	return b.delegate.Invoke(ctx, op, args...)
}

func (b *mismatchBackend) calls(op proving.Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionalCalls[op]
}

func TestSignatureFallbackRetriesExactlyOnce(t *testing.T) {
	backend := newMismatchBackend(false)
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())

	report, err := runner.Run(context.Background(), testAttestation(t, big.NewInt(75)))
	if err != nil {
		t.Fatalf("run with fallback: %v", err)
	}
	if report.State != StateSucceeded {
		t.Fatalf("state = %s, want %s", report.State, StateSucceeded)
	}
	for _, op := range []proving.Op{proving.OpSettings, proving.OpCompile, proving.OpSetup, proving.OpWitness, proving.OpProve, proving.OpVerify} {
		if got := backend.calls(op); got != 1 {
			t.Fatalf("positional %s invoked %d times, want 1", op, got)
		}
	}
}

func TestSignatureFallbackBothRejectedIsTerminal(t *testing.T) {
	backend := newMismatchBackend(true)
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, testConfig())

	report, err := runner.Run(context.Background(), testAttestation(t, big.NewInt(75)))
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeStageComputationFail {
		t.Fatalf("code = %s, want %s", code, xerrors.CodeStageComputationFail)
	}
	if report.FailedStage != StageSettings {
		t.Fatalf("failed stage = %s, want %s", report.FailedStage, StageSettings)
	}
	if got := backend.calls(proving.OpSettings); got != 1 {
		t.Fatalf("positional settings invoked %d times, want exactly 1", got)
	}
	if store.Len() != 0 {
		t.Fatalf("artifacts published for failed stage: %d", store.Len())
	}
}

// contractBackend 在假后端之上补充可选的合约产出能力。
type contractBackend struct {
	*stub.Service
	emitted int
}

func (b *contractBackend) EmitVerifierContract(_ context.Context, _ *proving.Keys, _ *proving.Settings) ([]byte, error) {
	b.emitted++
	return []byte("// SPDX-License-Identifier: MIT\ncontract Verifier {}\n"), nil
}

func TestVerifierContractStage(t *testing.T) {
	cfg := testConfig()
	cfg.EmitVerifierContract = true
	backend := &contractBackend{Service: stub.New()}
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, cfg)

	report, err := runner.Run(context.Background(), testAttestation(t, big.NewInt(50)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.emitted != 1 {
		t.Fatalf("contract emitted %d times, want 1", backend.emitted)
	}
	if len(report.Stages) != 7 {
		t.Fatalf("expected 7 stage reports, got %d", len(report.Stages))
	}
	if report.Stages[6].Stage != StageVerifierContract {
		t.Fatalf("trailing stage = %s", report.Stages[6].Stage)
	}
}

func TestVerifierContractSkippedWithoutCapability(t *testing.T) {
	cfg := testConfig()
	cfg.EmitVerifierContract = true
	backend := stub.New()
	store := NewMemoryStore()
	runner := newTestRunner(backend, store, cfg)

	report, err := runner.Run(context.Background(), testAttestation(t, big.NewInt(50)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != StateSucceeded {
		t.Fatalf("state = %s", report.State)
	}
	if len(report.Stages) != 6 {
		t.Fatalf("expected 6 stage reports, got %d", len(report.Stages))
	}
}
