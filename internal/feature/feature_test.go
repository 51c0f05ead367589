package feature

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"Redfish/internal/attest"
)

func factWithQuantity(t *testing.T, quantity *big.Int) *attest.DecodedFact {
	t.Helper()
	schema := attest.Schema{Fields: []attest.FieldType{attest.FieldNumericString}, QuantityField: 0}
	payload, err := attest.EncodePayload(schema, []any{quantity})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	att := &attest.Attestation{Success: true, Data: attest.AttestationData{EncodedPayload: payload}}
	fact, err := attest.NewDecoder(schema).Decode(att)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return fact
}

func TestNormalizationMatchesTrainingDistribution(t *testing.T) {
	// 零余额在 {center=50, scale=250, bound=2.5} 下精确落在 -0.2。
	cfg := Normalization{Center: 50, Scale: 250, ClampBound: 2.5}
	got, err := cfg.Apply(big.NewInt(0))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != -0.2 {
		t.Fatalf("expected -0.2 exactly, got %v", got)
	}
}

func TestNormalizationHardClamp(t *testing.T) {
	cfg := Normalization{Center: 50, Scale: 250, ClampBound: 2.5}

	huge := new(big.Int)
	huge.SetString("1000000000000000000000000", 10)
	got, err := cfg.Apply(huge)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != 2.5 {
		t.Fatalf("expected exact upper bound 2.5, got %v", got)
	}

	negative := new(big.Int).Neg(huge)
	got, err = cfg.Apply(negative)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != -2.5 {
		t.Fatalf("expected exact lower bound -2.5, got %v", got)
	}
}

func TestNormalizationMonotonic(t *testing.T) {
	cfg := DefaultNormalization()
	prev := math.Inf(-1)
	for _, q := range []int64{-1000, -1, 0, 1, 49, 50, 51, 300, 700} {
		got, err := cfg.Apply(big.NewInt(q))
		if err != nil {
			t.Fatalf("apply %d: %v", q, err)
		}
		if got < prev {
			t.Fatalf("normalization not monotonic at %d: %v < %v", q, got, prev)
		}
		prev = got
	}
}

func TestBuildDeterministic(t *testing.T) {
	fact := factWithQuantity(t, big.NewInt(0))
	cfg := DefaultNormalization()

	first, err := Build(fact, DeterministicRandom{Seed: 42}, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := Build(fact, DeterministicRandom{Seed: 42}, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first != second {
		t.Fatalf("deterministic build differs:\n%v\n%v", first, second)
	}
	if first[0] != -0.2 {
		t.Fatalf("expected feature[0] == -0.2, got %v", first[0])
	}

	other, err := Build(fact, DeterministicRandom{Seed: 43}, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first == other {
		t.Fatal("不同种子不应产生相同向量")
	}
}

func TestBuildFixedLiteral(t *testing.T) {
	fact := factWithQuantity(t, big.NewInt(300))
	values := make([]float64, VectorSize-1)
	for i := range values {
		values[i] = float64(i) * 0.5
	}

	vec, err := Build(fact, FixedLiteral{Values: values}, DefaultNormalization())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if vec[0] != 1.0 {
		t.Fatalf("expected (300-50)/250 == 1.0, got %v", vec[0])
	}
	for i, want := range values {
		if vec[i+1] != want {
			t.Fatalf("aux feature %d mismatch: got %v want %v", i, vec[i+1], want)
		}
	}
}

func TestBuildWrongArity(t *testing.T) {
	fact := factWithQuantity(t, big.NewInt(1))
	_, err := Build(fact, FixedLiteral{Values: []float64{1, 2, 3}}, DefaultNormalization())
	if !errors.Is(err, ErrWrongArity) {
		t.Fatalf("expected wrong arity, got %v", err)
	}
}

func TestBuildOutOfDomain(t *testing.T) {
	fact := factWithQuantity(t, big.NewInt(1))
	values := make([]float64, VectorSize-1)
	values[7] = math.NaN()
	_, err := Build(fact, FixedLiteral{Values: values}, DefaultNormalization())
	if !errors.Is(err, ErrOutOfDomain) {
		t.Fatalf("expected out of domain, got %v", err)
	}
}

func TestMarshalInput(t *testing.T) {
	fact := factWithQuantity(t, big.NewInt(0))
	vec, err := Build(fact, DeterministicRandom{Seed: 42}, DefaultNormalization())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, err := vec.MarshalInput()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		t.Fatalf("unexpected payload: %s", raw)
	}
}
