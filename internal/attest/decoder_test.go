package attest

import (
	"errors"
	"math/big"
	"testing"
)

func encodeFixture(t *testing.T, balance *big.Int) string {
	t.Helper()
	payload, err := EncodePayload(DefaultSchema(), []any{
		[32]byte{0x01, 0x02},
		"GET",
		"https://api.etherscan.io/api?module=account&action=balance",
		big.NewInt(1730000000),
		[32]byte{0xaa},
		balance,
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return payload
}

func TestDecodeRoundTrip(t *testing.T) {
	balance := new(big.Int)
	balance.SetString("123456789012345678901", 10)

	att := &Attestation{
		Success: true,
		Notary:  "0xdeadbeef",
		Data:    AttestationData{EncodedPayload: encodeFixture(t, balance)},
	}

	fact, err := NewDecoder(DefaultSchema()).Decode(att)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	fields := fact.Fields()
	if len(fields) != 6 {
		t.Fatalf("expected 6 fields, got %d", len(fields))
	}
	if fields[1].Str != "GET" {
		t.Fatalf("unexpected method field: %q", fields[1].Str)
	}
	if fields[3].Int == nil || fields[3].Int.Int64() != 1730000000 {
		t.Fatalf("unexpected timestamp field: %v", fields[3].Int)
	}
	if got := fact.Quantity(); got == nil || got.Cmp(balance) != 0 {
		t.Fatalf("quantity mismatch: got %v want %v", got, balance)
	}
}

func TestDecodeQuantityIsImmutable(t *testing.T) {
	att := &Attestation{
		Success: true,
		Data:    AttestationData{EncodedPayload: encodeFixture(t, big.NewInt(42))},
	}
	fact, err := NewDecoder(DefaultSchema()).Decode(att)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fact.Quantity().SetInt64(999)
	if got := fact.Quantity(); got.Int64() != 42 {
		t.Fatalf("quantity mutated through accessor: %v", got)
	}
}

func TestDecodeUnverified(t *testing.T) {
	att := &Attestation{
		Success: false,
		Data:    AttestationData{EncodedPayload: encodeFixture(t, big.NewInt(0))},
	}
	if _, err := NewDecoder(DefaultSchema()).Decode(att); !errors.Is(err, ErrUnverifiedAttestation) {
		t.Fatalf("expected unverified error, got %v", err)
	}
	if _, err := NewDecoder(DefaultSchema()).Decode(nil); !errors.Is(err, ErrUnverifiedAttestation) {
		t.Fatalf("expected unverified error for nil attestation, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not hex", "0xzzzz"},
		{"truncated", "0xdead"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			att := &Attestation{Success: true, Data: AttestationData{EncodedPayload: tc.payload}}
			if _, err := NewDecoder(DefaultSchema()).Decode(att); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected malformed error, got %v", err)
			}
		})
	}
}

func TestDecodeSchemaMismatch(t *testing.T) {
	// 按短 schema 编码，再用完整 schema 解码，字段布局对不上。
	short := Schema{Fields: []FieldType{FieldUint256}, QuantityField: -1}
	payload, err := EncodePayload(short, []any{big.NewInt(7)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	att := &Attestation{Success: true, Data: AttestationData{EncodedPayload: payload}}
	_, err = NewDecoder(DefaultSchema()).Decode(att)
	if !errors.Is(err, ErrMalformedPayload) && !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestDecodeRejectZeroQuantity(t *testing.T) {
	att := &Attestation{
		Success: true,
		Data:    AttestationData{EncodedPayload: encodeFixture(t, big.NewInt(0))},
	}

	if _, err := NewDecoder(DefaultSchema()).Decode(att); err != nil {
		t.Fatalf("零数量默认应视为有效: %v", err)
	}

	dec := NewDecoder(DefaultSchema(), WithRejectZeroQuantity(true))
	if _, err := dec.Decode(att); !errors.Is(err, ErrUnverifiedAttestation) {
		t.Fatalf("expected unverified for zero quantity, got %v", err)
	}
}
