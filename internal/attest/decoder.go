package attest

import (
	"encoding/hex"
	"math/big"
	"strings"

	xerrors "Redfish/internal/errors"
)

var (
	// ErrMalformedPayload 表示载荷无法按 schema 解析。
	ErrMalformedPayload = xerrors.New(xerrors.CodeDecodeMalformed, "证明载荷无法解析")
	// ErrSchemaMismatch 表示字段数量或类型与 schema 不一致。
	ErrSchemaMismatch = xerrors.New(xerrors.CodeDecodeSchemaMismatch, "载荷字段与 schema 不一致")
	// ErrUnverifiedAttestation 表示证明的公证校验未通过。
	ErrUnverifiedAttestation = xerrors.New(xerrors.CodeDecodeUnverified, "证明未通过公证校验")
)

// Field 是解码后的单个事实字段。
type Field struct {
	Type    FieldType
	Str     string
	Bytes32 [32]byte
	Int     *big.Int
}

// DecodedFact 保存按 schema 解码出的有序事实字段。
// 只能由 Decoder 产出，外部不应自行构造。
type DecodedFact struct {
	fields      []Field
	quantityIdx int
}

// Quantity 返回被公证的数量（任意精度整数）。无数值字段时返回 nil。
func (f *DecodedFact) Quantity() *big.Int {
	if f == nil || f.quantityIdx < 0 || f.quantityIdx >= len(f.fields) {
		return nil
	}
	v := f.fields[f.quantityIdx].Int
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Fields 返回字段副本，保持 DecodedFact 自身不可变。
func (f *DecodedFact) Fields() []Field {
	if f == nil {
		return nil
	}
	out := make([]Field, len(f.fields))
	copy(out, f.fields)
	for i := range out {
		if out[i].Int != nil {
			out[i].Int = new(big.Int).Set(out[i].Int)
		}
	}
	return out
}

// Decoder 把原始证明解码成类型化的事实记录。
// 解码是纯函数：不修改输入，不做网络或证明调用。
type Decoder struct {
	schema     Schema
	rejectZero bool
}

// DecoderOption 定义解码器的可选配置。
type DecoderOption func(*Decoder)

// WithRejectZeroQuantity 把数量为零的证明当作未验证处理。
// 原始来源对「零余额究竟是有效值还是解码失败信号」语焉不详，这里交给配置决定。
func WithRejectZeroQuantity(reject bool) DecoderOption {
	return func(d *Decoder) {
		d.rejectZero = reject
	}
}

// NewDecoder 创建解码器。
func NewDecoder(schema Schema, opts ...DecoderOption) *Decoder {
	d := &Decoder{schema: schema}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Decode 校验信封并按 schema 解码载荷。
// 校验顺序固定：先看 success 标志，再解析十六进制，最后做 ABI 解码。
func (d *Decoder) Decode(att *Attestation) (*DecodedFact, error) {
	if att == nil || !att.Success {
		return nil, ErrUnverifiedAttestation
	}

	raw := strings.TrimSpace(att.Data.EncodedPayload)
	raw = strings.TrimPrefix(raw, "0x")
	if raw == "" {
		return nil, xerrors.Wrap(xerrors.CodeDecodeMalformed, nil, "载荷为空")
	}
	payload, err := hex.DecodeString(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecodeMalformed, err, "载荷不是合法的十六进制")
	}

	args, err := d.schema.arguments()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecodeSchemaMismatch, err, "schema 非法")
	}
	values, err := args.Unpack(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecodeMalformed, err, "ABI 解码失败")
	}
	if len(values) != len(d.schema.Fields) {
		return nil, xerrors.Wrap(xerrors.CodeDecodeSchemaMismatch, nil, "解码字段数量与 schema 不符")
	}

	fields := make([]Field, 0, len(values))
	for i, value := range values {
		field, err := convertField(d.schema.Fields[i], value)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}

	fact := &DecodedFact{fields: fields, quantityIdx: d.schema.quantityIndex()}
	if d.rejectZero {
		if q := fact.Quantity(); q != nil && q.Sign() == 0 {
			return nil, xerrors.Wrap(xerrors.CodeDecodeUnverified, nil, "数量为零被配置为未验证",
				xerrors.WithMetadata("reason", "zero_quantity"))
		}
	}
	return fact, nil
}

func convertField(typ FieldType, value any) (Field, error) {
	switch typ {
	case FieldBytes32:
		b, ok := value.([32]byte)
		if !ok {
			return Field{}, xerrors.Wrap(xerrors.CodeDecodeSchemaMismatch, nil, "期望 bytes32 字段")
		}
		return Field{Type: typ, Bytes32: b}, nil
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return Field{}, xerrors.Wrap(xerrors.CodeDecodeSchemaMismatch, nil, "期望 string 字段")
		}
		return Field{Type: typ, Str: s}, nil
	case FieldUint256:
		n, ok := value.(*big.Int)
		if !ok {
			return Field{}, xerrors.Wrap(xerrors.CodeDecodeSchemaMismatch, nil, "期望 uint256 字段")
		}
		return Field{Type: typ, Int: new(big.Int).Set(n)}, nil
	case FieldNumericString:
		s, ok := value.(string)
		if !ok {
			return Field{}, xerrors.Wrap(xerrors.CodeDecodeSchemaMismatch, nil, "期望字符串编码的数值字段")
		}
		// 一律按十进制解析成任意精度整数，绝不在解码阶段转浮点。
		n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
		if !ok {
			return Field{}, xerrors.Wrap(xerrors.CodeDecodeMalformed, nil, "数值字符串无法解析: "+s)
		}
		return Field{Type: typ, Str: s, Int: n}, nil
	default:
		return Field{}, xerrors.Wrap(xerrors.CodeDecodeSchemaMismatch, nil, "未知字段类型")
	}
}

// EncodePayload 按 schema 打包字段值，产出带 0x 前缀的十六进制载荷。
// 主要用于构造测试夹具，与 Decode 构成往返。
func EncodePayload(schema Schema, values []any) (string, error) {
	args, err := schema.arguments()
	if err != nil {
		return "", err
	}
	if len(values) != len(schema.Fields) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "字段值数量与 schema 不符")
	}
	packable := make([]any, len(values))
	for i, value := range values {
		if schema.Fields[i] == FieldNumericString {
			if n, ok := value.(*big.Int); ok {
				packable[i] = n.String()
				continue
			}
		}
		packable[i] = value
	}
	packed, err := args.Pack(packable...)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "ABI 编码失败")
	}
	return "0x" + hex.EncodeToString(packed), nil
}
