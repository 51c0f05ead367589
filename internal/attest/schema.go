package attest

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"gopkg.in/yaml.v3"
)

// FieldType 标记 schema 中一个字段的类型。
type FieldType string

const (
	FieldBytes32 FieldType = "bytes32"
	FieldString  FieldType = "string"
	FieldUint256 FieldType = "uint256"
	// FieldNumericString 在链上按 string 编码，但语义上是十进制整数
	// （原始来源把 wei 余额编码成字符串），解码时还原成 big.Int。
	FieldNumericString FieldType = "numeric_string"
)

func (t FieldType) abiType() (abi.Type, error) {
	switch t {
	case FieldBytes32:
		return abi.NewType("bytes32", "", nil)
	case FieldString, FieldNumericString:
		return abi.NewType("string", "", nil)
	case FieldUint256:
		return abi.NewType("uint256", "", nil)
	default:
		return abi.Type{}, fmt.Errorf("不支持的字段类型: %s", t)
	}
}

func (t FieldType) numeric() bool {
	return t == FieldUint256 || t == FieldNumericString
}

// Schema 描述载荷的有序字段布局。
type Schema struct {
	Fields []FieldType
	// QuantityField 指定被公证数量所在的字段下标；负数表示取最后一个数值字段。
	QuantityField int
}

// DefaultSchema 返回钱包信誉证明使用的载荷布局：
// (bytes32, string, string, uint256, bytes32, string)，末尾字符串为 wei 余额。
func DefaultSchema() Schema {
	return Schema{
		Fields: []FieldType{
			FieldBytes32,
			FieldString,
			FieldString,
			FieldUint256,
			FieldBytes32,
			FieldNumericString,
		},
		QuantityField: -1,
	}
}

// arguments 把 schema 映射成 ABI 解码所需的参数列表。
func (s Schema) arguments() (abi.Arguments, error) {
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("schema 不能为空")
	}
	args := make(abi.Arguments, 0, len(s.Fields))
	for i, field := range s.Fields {
		typ, err := field.abiType()
		if err != nil {
			return nil, fmt.Errorf("字段 %d: %w", i, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("field%d", i), Type: typ})
	}
	return args, nil
}

// quantityIndex 解析数量字段的实际下标。找不到数值字段时返回 -1。
func (s Schema) quantityIndex() int {
	if s.QuantityField >= 0 && s.QuantityField < len(s.Fields) {
		if s.Fields[s.QuantityField].numeric() {
			return s.QuantityField
		}
		return -1
	}
	for i := len(s.Fields) - 1; i >= 0; i-- {
		if s.Fields[i].numeric() {
			return i
		}
	}
	return -1
}

type schemaFile struct {
	Fields        []string `yaml:"fields"`
	QuantityField *int     `yaml:"quantity_field"`
}

// LoadSchemaFile 从 YAML 文件加载载荷 schema。路径为空时返回默认布局。
func LoadSchemaFile(path string) (Schema, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultSchema(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("读取 schema 配置失败: %w", err)
	}

	var file schemaFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return Schema{}, fmt.Errorf("解析 schema 配置失败: %w", err)
	}

	schema := Schema{QuantityField: -1}
	for i, raw := range file.Fields {
		field := FieldType(strings.TrimSpace(strings.ToLower(raw)))
		switch field {
		case FieldBytes32, FieldString, FieldUint256, FieldNumericString:
			schema.Fields = append(schema.Fields, field)
		default:
			return Schema{}, fmt.Errorf("schema 第 %d 个字段类型未知: %q", i, raw)
		}
	}
	if file.QuantityField != nil {
		schema.QuantityField = *file.QuantityField
	}
	if len(schema.Fields) == 0 {
		return Schema{}, fmt.Errorf("schema 未声明任何字段")
	}
	return schema, nil
}
