// Package attest 负责解析外部公证服务产出的数据证明。
// 一条 Attestation 记录了某个网络来源的事实（例如钱包余额），
// 解码器把它还原成带类型的事实字段，供后续特征构建使用。
package attest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Attestation 描述一条经公证的外部数据证明。加载后视为只读。
type Attestation struct {
	Success     bool              `json:"success"`
	Notary      string            `json:"notary_fingerprint"`
	Method      string            `json:"method"`
	SourceURL   string            `json:"source_url"`
	Timestamp   int64             `json:"timestamp"`
	QueriesHash string            `json:"queries_hash"`
	Data        AttestationData   `json:"data"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AttestationData 承载编码后的事实载荷与不透明的证明字节。
type AttestationData struct {
	EncodedPayload string        `json:"encoded_payload"`
	Proof          hexutil.Bytes `json:"proof,omitempty"`
}

// LoadAttestation 从 JSON 文件加载证明记录。
func LoadAttestation(path string) (*Attestation, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取证明文件失败: %w", err)
	}
	return ParseAttestation(content)
}

// ParseAttestation 解析 JSON 编码的证明记录。
func ParseAttestation(content []byte) (*Attestation, error) {
	var att Attestation
	if err := json.Unmarshal(content, &att); err != nil {
		return nil, fmt.Errorf("解析证明记录失败: %w", err)
	}
	return &att, nil
}
