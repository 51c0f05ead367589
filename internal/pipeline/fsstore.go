package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	xerrors "Redfish/internal/errors"
	"Redfish/pkg/logger"
)

// FSStore 把产物保存在本地目录里：<fingerprint>.bin 是载荷，
// <fingerprint>.json 是元数据。两个文件都先写临时文件再 rename，
// 元数据最后落盘，它的存在即代表发布完成；崩溃最多留下孤儿临时文件，
// 不会出现半成品产物。
type FSStore struct {
	root   string
	logger *slog.Logger
}

// NewFSStore 创建目录式产物存储，目录不存在时自动创建。
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "产物目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法创建产物目录")
	}
	return &FSStore{root: root, logger: logger.Named("artifact-store")}, nil
}

func (s *FSStore) payloadPath(fingerprint string) string {
	return filepath.Join(s.root, fingerprint+".bin")
}

func (s *FSStore) metaPath(fingerprint string) string {
	return filepath.Join(s.root, fingerprint+".json")
}

// Get 实现 Store。
func (s *FSStore) Get(ctx context.Context, fingerprint string) (*Artifact, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	meta, err := os.ReadFile(s.metaPath(fingerprint))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取产物元数据失败")
	}
	var artifact Artifact
	if err := json.Unmarshal(meta, &artifact); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeArtifactCorrupt, err, "产物元数据无法解析",
			xerrors.WithMetadata("fingerprint", fingerprint))
	}
	payload, err := os.ReadFile(s.payloadPath(fingerprint))
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeArtifactCorrupt, err, "产物载荷缺失",
			xerrors.WithMetadata("fingerprint", fingerprint),
			xerrors.WithMetadata("stage", string(artifact.StageID)))
	}
	if PayloadDigest(payload) != artifact.PayloadSHA256 {
		return nil, nil, xerrors.New(xerrors.CodeArtifactCorrupt, "产物载荷摘要与记录不符",
			xerrors.WithMetadata("fingerprint", fingerprint),
			xerrors.WithMetadata("stage", string(artifact.StageID)))
	}
	return &artifact, payload, nil
}

// Put 实现 Store。
func (s *FSStore) Put(ctx context.Context, artifact *Artifact, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if artifact == nil || artifact.Fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "产物必须带有指纹")
	}
	stored := *artifact
	stored.PayloadSHA256 = PayloadDigest(payload)
	stored.PayloadRef = s.payloadPath(artifact.Fingerprint)

	if err := s.publish(s.payloadPath(artifact.Fingerprint), payload); err != nil {
		return err
	}
	meta, err := json.Marshal(&stored)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "产物元数据无法编码")
	}
	if err := s.publish(s.metaPath(artifact.Fingerprint), meta); err != nil {
		return err
	}
	s.logger.Debug("产物已发布",
		slog.String("stage", string(stored.StageID)),
		slog.String("fingerprint", stored.Fingerprint),
		slog.Int("payload_bytes", len(payload)),
	)
	return nil
}

// publish 先写同目录临时文件，再原子 rename 到目标路径。
func (s *FSStore) publish(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, ".publish-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法创建临时文件")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷盘失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "发布产物失败")
	}
	return nil
}

// Delete 实现 Store。元数据先删，载荷文件留给下一次覆写也无妨。
func (s *FSStore) Delete(ctx context.Context, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.metaPath(fingerprint)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除产物元数据失败")
	}
	if err := os.Remove(s.payloadPath(fingerprint)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除产物载荷失败")
	}
	return nil
}

// Close 实现 Store。
func (s *FSStore) Close() error { return nil }
