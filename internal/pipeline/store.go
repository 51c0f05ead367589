package pipeline

import (
	"context"
	"sync"
	"time"

	xerrors "Redfish/internal/errors"
)

// Store 按指纹保存阶段产物。Get 在未命中时返回 (nil, nil, nil)；
// 载荷摘要与记录不符时返回 ARTIFACT_CORRUPT 错误，绝不静默接受。
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Artifact, []byte, error)
	Put(ctx context.Context, artifact *Artifact, payload []byte) error
	Delete(ctx context.Context, fingerprint string) error
	Close() error
}

// MemoryStore 是进程内实现，用于测试和一次性运行。
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*Artifact
	payloads map[string][]byte
}

// NewMemoryStore 创建内存产物存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Artifact),
		payloads: make(map[string][]byte),
	}
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*Artifact, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.entries[fingerprint]
	if !ok {
		return nil, nil, nil
	}
	payload := s.payloads[fingerprint]
	if PayloadDigest(payload) != art.PayloadSHA256 {
		return nil, nil, xerrors.New(xerrors.CodeArtifactCorrupt, "产物载荷摘要与记录不符",
			xerrors.WithMetadata("fingerprint", fingerprint),
			xerrors.WithMetadata("stage", string(art.StageID)))
	}
	copied := *art
	out := make([]byte, len(payload))
	copy(out, payload)
	return &copied, out, nil
}

// Put 实现 Store。
func (s *MemoryStore) Put(_ context.Context, artifact *Artifact, payload []byte) error {
	if artifact == nil || artifact.Fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "产物必须带有指纹")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *artifact
	stored.PayloadSHA256 = PayloadDigest(payload)
	stored.PayloadRef = artifact.Fingerprint
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.entries[artifact.Fingerprint] = &stored
	s.payloads[artifact.Fingerprint] = buf
	return nil
}

// Delete 实现 Store。
func (s *MemoryStore) Delete(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
	delete(s.payloads, fingerprint)
	return nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

// Len 返回已保存的产物数量。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Corrupt 原地篡改某个产物的载荷，供损坏恢复测试使用。
func (s *MemoryStore) Corrupt(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.payloads[fingerprint]
	if !ok {
		return false
	}
	s.payloads[fingerprint] = append(payload, 0xFF)
	return true
}
