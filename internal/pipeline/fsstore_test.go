package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "Redfish/internal/errors"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	payload := []byte("circuit bytes")
	artifact := &Artifact{
		StageID:     StageCompile,
		Fingerprint: "abc123",
		Status:      ArtifactBuilt,
		CreatedAt:   time.Now(),
	}
	if err := store.Put(context.Background(), artifact, payload); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, gotPayload, err := store.Get(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StageID != StageCompile || got.Status != ArtifactBuilt {
		t.Fatalf("unexpected artifact: %+v", got)
	}
	if string(gotPayload) != "circuit bytes" {
		t.Fatalf("payload mismatch: %q", gotPayload)
	}
	if got.PayloadSHA256 != PayloadDigest(payload) {
		t.Fatalf("digest mismatch: %s", got.PayloadSHA256)
	}
}

func TestFSStoreMissIsNotAnError(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	art, payload, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("miss returned error: %v", err)
	}
	if art != nil || payload != nil {
		t.Fatalf("miss returned data: %+v", art)
	}
}

func TestFSStoreDetectsTamperedPayload(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	artifact := &Artifact{StageID: StageSetup, Fingerprint: "fp1", Status: ArtifactBuilt}
	if err := store.Put(context.Background(), artifact, []byte("keys")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "fp1.bin"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, _, err = store.Get(context.Background(), "fp1")
	if err == nil {
		t.Fatal("expected corruption error")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeArtifactCorrupt {
		t.Fatalf("code = %s, want %s", code, xerrors.CodeArtifactCorrupt)
	}

	if err := store.Delete(context.Background(), "fp1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if art, _, err := store.Get(context.Background(), "fp1"); err != nil || art != nil {
		t.Fatalf("artifact survived delete: %+v err=%v", art, err)
	}
}

func TestFSStoreLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for i := 0; i < 5; i++ {
		artifact := &Artifact{StageID: StageProve, Fingerprint: PayloadDigest([]byte{byte(i)}), Status: ArtifactBuilt}
		if err := store.Put(context.Background(), artifact, []byte("proof")); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".publish-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 files (payload+meta per artifact), got %d", len(entries))
	}
}

func TestFingerprintChangesWithConfigAndUpstream(t *testing.T) {
	base, err := Fingerprint(StageSettings, map[string]int{"scale": 16})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	changed, err := Fingerprint(StageSettings, map[string]int{"scale": 17})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if base == changed {
		t.Fatal("config change did not change fingerprint")
	}

	childA, _ := Fingerprint(StageCompile, nil, base)
	childB, _ := Fingerprint(StageCompile, nil, changed)
	if childA == childB {
		t.Fatal("upstream change did not propagate")
	}
	again, _ := Fingerprint(StageCompile, nil, base)
	if childA != again {
		t.Fatal("fingerprint not deterministic")
	}
}
