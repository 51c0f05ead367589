package attest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSchemaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	content := []byte(`fields:
  - bytes32
  - string
  - uint256
  - numeric_string
quantity_field: 2
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	schema, err := LoadSchemaFile(path)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	if len(schema.Fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(schema.Fields))
	}
	if schema.quantityIndex() != 2 {
		t.Fatalf("expected quantity index 2, got %d", schema.quantityIndex())
	}
}

func TestLoadSchemaFileDefaults(t *testing.T) {
	schema, err := LoadSchemaFile("")
	if err != nil {
		t.Fatalf("load default schema: %v", err)
	}
	if len(schema.Fields) != 6 {
		t.Fatalf("unexpected default schema size: %d", len(schema.Fields))
	}
	// 默认布局的数量字段是末尾的 wei 余额字符串。
	if schema.quantityIndex() != 5 {
		t.Fatalf("expected quantity index 5, got %d", schema.quantityIndex())
	}
}

func TestLoadSchemaFileRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(path, []byte("fields:\n  - float64\n"), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	if _, err := LoadSchemaFile(path); err == nil {
		t.Fatal("expected error for unknown field type")
	}
}
