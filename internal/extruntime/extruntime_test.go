package extruntime_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bastionlabs/harbor/internal/capability"
	"github.com/bastionlabs/harbor/internal/extruntime"
)

// emptyWasmModule is the smallest valid WASM binary: the 4-byte magic
// number and version 1, with no sections at all. It compiles cleanly but
// exports nothing, which is exactly what the missing-export tests need.
func emptyWasmModule() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func TestPrepareRejectsModuleMissingAllocExport(t *testing.T) {
	ctx := context.Background()
	reg, err := extruntime.NewRegistry(ctx)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(ctx)

	cs := &capability.CapabilitySet{Kind: capability.KindTool}
	_, err = reg.Prepare(ctx, "empty", emptyWasmModule(), cs)
	if err == nil {
		t.Fatal("expected Prepare to fail for a module exporting nothing")
	}
	var missing *extruntime.MissingExportError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingExportError, got %T: %v", err, err)
	}
	if missing.Export != "alloc" {
		t.Fatalf("expected missing export 'alloc', got %q", missing.Export)
	}
}

func TestPrepareRejectsInvalidBytes(t *testing.T) {
	ctx := context.Background()
	reg, err := extruntime.NewRegistry(ctx)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(ctx)

	cs := &capability.CapabilitySet{Kind: capability.KindTool}
	_, err = reg.Prepare(ctx, "garbage", []byte("not wasm"), cs)
	if err == nil {
		t.Fatal("expected Prepare to fail on non-WASM bytes")
	}
	var compErr *extruntime.CompilationError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected *CompilationError, got %T: %v", err, err)
	}
}

func TestLoadDirIgnoresNonWasmFiles(t *testing.T) {
	ctx := context.Background()
	reg, err := extruntime.NewRegistry(ctx)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(ctx)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := reg.LoadDir(ctx, dir, nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(results.Loaded) != 0 {
		t.Fatalf("expected nothing loaded from a directory with no .wasm files, got %v", results.Loaded)
	}
	if len(results.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", results.Errors)
	}
}

func TestLoadDirRecordsCompileFailurePerFile(t *testing.T) {
	ctx := context.Background()
	reg, err := extruntime.NewRegistry(ctx)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(ctx)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.wasm"), []byte("not wasm"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := reg.LoadDir(ctx, dir, nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(results.Loaded) != 0 {
		t.Fatalf("expected nothing loaded, got %v", results.Loaded)
	}
	wasmPath := filepath.Join(dir, "broken.wasm")
	if _, ok := results.Errors[wasmPath]; !ok {
		t.Fatalf("expected an error recorded for %s, got %v", wasmPath, results.Errors)
	}
}

func TestLoadDirOnMissingDirectoryErrors(t *testing.T) {
	ctx := context.Background()
	reg, err := extruntime.NewRegistry(ctx)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(ctx)

	if _, err := reg.LoadDir(ctx, filepath.Join(t.TempDir(), "does-not-exist"), nil); err == nil {
		t.Fatal("expected an error for a nonexistent directory")
	}
}
