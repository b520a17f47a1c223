package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v3"
)

// fixedOutputModule builds a policy module that always answers with output.
func fixedOutputModule(t *testing.T, output string) []byte {
	t.Helper()

	escaped := strings.ReplaceAll(output, `"`, `\"`)
	wat := fmt.Sprintf(`(module
  (memory (export "memory") 1)
  (data (i32.const 16) "%s")
  (global $next (mut i32) (i32.const 4096))
  (func (export "allocate") (param $size i32) (result i32)
    (local $ptr i32)
    (if (i32.gt_u (i32.add (global.get $next) (local.get $size)) (i32.const 65536))
      (then (global.set $next (i32.const 4096))))
    (local.set $ptr (global.get $next))
    (global.set $next (i32.add (global.get $next) (local.get $size)))
    (local.get $ptr))
  (func (export "evaluate") (param $in i32) (param $in_len i32) (param $out i32) (param $out_max i32) (result i32)
    (memory.copy (local.get $out) (i32.const 16) (i32.const %d))
    (i32.store8 (i32.add (local.get $out) (i32.const %d)) (i32.const 0))
    (i32.const 0)))`, escaped, len(output), len(output))

	wasm, err := wasmtime.Wat2Wasm(wat)
	if err != nil {
		t.Fatalf("wat2wasm: %v", err)
	}
	return wasm
}

func TestWASMEvaluator(t *testing.T) {
	loader := NewWASMLoader()

	tests := []struct {
		name    string
		output  string
		allow   bool
		wantErr bool
	}{
		{"allow", `{"allow":true}`, true, false},
		{"deny with reason", `{"allow":false,"reason":"blocked"}`, false, false},
		{"missing allow", `{"reason":"?"}`, false, true},
		{"not json", `nope`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, err := loader.Load(tt.name, fixedOutputModule(t, tt.output))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			defer eval.Close()

			// repeated calls exercise allocation and refuelling
			for i := 0; i < 3; i++ {
				d, err := eval.Evaluate(context.Background(), testInput(1))
				if (err != nil) != tt.wantErr {
					t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
				}
				if err == nil && d.Allow != tt.allow {
					t.Errorf("allow = %v, want %v", d.Allow, tt.allow)
				}
			}
		})
	}
}

func TestWASMLoaderRejectsInvalidModules(t *testing.T) {
	loader := NewWASMLoader()
	dir := t.TempDir()

	invalidPath := filepath.Join(dir, "invalid.wasm")
	if err := os.WriteFile(invalidPath, []byte("not wasm"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadFile(invalidPath); err == nil {
		t.Error("expected error when loading invalid WASM")
	}

	noExports, err := wasmtime.Wat2Wasm(`(module (memory (export "memory") 1))`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load("no-exports", noExports); err == nil {
		t.Error("expected error for module without evaluate export")
	}

	if _, err := loader.LoadFile(filepath.Join(dir, "missing.wasm")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestOPAEvaluator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ability.rego")
	rego := `package ability

default allow := false

allow if {
	to_number(input.value) <= 500
	input.kind == "transaction"
}

decision := {"allow": allow, "reason": "value cap"}
`
	if err := os.WriteFile(path, []byte(rego), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewOPALoader()
	ctx := context.Background()

	boolEval, err := loader.LoadFromFile(ctx, path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	d, err := boolEval.Evaluate(ctx, testInput(100))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Error("value 100 should be allowed")
	}

	d, err = boolEval.Evaluate(ctx, testInput(1000))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("value 1000 should be denied")
	}

	objEval, err := loader.LoadFromFile(ctx, path, "data.ability.decision")
	if err != nil {
		t.Fatal(err)
	}
	d, err = objEval.Evaluate(ctx, testInput(1000))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("object result should carry the deny")
	}

	undefined, err := loader.LoadFromFile(ctx, path, "data.ability.nothing")
	if err != nil {
		t.Fatal(err)
	}
	d, err = undefined.Evaluate(ctx, testInput(1))
	if err != nil || d.Allow {
		t.Errorf("undefined result should deny without error, got %v %v", d.Allow, err)
	}
}

func TestOPALoaderRejectsBrokenPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(path, []byte("package ability\nallow if {"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewOPALoader().LoadFromFile(context.Background(), path, ""); err == nil {
		t.Error("expected parse error")
	}
}
