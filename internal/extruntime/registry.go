package extruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/bastionlabs/harbor/internal/capability"
)

// Registry owns the wazero runtime and the prepared-module cache. It is a
// process-wide, injected collaborator — constructed once at startup and
// passed down, never an ambient singleton — so tests can substitute a
// fresh Registry per case.
type Registry struct {
	runtime wazero.Runtime

	mu      sync.Mutex
	modules map[moduleKey]*PreparedModule
	byName  map[string]*PreparedModule
}

// NewRegistry creates a Registry backed by a fresh wazero runtime
// configured for compiler-mode execution (ahead-of-time compilation, not
// interpreter mode, for call-time performance).
func NewRegistry(ctx context.Context) (*Registry, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if err := registerHostModule(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("registering host ABI: %w", err)
	}
	return &Registry{
		runtime: r,
		modules: make(map[moduleKey]*PreparedModule),
		byName:  make(map[string]*PreparedModule),
	}, nil
}

// Lookup returns the most recently prepared module registered under
// name, for callers (the C6 tool-call dispatch path) that resolve an
// extension by name alone rather than by its exact wasm bytes.
func (r *Registry) Lookup(name string) (*PreparedModule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.byName[name]
	return pm, ok
}

// Close tears down every compiled module and the underlying wazero
// runtime. Call once at process shutdown.
func (r *Registry) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Prepare compiles bytes under name, verifies its required exports for
// kind, and caches the result keyed by (name, sha256(bytes)). Preparing
// the same (name, bytes) twice returns the cached entry without
// recompiling. Compilation failure is fatal and nothing is cached.
func (r *Registry) Prepare(ctx context.Context, name string, wasmBytes []byte, cs *capability.CapabilitySet) (*PreparedModule, error) {
	hash := hashBytes(wasmBytes)
	key := moduleKey{name: name, hash: hash}

	r.mu.Lock()
	if existing, ok := r.modules[key]; ok {
		r.byName[name] = existing
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{Name: name, Detail: err.Error()}
	}

	kind := cs.Kind
	if err := verifyExports(name, compiled, kind); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	pm := &PreparedModule{
		Name:     name,
		Hash:     hash,
		Kind:     kind,
		Cap:      cs,
		compiled: compiled,
	}

	r.mu.Lock()
	// Another goroutine may have won the race to prepare the same
	// (name, hash); prefer the first one cached and drop ours so the
	// cache is idempotent by (name, hash), as required.
	if existing, ok := r.modules[key]; ok {
		r.byName[name] = existing
		r.mu.Unlock()
		compiled.Close(ctx)
		return existing, nil
	}
	r.modules[key] = pm
	r.byName[name] = pm
	r.mu.Unlock()

	return pm, nil
}

func verifyExports(name string, compiled wazero.CompiledModule, kind ExtensionKind) error {
	exports := compiled.ExportedFunctions()
	if _, ok := exports[allocExport]; !ok {
		return &MissingExportError{Name: name, Export: allocExport}
	}
	switch kind {
	case capability.KindTool:
		if _, ok := exports[executeExport]; !ok {
			return &MissingExportError{Name: name, Export: executeExport}
		}
	case capability.KindChannel:
		if _, ok := exports[onStartExport]; !ok {
			return &MissingExportError{Name: name, Export: onStartExport}
		}
		if _, ok := exports[onEventExport]; !ok {
			return &MissingExportError{Name: name, Export: onEventExport}
		}
	default:
		return fmt.Errorf("unknown extension kind %q", kind)
	}
	return nil
}

// Evict removes a cached module and closes its compiled artifact. Used by
// explicit operator eviction or registry teardown of a single extension.
func (r *Registry) Evict(ctx context.Context, name, hash string) {
	key := moduleKey{name: name, hash: hash}
	r.mu.Lock()
	pm, ok := r.modules[key]
	if ok {
		delete(r.modules, key)
		if r.byName[name] == pm {
			delete(r.byName, name)
		}
	}
	r.mu.Unlock()
	if ok {
		pm.compiled.Close(ctx)
	}
}
