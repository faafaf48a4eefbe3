// Package extruntime implements the WASM extension runtime (C3): a
// compiled-module cache keyed by (name, content hash), fresh-instance
// execution per guest call, and the capability-gated host ABI described in
// SPEC_FULL.md §4.3/§6.2. It is built on wazero, the only WASM execution
// library anywhere in the reference corpus this module draws on — no
// example repo ships guest-code execution, so this dependency is new and
// carries the whole of C3's domain concern.
package extruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/bastionlabs/harbor/internal/capability"
)

// ExtensionKind mirrors capability.Kind; tools and channels are a variant
// over the same PreparedModule, not a deep abstract base.
type ExtensionKind = capability.Kind

// Export names checked by verifyExports: every module must export
// allocExport; tool modules also need executeExport, channel modules
// onStartExport and onEventExport.
const (
	executeExport = "execute"
	onStartExport = "on_start"
	onEventExport = "on_event"
	allocExport   = "alloc"
)

// DefaultFuelBudget is the defensive cap on host ABI calls applied to every
// guest call, independent of its wall-clock deadline. Guest instructions
// themselves are not counted.
const DefaultFuelBudget = 50_000_000

// moduleKey identifies a cached PreparedModule.
type moduleKey struct {
	name string
	hash string
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PreparedModule is the immutable, cacheable compiled artifact for one
// extension. It is created once per (name, hash) and safely shared across
// concurrent invocations; only Registry.Invoke produces per-call state.
type PreparedModule struct {
	Name     string
	Hash     string
	Kind     ExtensionKind
	Cap      *capability.CapabilitySet
	compiled wazero.CompiledModule
	preparedAt time.Time
}
