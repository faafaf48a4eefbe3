package extruntime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// packPtrLen encodes a guest memory offset and length into the single
// uint64 wazero host/guest functions exchange, following the same
// ptr<<32|len convention widely used by WASM plugin hosts to carry
// structured (JSON) payloads across a numeric-only function boundary.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// writeToGuest allocates length(data) bytes inside the guest's linear
// memory via its exported alloc function and copies data into it,
// returning the pointer the guest can then read from.
func writeToGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocFn := mod.ExportedFunction(allocExport)
	if allocFn == nil {
		return 0, fmt.Errorf("guest module has no exported %q function", allocExport)
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc(%d): %w", len(data), err)
	}
	ptr := uint32(results[0])
	if len(data) == 0 {
		return ptr, nil
	}
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("writing %d bytes at guest offset %d: out of bounds", len(data), ptr)
	}
	return ptr, nil
}

// readFromGuest reads length bytes at ptr out of the guest's linear
// memory.
func readFromGuest(mod api.Module, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("reading %d bytes at guest offset %d: out of bounds", length, ptr)
	}
	// Memory().Read returns a view into the guest's backing array; copy it
	// out since the guest's memory can be mutated or grown after return.
	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}
