package extruntime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bastionlabs/harbor/internal/capability"
)

// LoadResults reports the outcome of loading every extension found in a
// directory: names that loaded successfully and, per path, the error
// that kept a candidate from loading.
type LoadResults struct {
	Loaded []string
	Errors map[string]error
}

func (r LoadResults) AllSucceeded() bool { return len(r.Errors) == 0 }

// LoadDir scans dir for "<name>.wasm" files, each paired with an optional
// "<name>.capabilities.json" sidecar, and prepares every one it finds.
// A missing sidecar is not an error: the extension is prepared with a
// capability set that permits nothing, matching the default-deny posture
// the rest of the capability package enforces.
func (r *Registry) LoadDir(ctx context.Context, dir string, logger *slog.Logger) (LoadResults, error) {
	if logger == nil {
		logger = slog.Default()
	}
	results := LoadResults{Errors: make(map[string]error)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return results, fmt.Errorf("reading extension directory %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".wasm")
		if name == "" || strings.ContainsAny(name, "/\\") {
			results.Errors[entry.Name()] = fmt.Errorf("invalid extension name %q", name)
			continue
		}

		wasmPath := filepath.Join(dir, entry.Name())
		capPath := filepath.Join(dir, name+".capabilities.json")

		wasmBytes, err := os.ReadFile(wasmPath)
		if err != nil {
			results.Errors[wasmPath] = err
			continue
		}

		cs, err := loadCapabilitySet(capPath)
		if err != nil {
			results.Errors[wasmPath] = err
			continue
		}

		if _, err := r.Prepare(ctx, name, wasmBytes, cs); err != nil {
			logger.Error("failed to prepare extension", "name", name, "path", wasmPath, "error", err)
			results.Errors[wasmPath] = err
			continue
		}

		results.Loaded = append(results.Loaded, name)
	}

	if len(results.Loaded) > 0 {
		logger.Info("loaded extensions from directory", "dir", dir, "count", len(results.Loaded))
	}

	return results, nil
}

// loadCapabilitySet reads and parses the sidecar capabilities document at
// path if present; a missing sidecar yields a zero-value, default-deny
// CapabilitySet rather than an error.
func loadCapabilitySet(path string) (*capability.CapabilitySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &capability.CapabilitySet{Kind: capability.KindTool}, nil
		}
		return nil, err
	}
	return capability.Parse(data)
}
