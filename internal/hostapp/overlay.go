package hostapp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOverlay reads a YAML overlay file (image allowlist, rate-limit
// defaults) for static host configuration that is awkward to express as
// flat environment variables. A missing path is not an error: the host
// runs with an empty overlay (every image is allowed, no job-container
// rate limit is enforced).
func LoadOverlay(path string) (*Overlay, error) {
	if path == "" {
		return &Overlay{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Overlay{}, nil
		}
		return nil, fmt.Errorf("reading config overlay %q: %w", path, err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parsing config overlay %q: %w", path, err)
	}
	return &o, nil
}

// imageAllowed reports whether image may be used for a job worker
// container. An empty allowlist permits every image (no overlay means
// no restriction beyond what the runner itself enforces).
func (o *Overlay) imageAllowed(image string) bool {
	if o == nil || len(o.ImageAllowlist) == 0 {
		return true
	}
	for _, allowed := range o.ImageAllowlist {
		if allowed == image {
			return true
		}
	}
	return false
}
