// Package creators loads the monitored-creator list. The list lives in a
// JSON file owned by the operator (or the admin panel); this package only
// reads it, seeding a template on first run.
package creators

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const defaultPollInterval = 600 // seconds

// Creator is one monitored publisher. Ref is a platform id, a profile URL,
// or a free-text handle; the identity resolver sorts out which.
type Creator struct {
	Ref          string `json:"red_id"`
	Name         string `json:"name"`
	PollInterval int    `json:"check_interval"`
}

// LoadFile reads the creator list from path. A missing file is seeded with
// an empty list so the operator has something to edit.
func LoadFile(path string) ([]Creator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creators: creating data directory: %w", err)
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, []byte("[]\n"), 0o644); werr != nil {
			return nil, fmt.Errorf("creators: seeding %s: %w", path, werr)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creators: reading %s: %w", path, err)
	}

	var list []Creator
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("creators: parsing %s: %w", path, err)
	}

	out := list[:0]
	for _, c := range list {
		if c.Ref == "" {
			continue
		}
		if c.Name == "" {
			c.Name = c.Ref
		}
		if c.PollInterval <= 0 {
			c.PollInterval = defaultPollInterval
		}
		out = append(out, c)
	}
	return out, nil
}
