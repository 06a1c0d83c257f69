package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a single YAML profile, applies defaults and validates it.
// Unknown keys are rejected so typos in timeout names surface at load time.
func Parse(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Profile{}, fmt.Errorf("%w: empty document", ErrInvalidProfile)
		}
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// LoadFile reads and parses the profile at path.
func LoadFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading profile %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return p, nil
}

// isProfileFile reports whether name looks like a profile file. Hidden files
// are skipped so editor swap files do not break a reload.
func isProfileFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// LoadDir loads every profile file in dir, sorted by device name.
// Two files describing the same device name are an error.
func LoadDir(dir string) ([]Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile dir %s: %w", dir, err)
	}

	seen := make(map[string]string)
	var out []Profile
	for _, e := range entries {
		if e.IsDir() || !isProfileFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("%w: device %s defined in both %s and %s", ErrInvalidProfile, p.Name, prev, path)
		}
		seen[p.Name] = path
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
