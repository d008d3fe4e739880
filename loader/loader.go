package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/starmesh/core"
)

// Bundle is a set of definitions loaded from one or more files.
type Bundle struct {
	Directives     []*core.Directive     `json:"directives,omitempty" yaml:"directives,omitempty"`
	Stars          []*core.Star          `json:"stars,omitempty" yaml:"stars,omitempty"`
	Constellations []*core.Constellation `json:"constellations,omitempty" yaml:"constellations,omitempty"`
}

// Merge appends other to b, rejecting duplicate ids.
func (b *Bundle) Merge(other *Bundle) error {
	if err := mergeInto(&b.Directives, other.Directives, "directive", func(d *core.Directive) string { return d.ID }); err != nil {
		return err
	}

	if err := mergeInto(&b.Stars, other.Stars, "star", func(s *core.Star) string { return s.ID }); err != nil {
		return err
	}

	return mergeInto(&b.Constellations, other.Constellations, "constellation", func(c *core.Constellation) string { return c.ID })
}

func mergeInto[T any](dst *[]T, src []T, entity string, id func(T) string) error {
	seen := make(map[string]bool, len(*dst))
	for _, v := range *dst {
		seen[id(v)] = true
	}

	for _, v := range src {
		if seen[id(v)] {
			return &core.ValidationError{Field: entity, Message: fmt.Sprintf("duplicate %s id %q", entity, id(v))}
		}

		seen[id(v)] = true
		*dst = append(*dst, v)
	}

	return nil
}

// validate checks that every definition carries an id.
func (b *Bundle) validate() error {
	var errs core.ValidationErrors

	for i, d := range b.Directives {
		if d == nil || d.ID == "" {
			errs = append(errs, &core.ValidationError{Field: fmt.Sprintf("directives[%d].id", i), Message: "id must not be empty"})
		}
	}

	for i, s := range b.Stars {
		if s == nil || s.ID == "" {
			errs = append(errs, &core.ValidationError{Field: fmt.Sprintf("stars[%d].id", i), Message: "id must not be empty"})
		}
	}

	for i, c := range b.Constellations {
		if c == nil || c.ID == "" {
			errs = append(errs, &core.ValidationError{Field: fmt.Sprintf("constellations[%d].id", i), Message: "id must not be empty"})
		}
	}

	return errs.ErrorOrNil()
}

// Parse decodes src according to the extension of filename (.yaml, .yml,
// .hcl or .json).
func Parse(filename string, src []byte) (*Bundle, error) {
	var (
		b   *Bundle
		err error
	)

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		b, err = ParseYAML(src)
	case ".hcl":
		b, err = ParseHCL(filename, src)
	case ".json":
		b = &Bundle{}
		err = json.Unmarshal(src, b)
	default:
		return nil, fmt.Errorf("unsupported bundle format %q", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle %s: %w", filename, err)
	}

	return b, nil
}

// ParseYAML decodes a YAML bundle. Unknown fields are rejected.
func ParseYAML(src []byte) (*Bundle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var b Bundle
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return &b, nil
}

// LoadFile reads and parses a single bundle file.
func LoadFile(path string) (*Bundle, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return Parse(path, src)
}

// LoadDir parses every bundle file below dir, in lexical path order, and
// merges them into one bundle.
func LoadDir(dir string) (*Bundle, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".hcl", ".json":
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	sort.Strings(paths)

	out := &Bundle{}

	for _, p := range paths {
		b, err := LoadFile(p)
		if err != nil {
			return nil, err
		}

		if err := out.Merge(b); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return out, nil
}
