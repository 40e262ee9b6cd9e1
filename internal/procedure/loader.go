package procedure

import (
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk override format. Procedures replace built-ins with the
// same name or add new ones; label tables extend the built-in tables.
type File struct {
	Procedures      []Procedure       `yaml:"procedures"`
	Classifications map[string]string `yaml:"classifications,omitempty"`
	Overrides       map[string]string `yaml:"overrides,omitempty"`
}

// Load reads and parses a procedures file. Returns nil, nil if the file
// does not exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read procedures file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse procedures file: %w", err)
	}
	return &f, nil
}

// LoadAndMerge loads path and merges it over the built-in catalog. An empty
// path or missing file yields the built-ins.
func LoadAndMerge(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Merge(f), nil
}

// Merge layers f over the built-in procedures and label tables.
func Merge(f *File) *Catalog {
	procs := DefaultProcedures()
	classifications := DefaultClassifications()
	overrides := DefaultOverrides()
	if f == nil {
		return NewCatalog(procs, classifications, overrides)
	}

	procs = append(procs, f.Procedures...)
	maps.Copy(classifications, f.Classifications)
	maps.Copy(overrides, f.Overrides)
	return NewCatalog(procs, classifications, overrides)
}
