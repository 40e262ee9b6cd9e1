package procedure

import (
	"maps"
	"slices"
	"strings"
)

// Catalog is the static set of procedures loaded at startup, plus the label
// tables that map classifier output and override labels onto them.
type Catalog struct {
	procedures      map[string]*Procedure
	order           []string
	classifications map[string]string
	overrides       map[string]string
}

// NewCatalog builds a catalog from procedures and label tables. Later
// procedures with a duplicate name replace earlier ones in place.
func NewCatalog(procs []Procedure, classifications, overrides map[string]string) *Catalog {
	c := &Catalog{
		procedures:      make(map[string]*Procedure, len(procs)),
		classifications: make(map[string]string, len(classifications)),
		overrides:       make(map[string]string, len(overrides)),
	}
	for _, p := range procs {
		p := p
		p.Subroutines = slices.Clone(p.Subroutines)
		if _, exists := c.procedures[p.Name]; !exists {
			c.order = append(c.order, p.Name)
		}
		c.procedures[p.Name] = &p
	}
	for k, v := range classifications {
		c.classifications[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		c.overrides[strings.ToLower(k)] = v
	}
	return c
}

// DefaultCatalog returns the built-in procedures and label tables.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultProcedures(), DefaultClassifications(), DefaultOverrides())
}

// Get returns the named procedure.
func (c *Catalog) Get(name string) (*Procedure, bool) {
	p, ok := c.procedures[name]
	return p, ok
}

// Names returns procedure names in definition order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.order)
}

// Procedures returns every procedure in definition order.
func (c *Catalog) Procedures() []*Procedure {
	out := make([]*Procedure, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.procedures[name])
	}
	return out
}

// ForClassification returns the procedure name a classifier label maps to.
func (c *Catalog) ForClassification(label string) (string, bool) {
	name, ok := c.classifications[strings.ToLower(label)]
	return name, ok
}

// ForOverride returns the procedure name an override label maps to.
func (c *Catalog) ForOverride(label string) (string, bool) {
	name, ok := c.overrides[strings.ToLower(label)]
	return name, ok
}

// ClassificationLabels returns the labels the classifier may answer with, sorted.
func (c *Catalog) ClassificationLabels() []string {
	return slices.Sorted(maps.Keys(c.classifications))
}
