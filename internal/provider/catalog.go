package provider

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Catalog lists the providers the router may use, in fallback order.
type Catalog struct {
	Providers []CatalogEntry `yaml:"providers"`
}

// CatalogEntry configures one provider kind.
type CatalogEntry struct {
	Kind     Kind   `yaml:"kind"`
	Model    string `yaml:"model,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// DefaultCatalog returns every kind in DefaultOrder with configured models.
func DefaultCatalog() *Catalog {
	c := &Catalog{Providers: make([]CatalogEntry, 0, len(DefaultOrder))}
	for _, k := range DefaultOrder {
		c.Providers = append(c.Providers, CatalogEntry{Kind: k})
	}
	return c
}

// LoadCatalog reads a provider catalog from a YAML file with a top-level
// "router" key.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML and validates its kinds. Kinds missing
// from the file are appended in DefaultOrder so none is silently lost.
func ParseCatalog(data []byte) (*Catalog, error) {
	var wrapper struct {
		Router Catalog `yaml:"router"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "provider: parse catalog")
	}

	seen := make(map[Kind]bool)
	out := &Catalog{}
	for _, e := range wrapper.Router.Providers {
		k, ok := ParseKind(string(e.Kind))
		if !ok {
			return nil, eris.Errorf("provider: unknown kind %q in catalog", e.Kind)
		}
		if seen[k] {
			return nil, eris.Errorf("provider: duplicate kind %q in catalog", k)
		}
		seen[k] = true
		e.Kind = k
		out.Providers = append(out.Providers, e)
	}
	for _, k := range DefaultOrder {
		if !seen[k] {
			out.Providers = append(out.Providers, CatalogEntry{Kind: k})
		}
	}
	return out, nil
}

// Order returns enabled kinds in catalog order.
func (c *Catalog) Order() []Kind {
	out := make([]Kind, 0, len(c.Providers))
	for _, e := range c.Providers {
		if !e.Disabled {
			out = append(out, e.Kind)
		}
	}
	return out
}

// Model returns the model override for kind, or "" for the default.
func (c *Catalog) Model(kind Kind) string {
	for _, e := range c.Providers {
		if e.Kind == kind {
			return e.Model
		}
	}
	return ""
}
