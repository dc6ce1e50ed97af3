package models

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

// ModelSpec describes a forecast model's issuance schedule and forecast horizon.
type ModelSpec struct {
	Name          string `yaml:"-"`
	Source        string `yaml:"source"`
	Product       string `yaml:"product"`
	Description   string `yaml:"description"`
	CycleHours    int    `yaml:"cycle_hours"`
	DelayHours    int    `yaml:"delay_hours"`
	ForecastHours []int  `yaml:"-"`

	Steps []HourStep `yaml:"forecast_hours"`
}

// HourStep expands to From, From+Step, ... up to and including To.
type HourStep struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
	Step int `yaml:"step"`
}

type Catalog struct {
	specs map[string]ModelSpec
}

type catalogFile struct {
	Models map[string]ModelSpec `yaml:"models"`
}

// DefaultCatalog returns the embedded model catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded model catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a model catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model catalog has no models")
	}

	c := &Catalog{specs: make(map[string]ModelSpec, len(f.Models))}
	for name, spec := range f.Models {
		spec.Name = name
		if spec.CycleHours <= 0 || 24%spec.CycleHours != 0 {
			return nil, fmt.Errorf("model %s: cycle_hours %d must divide 24", name, spec.CycleHours)
		}
		if spec.DelayHours < 0 {
			return nil, fmt.Errorf("model %s: negative delay_hours", name)
		}
		for _, st := range spec.Steps {
			if st.Step <= 0 || st.To < st.From {
				return nil, fmt.Errorf("model %s: invalid forecast_hours step %+v", name, st)
			}
			for h := st.From; h <= st.To; h += st.Step {
				spec.ForecastHours = append(spec.ForecastHours, h)
			}
		}
		if len(spec.ForecastHours) == 0 {
			return nil, fmt.Errorf("model %s: no forecast hours", name)
		}
		c.specs[name] = spec
	}
	return c, nil
}

func (c *Catalog) Get(name string) (ModelSpec, bool) {
	spec, ok := c.specs[name]
	return spec, ok
}

// Names returns every configured model name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Distinct returns one spec per (source, product) pair so aliases are listed once.
func (c *Catalog) Distinct() []ModelSpec {
	seen := make(map[string]bool)
	var out []ModelSpec
	for _, name := range c.Names() {
		spec := c.specs[name]
		key := spec.Source + "/" + spec.Product
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, spec)
	}
	return out
}
