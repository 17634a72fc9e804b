package rowsource

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntityOverride customises how one entity is read.
type EntityOverride struct {
	Strategies     []string `yaml:"strategies,omitempty"`
	ExcludeColumns []string `yaml:"excludeColumns,omitempty"`
}

// Overrides is the per-entity remediation file, e.g.
//
//	default: [direct, text-cast]
//	entities:
//	  ORDERS:
//	    strategies: [column-subset]
//	    excludeColumns: [SIGNATURE_BLOB]
//
// Entity and column names are matched case-insensitively. A nil *Overrides
// behaves as an empty file.
type Overrides struct {
	Default  []string                  `yaml:"default,omitempty"`
	Entities map[string]EntityOverride `yaml:"entities,omitempty"`
}

// LoadOverrides reads and validates a strategies file.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading strategies file: %w", err)
	}
	return ParseOverrides(data)
}

func ParseOverrides(data []byte) (*Overrides, error) {
	var raw Overrides
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing strategies file: %w", err)
	}

	o := &Overrides{
		Default:  raw.Default,
		Entities: make(map[string]EntityOverride, len(raw.Entities)),
	}
	for name, eo := range raw.Entities {
		o.Entities[strings.ToUpper(name)] = eo
	}

	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("validating strategies file: %w", err)
	}
	return o, nil
}

func (o *Overrides) validate() error {
	if err := checkNames(o.Default); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for name, eo := range o.Entities {
		if err := checkNames(eo.Strategies); err != nil {
			return fmt.Errorf("entities.%s: %w", name, err)
		}
	}
	return nil
}

func checkNames(names []string) error {
	for _, n := range names {
		switch n {
		case StrategyDirect, StrategyTextCast, StrategyColumnSubset:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownStrategy, n)
		}
	}
	return nil
}

// OrderFor returns the configured strategy order for entity, or nil.
func (o *Overrides) OrderFor(entity string) []string {
	if o == nil {
		return nil
	}
	if eo, ok := o.Entities[strings.ToUpper(entity)]; ok && len(eo.Strategies) > 0 {
		return eo.Strategies
	}
	return o.Default
}

// ExcludedColumns returns the upper-cased excluded column set for entity.
func (o *Overrides) ExcludedColumns(entity string) map[string]bool {
	if o == nil {
		return nil
	}
	eo, ok := o.Entities[strings.ToUpper(entity)]
	if !ok || len(eo.ExcludeColumns) == 0 {
		return nil
	}
	out := make(map[string]bool, len(eo.ExcludeColumns))
	for _, c := range eo.ExcludeColumns {
		out[strings.ToUpper(c)] = true
	}
	return out
}
