package badge

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the validated, read-only set of badge definitions.
type Catalog struct {
	defs   []Definition
	byID   map[string]Definition
	byStat map[StatKey][]Definition // sorted by threshold
}

type catalogFile struct {
	Badges []Definition `yaml:"badges"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultCatalogYAML))
	if err != nil {
		panic(fmt.Sprintf("badge: embedded catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalogFile reads a YAML catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open badge catalog: %w", err)
	}
	defer f.Close()

	c, err := LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadCatalog decodes and validates a YAML catalog. Unknown fields, unknown
// stat keys, duplicate ids and malformed manual rows are all rejected so a
// typo cannot produce a badge that silently never fires.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode badge catalog: %w", err)
	}
	return NewCatalog(file.Badges)
}

// NewCatalog validates defs and indexes them.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		byID:   make(map[string]Definition, len(defs)),
		byStat: make(map[StatKey][]Definition),
	}

	var errs []error
	for i, d := range defs {
		if err := validateDefinition(d); err != nil {
			errs = append(errs, fmt.Errorf("badge #%d (%q): %w", i, d.ID, err))
			continue
		}
		if _, dup := c.byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("badge #%d: duplicate id %q", i, d.ID))
			continue
		}
		c.defs = append(c.defs, d)
		c.byID[d.ID] = d
		if !d.IsManual() {
			c.byStat[d.StatKey] = append(c.byStat[d.StatKey], d)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for k := range c.byStat {
		list := c.byStat[k]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Threshold < list[j].Threshold })
	}
	return c, nil
}

func validateDefinition(d Definition) error {
	switch {
	case d.ID == "":
		return errors.New("id is required")
	case !d.StatKey.Valid():
		return fmt.Errorf("unknown stat_key %q", d.StatKey)
	case !d.Category.Valid():
		return fmt.Errorf("unknown category %q", d.Category)
	case d.Tier != "" && !d.Tier.Valid():
		return fmt.Errorf("unknown tier %q", d.Tier)
	}

	if d.IsManual() {
		if d.Threshold != 0 || d.Category != CategorySpecial {
			return errors.New("manual badges need threshold 0 and category special")
		}
		return nil
	}
	if d.Category == CategorySpecial {
		return errors.New("special badges must use stat_key manual")
	}
	if d.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", d.Threshold)
	}
	if d.Tier == "" {
		return errors.New("tier is required")
	}
	return nil
}

// Get looks a definition up by id.
func (c *Catalog) Get(id string) (Definition, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// ForStat returns the automatic badges watching key, lowest threshold first.
func (c *Catalog) ForStat(key StatKey) []Definition {
	return c.byStat[key]
}

// All returns every definition in catalog order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

func (c *Catalog) Len() int { return len(c.defs) }
