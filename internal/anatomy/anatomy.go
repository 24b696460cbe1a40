// Package anatomy holds the closed organ vocabulary shared by prompt
// construction and output validation.
package anatomy

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTables []byte

var ErrInvalidTable = errors.New("invalid anatomy table")

type Organ struct {
	Name       string   `yaml:"name" json:"name"`
	Aliases    []string `yaml:"aliases" json:"aliases,omitempty"`
	Structures []string `yaml:"structures" json:"structures"`
}

type tableFile struct {
	VagueMarkers []string            `yaml:"vague_markers"`
	Organs       []Organ             `yaml:"organs"`
	Systems      map[string][]string `yaml:"systems"`
}

// Table is immutable after Load and safe for concurrent use.
type Table struct {
	organs  []Organ
	index   map[string]int
	lookup  map[string]string
	systems map[string][]string
	vague   []string
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the embedded table. It panics if the embedded YAML does not
// validate, which can only happen through a bad edit to tables.yaml.
func Default() *Table {
	defaultOnce.Do(func() {
		t, err := Load(defaultTables)
		if err != nil {
			panic(err)
		}
		defaultTable = t
	})
	return defaultTable
}

// Load parses and validates a table document.
func Load(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidTable, err)
	}
	return build(f)
}

func build(f tableFile) (*Table, error) {
	t := &Table{
		index:   make(map[string]int, len(f.Organs)),
		lookup:  map[string]string{},
		systems: map[string][]string{},
	}
	for _, m := range f.VagueMarkers {
		m = fold(m)
		if m != "" {
			t.vague = append(t.vague, m)
		}
	}
	if len(f.Organs) == 0 {
		return nil, fmt.Errorf("%w: no organs", ErrInvalidTable)
	}

	for i, o := range f.Organs {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: organ %d has no name", ErrInvalidTable, i)
		}
		if _, dup := t.index[fold(name)]; dup {
			return nil, fmt.Errorf("%w: duplicate organ %q", ErrInvalidTable, name)
		}
		if len(o.Structures) < 2 {
			return nil, fmt.Errorf("%w: organ %q needs at least 2 structures", ErrInvalidTable, name)
		}
		seen := map[string]bool{}
		for _, s := range o.Structures {
			if strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("%w: organ %q has an empty structure", ErrInvalidTable, name)
			}
			if t.IsVague(s) {
				return nil, fmt.Errorf("%w: organ %q structure %q is vague", ErrInvalidTable, name, s)
			}
			if seen[fold(s)] {
				return nil, fmt.Errorf("%w: organ %q repeats structure %q", ErrInvalidTable, name, s)
			}
			seen[fold(s)] = true
		}
		o.Name = name
		t.index[fold(name)] = len(t.organs)
		t.organs = append(t.organs, o)
	}

	// Full names win over derived keys, so register them first.
	for _, o := range t.organs {
		t.lookup[fold(o.Name)] = o.Name
	}
	for _, o := range t.organs {
		keys := append([]string{}, o.Aliases...)
		base, latin := splitLatin(o.Name)
		keys = append(keys, base, latin)
		for _, k := range keys {
			k = fold(k)
			if k == "" {
				continue
			}
			if prev, ok := t.lookup[k]; ok && prev != o.Name {
				if _, isName := t.index[k]; isName {
					continue
				}
				return nil, fmt.Errorf("%w: alias %q maps to both %q and %q", ErrInvalidTable, k, prev, o.Name)
			}
			t.lookup[k] = o.Name
		}
	}

	for system, names := range f.Systems {
		system = fold(system)
		for _, n := range names {
			canonical, ok := t.Normalize(n)
			if !ok {
				return nil, fmt.Errorf("%w: system %q references unknown organ %q", ErrInvalidTable, system, n)
			}
			t.systems[system] = append(t.systems[system], canonical)
		}
	}
	return t, nil
}

// Normalize maps a free-text organ name onto the allowed vocabulary. Casing,
// whitespace, Latin parentheticals and registered synonyms are tolerated.
func (t *Table) Normalize(raw string) (string, bool) {
	k := fold(raw)
	if k == "" {
		return "", false
	}
	if name, ok := t.lookup[k]; ok {
		return name, true
	}
	k = strings.TrimPrefix(k, "the ")
	if name, ok := t.lookup[k]; ok {
		return name, true
	}
	base, latin := splitLatin(k)
	for _, c := range []string{base, latin} {
		if name, ok := t.lookup[fold(c)]; ok {
			return name, true
		}
	}
	return "", false
}

func (t *Table) IsAllowed(name string) bool {
	i, ok := t.index[fold(name)]
	return ok && t.organs[i].Name == strings.TrimSpace(name)
}

// Organs returns the allowed organ names in table order.
func (t *Table) Organs() []string {
	out := make([]string, len(t.organs))
	for i, o := range t.organs {
		out[i] = o.Name
	}
	return out
}

// Structures returns a copy of the ordered structure list for a canonical
// organ name, or nil when the organ is unknown.
func (t *Table) Structures(organ string) []string {
	i, ok := t.index[fold(organ)]
	if !ok {
		return nil
	}
	return append([]string(nil), t.organs[i].Structures...)
}

// StructureMap returns organ → structures for prompt construction.
func (t *Table) StructureMap() map[string][]string {
	out := make(map[string][]string, len(t.organs))
	for _, o := range t.organs {
		out[o.Name] = append([]string(nil), o.Structures...)
	}
	return out
}

// IsVague reports whether a location contains any denylisted marker.
func (t *Table) IsVague(location string) bool {
	l := fold(location)
	if l == "" {
		return true
	}
	for _, m := range t.vague {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

func (t *Table) SystemOrgans(system string) []string {
	return append([]string(nil), t.systems[fold(system)]...)
}

func (t *Table) Systems() []string {
	out := make([]string, 0, len(t.systems))
	for s := range t.systems {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// MatchesSystem reports whether a diagnosed organ plausibly belongs to a body
// system. The organ is first canonicalized; otherwise a case-insensitive
// substring test in either direction is applied against the system's organs.
func (t *Table) MatchesSystem(system, organ string) bool {
	candidates := t.systems[fold(system)]
	if len(candidates) == 0 {
		return false
	}
	if canonical, ok := t.Normalize(organ); ok {
		for _, c := range candidates {
			if c == canonical {
				return true
			}
		}
	}
	o := fold(organ)
	if o == "" {
		return false
	}
	for _, c := range candidates {
		c = fold(c)
		if strings.Contains(c, o) || strings.Contains(o, c) {
			return true
		}
	}
	return false
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// splitLatin splits "Kidney (Ren)" into "Kidney" and "Ren".
func splitLatin(name string) (string, string) {
	open := strings.Index(name, "(")
	if open < 0 {
		return strings.TrimSpace(name), ""
	}
	base := strings.TrimSpace(name[:open])
	rest := name[open+1:]
	if end := strings.Index(rest, ")"); end >= 0 {
		rest = rest[:end]
	}
	return base, strings.TrimSpace(rest)
}
