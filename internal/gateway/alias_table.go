package gateway

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"workledger/internal/domain"
)

type aliasKey struct {
	kind       domain.AliasKind
	source     domain.SourceSystem
	externalID string
}

// AliasTable is an immutable in-memory alias store.
type AliasTable struct {
	entries map[aliasKey]string
}

// aliasFile is the on-disk YAML layout of an alias table.
type aliasFile struct {
	Aliases []domain.Alias `yaml:"aliases"`
}

// NewAliasTable validates and indexes aliases. An empty source applies the
// alias to every source system. Conflicting mappings are rejected.
func NewAliasTable(aliases []domain.Alias) (*AliasTable, error) {
	t := &AliasTable{entries: make(map[aliasKey]string, len(aliases))}
	for i, a := range aliases {
		a = normalizeAlias(a)
		if err := validateAlias(a); err != nil {
			return nil, fmt.Errorf("alias %d: %w", i, err)
		}
		k := aliasKey{kind: a.Kind, source: a.Source, externalID: a.ExternalID}
		if existing, ok := t.entries[k]; ok && existing != a.CanonicalID {
			return nil, fmt.Errorf("alias %d: %s %s/%s maps to both %q and %q", i, a.Kind, a.Source, a.ExternalID, existing, a.CanonicalID)
		}
		t.entries[k] = a.CanonicalID
	}
	return t, nil
}

// ParseAliasTable reads an alias table from YAML.
func ParseAliasTable(data []byte) (*AliasTable, error) {
	var file aliasFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}
	return NewAliasTable(file.Aliases)
}

// LoadAliasTable reads an alias table from a YAML file.
func LoadAliasTable(path string) (*AliasTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias table %s: %w", path, err)
	}
	return ParseAliasTable(data)
}

// Lookup implements keyresolver.AliasStore. Source-specific aliases take
// precedence over aliases for any source.
func (t *AliasTable) Lookup(_ context.Context, kind domain.AliasKind, source domain.SourceSystem, externalID string) (string, bool, error) {
	if id, ok := t.entries[aliasKey{kind: kind, source: source, externalID: externalID}]; ok {
		return id, true, nil
	}
	id, ok := t.entries[aliasKey{kind: kind, source: domain.AnySource, externalID: externalID}]
	return id, ok, nil
}

// Aliases returns every entry in a stable order.
func (t *AliasTable) Aliases() []domain.Alias {
	out := make([]domain.Alias, 0, len(t.entries))
	for k, v := range t.entries {
		out = append(out, domain.Alias{Kind: k.kind, Source: k.source, ExternalID: k.externalID, CanonicalID: v})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ExternalID < b.ExternalID
	})
	return out
}

// Len returns the number of aliases.
func (t *AliasTable) Len() int {
	return len(t.entries)
}

func normalizeAlias(a domain.Alias) domain.Alias {
	a.Kind = domain.AliasKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
	a.Source = domain.SourceSystem(strings.ToUpper(strings.TrimSpace(string(a.Source))))
	if a.Source == "" {
		a.Source = domain.AnySource
	}
	a.ExternalID = strings.TrimSpace(a.ExternalID)
	a.CanonicalID = strings.TrimSpace(a.CanonicalID)
	return a
}

func validateAlias(a domain.Alias) error {
	switch a.Kind {
	case domain.AliasSubject, domain.AliasWorkItem:
	default:
		return fmt.Errorf("unknown alias kind %q", a.Kind)
	}
	if a.Source != domain.AnySource && !a.Source.Valid() {
		return fmt.Errorf("unknown source system %q", a.Source)
	}
	if a.ExternalID == "" || a.CanonicalID == "" {
		return fmt.Errorf("external_id and canonical_id are required")
	}
	return nil
}
