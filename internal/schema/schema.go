// Package schema builds the cache Model from configuration.
package schema

import (
	"fmt"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// Model is a types.Model backed by configuration. Tables not listed are
// simple tables with no fulltext fields.
type Model struct {
	hierarchy   string
	collections map[string]bool
	fulltext    map[string]map[string]types.FulltextType
}

// New builds a Model from cfg.
func New(cfg types.SchemaConfig) (*Model, error) {
	m := &Model{
		hierarchy:   cfg.HierarchyTable,
		collections: make(map[string]bool),
		fulltext:    make(map[string]map[string]types.FulltextType),
	}
	if m.hierarchy == "" {
		m.hierarchy = types.DefaultHierarchyTable
	}
	for table, tc := range cfg.Tables {
		if tc.Collection {
			m.collections[table] = true
		}
		for field, name := range tc.Fulltext {
			kind, err := ParseFulltextType(name)
			if err != nil {
				return nil, fmt.Errorf("table %s field %s: %w", table, field, err)
			}
			if m.fulltext[table] == nil {
				m.fulltext[table] = make(map[string]types.FulltextType)
			}
			m.fulltext[table][field] = kind
		}
	}
	return m, nil
}

// ParseFulltextType parses "string" or "binary".
func ParseFulltextType(name string) (types.FulltextType, error) {
	switch name {
	case types.FulltextString.String():
		return types.FulltextString, nil
	case types.FulltextBinary.String():
		return types.FulltextBinary, nil
	}
	return types.FulltextNone, fmt.Errorf("%w: %q", types.ErrFulltextTypeUnknown, name)
}

// IsCollection implements types.Model.
func (m *Model) IsCollection(table string) bool { return m.collections[table] }

// FulltextType implements types.Model. Any entry of a collection table
// types the whole collection, binary taking precedence over string.
func (m *Model) FulltextType(table, field string) types.FulltextType {
	fields := m.fulltext[table]
	if m.collections[table] {
		best := types.FulltextNone
		for _, kind := range fields {
			if kind > best {
				best = kind
			}
		}
		return best
	}
	return fields[field]
}

// HierarchyTable implements types.Model.
func (m *Model) HierarchyTable() string { return m.hierarchy }
