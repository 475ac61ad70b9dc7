// Package schema models an application's table catalog and projects it into
// the prompt-facing forms used by the pipeline agents.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Column describes one column of a catalog table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Key      string `json:"key,omitempty"`
	Default  string `json:"default,omitempty"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

// Table describes one catalog table with its ordered columns.
type Table struct {
	Name    string   `json:"table"`
	Comment string   `json:"comment,omitempty"`
	Columns []Column `json:"columns"`
}

// Descriptor is the ordered table catalog of one application.
// It is read-only within the pipeline: projections return new values and
// never mutate the receiver.
type Descriptor struct {
	Tables []Table
}

// JSON renders the catalog in the compact record form sent to the
// compliance and retrieval prompts.
func (d Descriptor) JSON() (string, error) {
	b, err := json.Marshal(d.Tables)
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	return string(b), nil
}

// DDL renders the catalog as executable CREATE TABLE text, one statement
// per table, with column and table comments inlined.
func (d Descriptor) DDL() string {
	statements := make([]string, 0, len(d.Tables))
	for _, table := range d.Tables {
		statements = append(statements, table.DDL())
	}
	return strings.Join(statements, "\n")
}

// DDL renders a single table as a CREATE TABLE statement.
func (t Table) DDL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", t.Name)
	for i, col := range t.Columns {
		fmt.Fprintf(&b, "  %s %s", col.Name, col.Type)
		if col.Default != "" {
			fmt.Fprintf(&b, " DEFAULT %s", col.Default)
		}
		if col.Nullable {
			b.WriteString(" NULL")
		} else {
			b.WriteString(" NOT NULL")
		}
		fmt.Fprintf(&b, " COMMENT '%s'", col.Comment)
		if i < len(t.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, ") COMMENT '%s';", t.Comment)
	return b.String()
}

// Filter returns the subset of the catalog containing only the named
// tables, preserving the original order. Names that do not match any table
// are dropped silently.
func (d Descriptor) Filter(names []string) Descriptor {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var out Descriptor
	for _, table := range d.Tables {
		if wanted[table.Name] {
			out.Tables = append(out.Tables, table)
		}
	}
	return out
}

// TableNames returns the table names in catalog order.
func (d Descriptor) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for _, table := range d.Tables {
		names = append(names, table.Name)
	}
	return names
}

// Summaries returns the (name, comment) pairs sent to the compliance
// prompt's table listing.
func (d Descriptor) Summaries() []TableSummary {
	out := make([]TableSummary, 0, len(d.Tables))
	for _, table := range d.Tables {
		out = append(out, TableSummary{Name: table.Name, Comment: table.Comment})
	}
	return out
}

// TableSummary is the compact table listing used by the compliance prompt.
type TableSummary struct {
	Name    string `json:"name"`
	Comment string `json:"comment"`
}
