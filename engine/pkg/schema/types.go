// Package schema captures immutable structural snapshots of a relational
// schema: tables, columns with semantic types, primary and foreign keys.
// Snapshots are compared structurally; a non-empty diff is what triggers
// re-training.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/siftdata/sift/engine/pkg/dialect"
)

// DataType is the semantic column type shared across dialects. Driver
// type names are normalized into this set at introspection time.
type DataType string

const (
	TypeInteger   DataType = "integer"
	TypeDecimal   DataType = "decimal"
	TypeText      DataType = "text"
	TypeTimestamp DataType = "timestamp"
	TypeBoolean   DataType = "boolean"
	TypeJSON      DataType = "json"
	TypeBinary    DataType = "binary"
)

// Numeric reports whether the type carries quantitative values.
func (t DataType) Numeric() bool {
	return t == TypeInteger || t == TypeDecimal
}

// Column describes one column in declared order.
type Column struct {
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
	Nullable bool     `json:"nullable"`
	IsPK     bool     `json:"is_pk"`
	IsFK     bool     `json:"is_fk"`
	Comment  string   `json:"comment,omitempty"`
}

// ForeignKey is a single-column reference. Multi-column constraints are
// decomposed into one entry per column plus a CompositeForeignKey marker
// on the table.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// CompositeForeignKey records that a set of single-column entries belongs
// to one multi-column constraint.
type CompositeForeignKey struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// Table is one table with columns in declared order.
type Table struct {
	Name          string                `json:"name"`
	Comment       string                `json:"comment,omitempty"`
	Columns       []Column              `json:"columns"`
	PrimaryKey    []string              `json:"primary_key,omitempty"`
	ForeignKeys   []ForeignKey          `json:"foreign_keys,omitempty"`
	CompositeFKs  []CompositeForeignKey `json:"composite_fks,omitempty"`
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// DDL renders the table as a CREATE TABLE fragment in the profile's
// identifier style. The fragment is retrieval context for the model, not
// executable DDL; comments are inlined so they embed alongside structure.
func (t *Table) DDL(p dialect.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quoteIfNeeded(p, t.Name))
	for i, col := range t.Columns {
		fmt.Fprintf(&b, "  %s %s", quoteIfNeeded(p, col.Name), col.DataType)
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(t.Columns)-1 || len(t.PrimaryKey) > 0 || len(t.ForeignKeys) > 0 {
			b.WriteString(",")
		}
		if col.Comment != "" {
			fmt.Fprintf(&b, " -- %s", col.Comment)
		}
		b.WriteString("\n")
	}
	if len(t.PrimaryKey) > 0 {
		fmt.Fprintf(&b, "  PRIMARY KEY (%s)", strings.Join(t.PrimaryKey, ", "))
		if len(t.ForeignKeys) > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	for i, fk := range t.ForeignKeys {
		fmt.Fprintf(&b, "  FOREIGN KEY (%s) REFERENCES %s(%s)", fk.Column, fk.RefTable, fk.RefColumn)
		if i < len(t.ForeignKeys)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	if t.Comment != "" {
		fmt.Fprintf(&b, " -- %s", t.Comment)
	}
	return b.String()
}

func quoteIfNeeded(p dialect.Profile, name string) string {
	if dialect.IsReserved(p, name) || strings.ContainsAny(name, " -") {
		return p.QuoteIdentifier(name)
	}
	return name
}

// Snapshot is an immutable structural description of a schema at a point
// in time. Tables are ordered by name as the catalogs return them.
type Snapshot struct {
	SchemaName string    `json:"schema_name,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	Tables     []Table   `json:"tables"`
}

// Table returns the named table, or nil.
func (s *Snapshot) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// Hash returns a structural digest over tables, columns, and keys.
// CapturedAt is excluded so two introspections of an unchanged schema
// hash identically.
func (s *Snapshot) Hash() string {
	h := sha256.New()
	for _, t := range s.Tables {
		payload, _ := json.Marshal(t)
		h.Write(payload)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Diff lists tables added, removed, or structurally modified between two
// snapshots. Modification means any column's name, type, nullability, or
// pk/fk flag changed.
type Diff struct {
	AddedTables    []string `json:"added_tables,omitempty"`
	RemovedTables  []string `json:"removed_tables,omitempty"`
	ModifiedTables []string `json:"modified_tables,omitempty"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.AddedTables) == 0 && len(d.RemovedTables) == 0 && len(d.ModifiedTables) == 0
}

// ChangedCount is the total number of tables the diff touches.
func (d Diff) ChangedCount() int {
	return len(d.AddedTables) + len(d.RemovedTables) + len(d.ModifiedTables)
}

// Compare computes the diff from old to new.
func Compare(old, new *Snapshot) Diff {
	var d Diff
	oldTables := make(map[string]*Table, len(old.Tables))
	for i := range old.Tables {
		oldTables[old.Tables[i].Name] = &old.Tables[i]
	}
	newTables := make(map[string]*Table, len(new.Tables))
	for i := range new.Tables {
		newTables[new.Tables[i].Name] = &new.Tables[i]
	}
	for _, t := range new.Tables {
		prev, ok := oldTables[t.Name]
		if !ok {
			d.AddedTables = append(d.AddedTables, t.Name)
			continue
		}
		if !tablesEqual(prev, &t) {
			d.ModifiedTables = append(d.ModifiedTables, t.Name)
		}
	}
	for _, t := range old.Tables {
		if _, ok := newTables[t.Name]; !ok {
			d.RemovedTables = append(d.RemovedTables, t.Name)
		}
	}
	return d
}

func tablesEqual(a, b *Table) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		ca, cb := a.Columns[i], b.Columns[i]
		if ca.Name != cb.Name || ca.DataType != cb.DataType || ca.Nullable != cb.Nullable ||
			ca.IsPK != cb.IsPK || ca.IsFK != cb.IsFK {
			return false
		}
	}
	return true
}
