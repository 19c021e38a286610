package trainer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/vector"
)

// buildItems assembles the ingest batch: one DDL item per table in
// tables, plus the dialect documentation, disambiguation note, example
// pairs, and process docs. The non-table items are cheap and always
// refreshed so incremental runs keep them in step with the name set.
func (t *Trainer) buildItems(snap *schema.Snapshot, tables []schema.Table, profile dialect.Profile) []vector.Item {
	items := make([]vector.Item, 0, len(tables)+8)
	for _, table := range tables {
		items = append(items, vector.Item{
			ID:       "ddl:" + table.Name,
			Kind:     vector.KindDDL,
			Text:     table.DDL(profile),
			Metadata: map[string]string{"table": table.Name},
		})
	}

	items = append(items, vector.Item{
		ID:       "doc:dialect:" + profile.Name(),
		Kind:     vector.KindDoc,
		Text:     profile.Documentation(),
		Metadata: map[string]string{"topic": "dialect"},
	})
	if note := DisambiguationNote(snap); note != "" {
		items = append(items, vector.Item{
			ID:       "doc:disambiguation",
			Kind:     vector.KindDoc,
			Text:     note,
			Metadata: map[string]string{"topic": "disambiguation"},
		})
	}
	for i, ex := range profile.Examples() {
		items = append(items, vector.Item{
			ID:       fmt.Sprintf("example:%s:%d", profile.Name(), i),
			Kind:     vector.KindExample,
			Text:     "Question: " + ex.Question + "\nSQL: " + ex.SQL,
			Metadata: map[string]string{"question": ex.Question, "sql": ex.SQL},
		})
	}
	if t.cfg.Process != nil {
		for i, doc := range t.cfg.Process.SchemaDocs(snap) {
			items = append(items, vector.Item{
				ID:       fmt.Sprintf("doc:process:%d", i),
				Kind:     vector.KindDoc,
				Text:     doc,
				Metadata: map[string]string{"topic": "process"},
			})
		}
	}
	return items
}

// DisambiguationNote lists tables, and columns within one table, whose
// names are prefixes or near-duplicates of each other, warning the model
// before it has to pick between orders and orders_archive. Empty when no
// such pairs exist.
func DisambiguationNote(snap *schema.Snapshot) string {
	var lines []string

	names := make([]string, 0, len(snap.Tables))
	for _, table := range snap.Tables {
		names = append(names, table.Name)
	}
	sort.Strings(names)
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if confusable(names[i], names[j]) {
				lines = append(lines, fmt.Sprintf("- tables %q and %q have similar names; check which one the question means", names[i], names[j]))
			}
		}
	}

	for _, table := range snap.Tables {
		cols := make([]string, 0, len(table.Columns))
		for _, col := range table.Columns {
			cols = append(cols, col.Name)
		}
		sort.Strings(cols)
		for i := 0; i < len(cols); i++ {
			for j := i + 1; j < len(cols); j++ {
				if confusable(cols[i], cols[j]) {
					lines = append(lines, fmt.Sprintf("- columns %q and %q in table %q have similar names", cols[i], cols[j], table.Name))
				}
			}
		}
	}

	if len(lines) == 0 {
		return ""
	}
	return "Name disambiguation:\n" + strings.Join(lines, "\n")
}

// confusable reports whether two distinct names are close enough to
// confuse: differing only in case or underscores, one being a prefix of
// the other, or within a single edit.
func confusable(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return a != b
	}
	if flat(la) == flat(lb) {
		return true
	}
	shorter, longer := la, lb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) >= 3 && strings.HasPrefix(longer, shorter) {
		return true
	}
	return withinOneEdit(la, lb)
}

func flat(s string) string {
	return strings.ReplaceAll(s, "_", "")
}

// withinOneEdit reports whether b is reachable from a with one
// substitution, insertion, or deletion.
func withinOneEdit(a, b string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	switch len(b) - len(a) {
	case 0:
		diff := 0
		for i := range a {
			if a[i] != b[i] {
				diff++
				if diff > 1 {
					return false
				}
			}
		}
		return diff == 1
	case 1:
		for i := 0; i < len(a); i++ {
			if a[i] != b[i] {
				return a[i:] == b[i+1:]
			}
		}
		return true
	default:
		return false
	}
}
