package vector

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Memory is an in-process Index using hashed term-frequency cosine
// similarity. It needs no external service, ranks deterministically, and
// is the default when no embedding-backed index is configured.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Item
}

func NewMemory() *Memory {
	return &Memory{namespaces: map[string]map[string]Item{}}
}

func (m *Memory) Upsert(_ context.Context, namespace string, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = map[string]Item{}
		m.namespaces[namespace] = ns
	}
	for _, it := range items {
		ns[it.ID] = it
	}
	return nil
}

func (m *Memory) Query(_ context.Context, namespace, queryText string, k int, kinds ...Kind) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	qv := termVector(queryText)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var scored []Scored
	for _, it := range m.namespaces[namespace] {
		if !kindAllowed(it.Kind, kinds) {
			continue
		}
		s := cosine(qv, termVector(it.Text))
		if s <= 0 {
			continue
		}
		scored = append(scored, Scored{Item: it, Score: s})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *Memory) All(_ context.Context, namespace string, kind Kind) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []Item
	for _, it := range m.namespaces[namespace] {
		if it.Kind == kind {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *Memory) Delete(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

// Tokenize lowercases and splits on non-alphanumeric runs. Identifiers
// like order_items contribute both their parts, so "items in an order"
// still matches.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func termVector(s string) map[string]float64 {
	v := map[string]float64{}
	for _, tok := range Tokenize(s) {
		v[tok]++
	}
	return v
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for t, x := range a {
		na += x * x
		if y, ok := b[t]; ok {
			dot += x * y
		}
	}
	for _, y := range b {
		nb += y * y
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
