// Package process infers business processes twice. At training time a
// discoverer scans the schema snapshot for structural signals (status
// columns, from/to transition pairs, audit timestamps, foreign-key
// chains) and emits scored process models. At answer time a detector
// inspects query results for transition or status-aggregate shapes and
// builds a renderable flow graph from the rows.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/siftdata/sift/engine/pkg/schema"
)

const (
	DefaultTTL            = 600 * time.Second
	DefaultMaxCardinality = 30

	// MinConfidence is the emission bar: a lone status column is not
	// enough, transition columns are almost enough.
	MinConfidence = 0.4

	weightStatus     = 0.30
	weightTransition = 0.40
	weightTimestamps = 0.15
	weightFKChain    = 0.15
)

// Discovered is a business process inferred from schema structure. The
// doc form becomes retrieval context for the model; the flow builders
// use Stages, when known, to order aggregate results.
type Discovered struct {
	Name              string   `json:"name"`
	MainTable         string   `json:"main_table"`
	HistoryTable      string   `json:"history_table,omitempty"`
	StatusColumn      string   `json:"status_column,omitempty"`
	TransitionPattern string   `json:"transition_pattern,omitempty"`
	Stages            []string `json:"stages,omitempty"`
	Confidence        float64  `json:"confidence"`
	Evidence          []string `json:"evidence,omitempty"`
}

// Doc renders the process as a short paragraph for the vector index.
func (p Discovered) Doc() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business process %q is tracked in table %s", p.Name, p.MainTable)
	if p.StatusColumn != "" {
		fmt.Fprintf(&b, "; the current state lives in column %s", p.StatusColumn)
	}
	if p.HistoryTable != "" {
		fmt.Fprintf(&b, "; state transitions are recorded in table %s", p.HistoryTable)
	}
	if p.TransitionPattern != "" {
		fmt.Fprintf(&b, " (columns %s)", p.TransitionPattern)
	}
	b.WriteString(".")
	if len(p.Stages) > 0 {
		fmt.Fprintf(&b, " Stages in order: %s.", strings.Join(p.Stages, " -> "))
	}
	return b.String()
}

// Config configures a Discoverer.
type Config struct {
	Logger *slog.Logger

	// TTL bounds how long a discovery result is served from cache.
	TTL time.Duration

	// MaxCardinality caps how many distinct states a status column may
	// hold before it stops looking like a process stage set.
	MaxCardinality int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.MaxCardinality == 0 {
		c.MaxCardinality = DefaultMaxCardinality
	}
	if c.MaxCardinality < 0 {
		return fmt.Errorf("max cardinality must be positive")
	}
	return nil
}

// Discoverer scans snapshots for processes and caches the result per
// fingerprint. It also implements the trainer's process source, so
// discovery output lands in the retrieval index at training time.
type Discoverer struct {
	cfg *Config
	log *slog.Logger

	cache   *ttlcache.Cache[string, []Discovered]
	cacheMu sync.RWMutex
}

// New creates a Discoverer.
func New(cfg *Config) (*Discoverer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discoverer config: %w", err)
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []Discovered](cfg.TTL),
	)
	return &Discoverer{
		cfg:   cfg,
		log:   cfg.Logger,
		cache: cache,
	}, nil
}

// Discover returns the processes inferred from snap, served from cache
// under fingerprint until the TTL lapses or Invalidate is called. An
// empty fingerprint falls back to the snapshot hash, so structurally
// equal snapshots still share an entry.
func (d *Discoverer) Discover(fingerprint string, snap *schema.Snapshot) []Discovered {
	if snap == nil {
		return nil
	}
	key := fingerprint
	if key == "" {
		key = snap.Hash()
	}

	d.cacheMu.RLock()
	cached := d.cache.Get(key)
	d.cacheMu.RUnlock()
	if cached != nil {
		return cached.Value()
	}

	procs := scan(snap)
	d.cacheMu.Lock()
	d.cache.Set(key, procs, d.cfg.TTL)
	d.cacheMu.Unlock()

	d.log.Debug("process: discovery scan",
		"fingerprint", key,
		"tables", len(snap.Tables),
		"processes", len(procs))
	return procs
}

// Invalidate drops the cached discovery for fingerprint, forcing the
// next Discover to rescan. Called when a schema diff lands.
func (d *Discoverer) Invalidate(fingerprint string) {
	d.cacheMu.Lock()
	d.cache.Delete(fingerprint)
	d.cacheMu.Unlock()
}

// SetStages records the ordered stages of the process rooted at
// mainTable. Discovery infers stage order from nothing; callers that
// sampled the live transitions push it in here. The cached slice is
// replaced, never mutated, so slices handed out earlier stay stable.
func (d *Discoverer) SetStages(fingerprint, mainTable string, stages []string) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	cached := d.cache.Get(fingerprint)
	if cached == nil {
		return
	}
	procs := cached.Value()
	next := make([]Discovered, len(procs))
	copy(next, procs)
	for i := range next {
		if next[i].MainTable == mainTable {
			next[i].Stages = append([]string(nil), stages...)
		}
	}
	d.cache.Set(fingerprint, next, d.cfg.TTL)
}

// SchemaDocs renders discovery output as retrieval documentation, one
// paragraph per process.
func (d *Discoverer) SchemaDocs(snap *schema.Snapshot) []string {
	procs := d.Discover("", snap)
	if len(procs) == 0 {
		return nil
	}
	docs := make([]string, 0, len(procs))
	for _, p := range procs {
		docs = append(docs, p.Doc())
	}
	return docs
}

// scan scores every table and folds history tables into the table they
// shadow. Output is ordered by main table name.
func scan(snap *schema.Snapshot) []Discovered {
	chain := fkChainTables(snap)

	var procs []Discovered
	claimed := make(map[string]bool)

	// History tables first: order_status_history carries the transition
	// columns while orders carries the status, so the pair is scored as
	// one process.
	for i := range snap.Tables {
		hist := &snap.Tables[i]
		root := historyRoot(hist.Name)
		if root == "" {
			continue
		}
		main := mainTableFor(root, snap)
		if main == nil || main.Name == hist.Name {
			continue
		}
		proc, ok := score(main, hist, chain)
		if !ok {
			continue
		}
		procs = append(procs, proc)
		claimed[main.Name] = true
		claimed[hist.Name] = true
	}

	for i := range snap.Tables {
		t := &snap.Tables[i]
		if claimed[t.Name] {
			continue
		}
		proc, ok := score(t, nil, chain)
		if !ok {
			continue
		}
		procs = append(procs, proc)
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].MainTable < procs[j].MainTable })
	return procs
}

// score combines the four structural signals for a main table and its
// optional history table into one candidate.
func score(main, hist *schema.Table, chain map[string]bool) (Discovered, bool) {
	proc := Discovered{
		Name:      humanize(main.Name),
		MainTable: main.Name,
	}

	if col := statusColumn(main); col != "" {
		proc.StatusColumn = col
		proc.Confidence += weightStatus
		proc.Evidence = append(proc.Evidence, fmt.Sprintf("status column %s.%s", main.Name, col))
	} else if hist != nil {
		if col := statusColumn(hist); col != "" {
			proc.StatusColumn = col
			proc.Confidence += weightStatus
			proc.Evidence = append(proc.Evidence, fmt.Sprintf("status column %s.%s", hist.Name, col))
		}
	}

	if pattern, table := transitionSource(main, hist); pattern != "" {
		proc.TransitionPattern = pattern
		proc.Confidence += weightTransition
		proc.Evidence = append(proc.Evidence, fmt.Sprintf("transition columns %s in %s", pattern, table))
	}

	stamps := timestampColumns(main)
	if hist != nil {
		stamps = append(stamps, timestampColumns(hist)...)
	}
	if len(stamps) >= 2 {
		proc.Confidence += weightTimestamps
		proc.Evidence = append(proc.Evidence, "timestamp columns "+strings.Join(stamps, ", "))
	}

	if chain[main.Name] || (hist != nil && chain[hist.Name]) {
		proc.Confidence += weightFKChain
		proc.Evidence = append(proc.Evidence, "member of a foreign-key chain")
	}

	if hist != nil {
		proc.HistoryTable = hist.Name
		proc.Evidence = append(proc.Evidence, "history table "+hist.Name)
	}

	return proc, proc.Confidence >= MinConfidence
}

var statusWords = map[string]bool{
	"status": true,
	"state":  true,
	"stage":  true,
	"step":   true,
	"phase":  true,
}

// statusName reports whether a column name matches the status patterns:
// a bare status word, a suffixed form like order_status, or current_*.
func statusName(name string) bool {
	n := strings.ToLower(name)
	if statusWords[n] {
		return true
	}
	if i := strings.LastIndex(n, "_"); i >= 0 && statusWords[n[i+1:]] {
		return true
	}
	return strings.HasPrefix(n, "current_")
}

// statusColumn picks the first column that could plausibly hold a
// bounded label set. Snapshots carry no row statistics, so the
// cardinality cap is approximated structurally: text type, not a key.
// from_X / to_X columns mark transitions, not a current state, and are
// scored separately.
func statusColumn(t *schema.Table) string {
	for _, col := range t.Columns {
		n := strings.ToLower(col.Name)
		if !statusName(n) || transitionEndpoint(n) {
			continue
		}
		if col.DataType != schema.TypeText || col.IsPK || col.IsFK {
			continue
		}
		return col.Name
	}
	return ""
}

func transitionEndpoint(n string) bool {
	return strings.HasPrefix(n, "from_") || strings.HasPrefix(n, "to_") ||
		strings.HasPrefix(n, "prev_") || strings.HasPrefix(n, "previous_") ||
		strings.HasPrefix(n, "next_")
}

// transitionPair looks for a from_X / to_X column pair sharing the same
// status word X, in declared column order.
func transitionPair(t *schema.Table) string {
	for _, col := range t.Columns {
		x, ok := strings.CutPrefix(strings.ToLower(col.Name), "from_")
		if !ok || !statusWords[x] {
			continue
		}
		for _, other := range t.Columns {
			if y, ok := strings.CutPrefix(strings.ToLower(other.Name), "to_"); ok && y == x {
				return col.Name + "/" + other.Name
			}
		}
	}
	return ""
}

func transitionSource(main, hist *schema.Table) (pattern, table string) {
	if hist != nil {
		if p := transitionPair(hist); p != "" {
			return p, hist.Name
		}
	}
	if p := transitionPair(main); p != "" {
		return p, main.Name
	}
	return "", ""
}

// timestampColumns lists the *_at columns, the created_at/updated_at
// shape that dates a row's lifecycle.
func timestampColumns(t *schema.Table) []string {
	var names []string
	for _, col := range t.Columns {
		if strings.HasSuffix(strings.ToLower(col.Name), "_at") {
			names = append(names, col.Name)
		}
	}
	return names
}

// fkChainTables marks every table on a directed foreign-key path of
// length two, the A -> B -> C shape that order_items -> orders ->
// customers makes.
func fkChainTables(snap *schema.Snapshot) map[string]bool {
	refs := make(map[string][]string)
	for _, t := range snap.Tables {
		for _, fk := range t.ForeignKeys {
			if fk.RefTable != t.Name {
				refs[t.Name] = append(refs[t.Name], fk.RefTable)
			}
		}
	}
	chain := make(map[string]bool)
	for a, bs := range refs {
		for _, b := range bs {
			for _, c := range refs[b] {
				if c == a || c == b {
					continue
				}
				chain[a] = true
				chain[b] = true
				chain[c] = true
			}
		}
	}
	return chain
}

var historySuffixes = []string{
	"_status_history",
	"_transitions",
	"_history",
	"_events",
	"_audit",
	"_logs",
	"_log",
}

// historyRoot strips a history-style suffix from a table name, or
// returns "" when the name carries none.
func historyRoot(name string) string {
	n := strings.ToLower(name)
	for _, suf := range historySuffixes {
		if root, ok := strings.CutSuffix(n, suf); ok && root != "" {
			return root
		}
	}
	return ""
}

// mainTableFor resolves a history root like "order" to the table it
// shadows, tolerating the usual plural forms.
func mainTableFor(root string, snap *schema.Snapshot) *schema.Table {
	candidates := []string{root, root + "s", root + "es"}
	if r, ok := strings.CutSuffix(root, "y"); ok {
		candidates = append(candidates, r+"ies")
	}
	for _, name := range candidates {
		if t := snap.Table(name); t != nil {
			return t
		}
	}
	return nil
}

// humanize turns a table name into a display name: underscores to
// spaces, words title-cased.
func humanize(name string) string {
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
