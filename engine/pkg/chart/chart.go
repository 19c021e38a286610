// Package chart recommends how to render a query result. An ordered rule
// table maps the result's column shapes onto a neutral Spec; downstream
// renderers translate the Spec into their own option formats. The rules
// are deterministic; an optional model call breaks bar/line/area ties on
// short time series and is ignored outside that set.
package chart

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/llm"
)

// Type is a neutral chart type.
type Type string

const (
	TypeBar         Type = "bar"
	TypeLine        Type = "line"
	TypeArea        Type = "area"
	TypeScatter     Type = "scatter"
	TypePie         Type = "pie"
	TypeGauge       Type = "gauge"
	TypeFunnel      Type = "funnel"
	TypeHeatmap     Type = "heatmap"
	TypeWaterfall   Type = "waterfall"
	TypeTreemap     Type = "treemap"
	TypeSunburst    Type = "sunburst"
	TypeRadar       Type = "radar"
	TypeParallel    Type = "parallel"
	TypeTable       Type = "table"
	TypeKPI         Type = "kpi"
	TypeSankey      Type = "sankey"
	TypeProcessFlow Type = "process_flow"
)

// Annotation flags overlays the renderer should draw.
type Annotation string

const (
	AnnotationMin     Annotation = "min"
	AnnotationMax     Annotation = "max"
	AnnotationAverage Annotation = "average"
	AnnotationTrend   Annotation = "trend_line"
	AnnotationAnomaly Annotation = "anomaly_regions"
)

// ColorPolicy names the palette family.
type ColorPolicy string

const (
	ColorCategorical ColorPolicy = "categorical"
	ColorSequential  ColorPolicy = "sequential"
	ColorDiverging   ColorPolicy = "diverging"
	ColorSemantic    ColorPolicy = "semantic"
)

// Spec is the neutral recommendation: a type plus field bindings.
type Spec struct {
	Type        Type         `json:"type"`
	X           string       `json:"x,omitempty"`
	Y           []string     `json:"y,omitempty"`
	Series      string       `json:"series,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	ColorPolicy ColorPolicy  `json:"color_policy"`
}

const (
	DefaultTiebreakTimeout = 10 * time.Second
	DefaultSampleRows      = 10

	// tiebreakMaxPoints is the time-axis cardinality under which bar and
	// line are genuinely ambiguous and the model may pick.
	tiebreakMaxPoints = 12
)

// Config configures an Advisor.
type Config struct {
	Logger *slog.Logger

	// LLM, when set, breaks bar/line/area ties on short time series.
	// Nil keeps the advisor fully deterministic.
	LLM llm.Client

	// TiebreakTimeout bounds the optional model call.
	TiebreakTimeout time.Duration

	// SampleRows caps how many rows the tiebreak prompt shows.
	SampleRows int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.TiebreakTimeout <= 0 {
		c.TiebreakTimeout = DefaultTiebreakTimeout
	}
	if c.SampleRows <= 0 {
		c.SampleRows = DefaultSampleRows
	}
	return nil
}

// Advisor recommends chart specs.
type Advisor struct {
	cfg *Config
	log *slog.Logger
}

func New(cfg *Config) (*Advisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chart config: %w", err)
	}
	return &Advisor{cfg: cfg, log: cfg.Logger}, nil
}

var shareWords = []string{"share", "proportion", "percentage", "distribution"}

var anomalyWords = []string{"anomaly", "anomalies", "outlier", "outliers", "spike"}

func mentionsAny(question string, words []string) bool {
	q := strings.ToLower(question)
	for _, w := range words {
		if strings.Contains(q, w) {
			return true
		}
	}
	return false
}

// Advise maps the result onto a Spec. First matching rule wins; the
// fallback is always a table, so there is no error path.
func (a *Advisor) Advise(ctx context.Context, question string, result *execute.QueryResult) *Spec {
	if result == nil || len(result.Rows) == 0 {
		return &Spec{Type: TypeTable, ColorPolicy: ColorCategorical}
	}

	cols := profileColumns(result)
	numeric := filterRole(cols, roleNumeric)
	temporal := filterRole(cols, roleTemporal)
	categorical := filterRole(cols, roleCategorical)

	// Single row of up to four measures reads as headline figures.
	if len(result.Rows) == 1 && len(numeric) >= 1 && len(numeric) <= 4 {
		return &Spec{Type: TypeKPI, Y: names(numeric), ColorPolicy: ColorSemantic}
	}

	// Name-signature rules run before shape rules: their columns are
	// categorical pairs the generic rules would otherwise swallow.
	if src, dst, val, ok := flowTriple(cols); ok {
		return &Spec{Type: TypeSankey, X: src, Series: dst, Y: []string{val}, ColorPolicy: ColorCategorical}
	}
	if parent, child, ok := hierarchyPair(cols); ok {
		typ := TypeTreemap
		if mentionsAny(question, []string{"hierarchy", "nested", "drill"}) {
			typ = TypeSunburst
		}
		spec := &Spec{Type: typ, X: parent, Series: child, ColorPolicy: ColorCategorical}
		if len(numeric) > 0 {
			spec.Y = []string{numeric[0].name}
		}
		return spec
	}

	if len(temporal) >= 1 && len(numeric) >= 1 {
		return a.temporalSpec(ctx, question, result, temporal[0], numeric, categorical)
	}

	if len(categorical) == 1 && len(numeric) >= 1 {
		cat := categorical[0]
		if mentionsAny(question, shareWords) && cat.cardinality <= 10 {
			return &Spec{Type: TypePie, X: cat.name, Y: []string{numeric[0].name}, ColorPolicy: ColorCategorical}
		}
		return &Spec{Type: TypeBar, X: cat.name, Y: names(numeric), ColorPolicy: ColorCategorical}
	}

	if len(categorical) == 2 && len(numeric) == 1 {
		x, series := categorical[0], categorical[1]
		if series.cardinality > x.cardinality {
			x, series = series, x
		}
		if x.cardinality > 6 && series.cardinality > 6 {
			return &Spec{Type: TypeHeatmap, X: x.name, Series: series.name, Y: []string{numeric[0].name}, ColorPolicy: ColorSequential}
		}
		return &Spec{Type: TypeBar, X: x.name, Series: series.name, Y: []string{numeric[0].name}, ColorPolicy: ColorCategorical}
	}

	return &Spec{Type: TypeTable, ColorPolicy: ColorCategorical}
}

// temporalSpec covers the time-axis family: line for one measure, area
// for stacked measures, an optional categorical series, trend and
// extrema annotations, and anomaly regions when asked for or when the
// data itself is skewed.
func (a *Advisor) temporalSpec(ctx context.Context, question string, result *execute.QueryResult, axis column, numeric, categorical []column) *Spec {
	spec := &Spec{
		Type:        TypeLine,
		X:           axis.name,
		Y:           names(numeric),
		ColorPolicy: ColorSequential,
		Annotations: []Annotation{AnnotationTrend, AnnotationMin, AnnotationMax},
	}
	if len(numeric) >= 2 {
		spec.Type = TypeArea
	}
	if len(categorical) >= 1 && categorical[0].cardinality >= 2 && categorical[0].cardinality <= 10 {
		spec.Series = categorical[0].name
		spec.ColorPolicy = ColorCategorical
	}

	anomalous := mentionsAny(question, anomalyWords)
	for _, n := range numeric {
		if anomalous {
			break
		}
		anomalous = skewed(n.numbers)
	}
	if anomalous {
		spec.Annotations = append(spec.Annotations, AnnotationAnomaly)
	}

	// Short series are readable as either bars or a line; let the model
	// pick if one is wired, constrained to the ambiguous set.
	if a.cfg.LLM != nil && axis.cardinality <= tiebreakMaxPoints {
		spec.Type = a.tiebreak(ctx, question, result, spec.Type)
	}
	return spec
}

var flowSources = map[string]bool{"source": true, "src": true, "from": true, "from_state": true}

var flowTargets = map[string]bool{"target": true, "dst": true, "to": true, "to_state": true, "destination": true}

// flowTriple finds source/target columns by name plus a numeric value
// column, the shape a transition query produces.
func flowTriple(cols []column) (src, dst, val string, ok bool) {
	for _, c := range cols {
		name := strings.ToLower(c.name)
		switch {
		case flowSources[name] && src == "":
			src = c.name
		case flowTargets[name] && dst == "":
			dst = c.name
		case c.role == roleNumeric && val == "":
			val = c.name
		}
	}
	return src, dst, val, src != "" && dst != "" && val != ""
}

// hierarchyPair finds parent/child named columns.
func hierarchyPair(cols []column) (parent, child string, ok bool) {
	for _, c := range cols {
		name := strings.ToLower(c.name)
		switch {
		case (name == "parent" || strings.HasPrefix(name, "parent_")) && parent == "":
			parent = c.name
		case (name == "child" || strings.HasPrefix(name, "child_")) && child == "":
			child = c.name
		}
	}
	return parent, child, parent != "" && child != ""
}
