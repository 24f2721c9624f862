package combination

import (
	"slices"

	"github.com/google/go-cmp/cmp"

	"github.com/vistiles/server/pkg/core"
)

// Subject is the part of a device a predicate looks at.
type Subject struct {
	View            string
	DataAttributes  core.DataAttributes
	FilteredObjects []string
}

// Predicate decides whether a kind applies to a pair.
type Predicate func(c Catalog, a, b Subject) bool

var predicates = map[Kind]Predicate{
	VisualizationAlignment:         visualizationAlignment,
	BarChartDisplayExtension:       barChartDisplayExtension,
	ScatterPlotChart:               scatterPlotChart,
	TableChart:                     tableChart,
	LineChartBarChart:              pairOf("lineChart", "barChart"),
	SettingsMenuForVis:             settingsMenuForVis,
	ParallelCoordinatesChart:       parallelCoordinatesChart,
	ParallelCoordinatesStreamgraph: pairOf("parallelCoordinates", "streamgraph"),
	StreamgraphBarChart:            pairOf("streamgraph", "barChart"),
	CloneView:                      cloneView,
	LineChartStreamgraph:           pairOf("lineChart", "streamgraph"),
}

// Applies evaluates the predicate of k.
func (k Kind) Applies(c Catalog, a, b Subject) bool {
	p, ok := predicates[k]
	return ok && p(c, a, b)
}

// Match returns every kind whose predicate holds, in declared order.
func Match(c Catalog, a, b Subject) []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if k.Applies(c, a, b) {
			out = append(out, k)
		}
	}
	return out
}

func visualizationAlignment(c Catalog, a, b Subject) bool {
	return bothWithCharacteristic(c, "hasAxis", a, b)
}

func barChartDisplayExtension(_ Catalog, a, b Subject) bool {
	if oneWithView("", a, b) && oneWithView("barChart", a, b) {
		return true
	}
	if a.View != "barChart" || b.View != "barChart" {
		return false
	}

	axisA, _ := a.DataAttributes.Get("attrMappings", "axisY")
	axisB, _ := b.DataAttributes.Get("attrMappings", "axisY")
	yearA, _ := a.DataAttributes.Get("year")
	yearB, _ := b.DataAttributes.Get("year")

	return cmp.Equal(axisA, axisB) &&
		cmp.Equal(yearA, yearB) &&
		sameValues(a.FilteredObjects, b.FilteredObjects) &&
		len(a.FilteredObjects) == 0
}

func scatterPlotChart(_ Catalog, a, b Subject) bool {
	return oneWithView("scatterplot", a, b) &&
		oneWithAnyView(a, b, "barChart", "lineChart", "parallelCoordinates", "streamgraph")
}

func tableChart(_ Catalog, a, b Subject) bool {
	return oneWithView("table", a, b) &&
		oneWithAnyView(a, b, "scatterplot", "lineChart", "streamgraph")
}

func parallelCoordinatesChart(_ Catalog, a, b Subject) bool {
	return oneWithView("parallelCoordinates", a, b) &&
		oneWithAnyView(a, b, "barChart", "lineChart")
}

func settingsMenuForVis(c Catalog, a, b Subject) bool {
	return oneWithType(c, TypeVis, a, b) &&
		(oneWithType(c, TypeMenu, a, b) || oneWithView("", a, b))
}

func cloneView(c Catalog, a, b Subject) bool {
	return oneWithView("", a, b) && oneWithType(c, TypeVis, a, b)
}

func pairOf(first, second string) Predicate {
	return func(_ Catalog, a, b Subject) bool {
		return oneWithView(first, a, b) && oneWithView(second, a, b)
	}
}

// oneWithView holds when exactly one subject shows view. "" means no view.
func oneWithView(view string, a, b Subject) bool {
	return (a.View == view) != (b.View == view)
}

func oneWithAnyView(a, b Subject, views ...string) bool {
	for _, v := range views {
		if oneWithView(v, a, b) {
			return true
		}
	}
	return false
}

func oneWithType(c Catalog, t ViewType, a, b Subject) bool {
	return (c.TypeOf(a.View) == t) != (c.TypeOf(b.View) == t)
}

func bothWithCharacteristic(c Catalog, characteristic string, a, b Subject) bool {
	if a.View == "" || b.View == "" {
		return false
	}
	return c.Has(a.View, characteristic) && c.Has(b.View, characteristic)
}

func sameValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
