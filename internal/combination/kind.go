// Package combination defines the closed set of visualization combinations a
// pair of devices can enter, and the predicates deciding which are possible.
package combination

import "fmt"

// Kind names one combination behavior. The declared order is the order in
// which predicates are evaluated and offers are listed.
type Kind int

const (
	VisualizationAlignment Kind = iota + 1
	BarChartDisplayExtension
	ScatterPlotChart
	TableChart
	LineChartBarChart
	SettingsMenuForVis
	ParallelCoordinatesChart
	ParallelCoordinatesStreamgraph
	StreamgraphBarChart
	CloneView
	LineChartStreamgraph
)

var kindNames = map[Kind]string{
	VisualizationAlignment:         "visualizationAlignment",
	BarChartDisplayExtension:       "barChartDisplayExtension",
	ScatterPlotChart:               "scatterPlotChartCombination",
	TableChart:                     "tableChartCombination",
	LineChartBarChart:              "lineChartBarChartCombination",
	SettingsMenuForVis:             "settingsMenuForVis",
	ParallelCoordinatesChart:       "parallelCoordinatesChartCombination",
	ParallelCoordinatesStreamgraph: "parallelCoordinatesStreamgraphCombination",
	StreamgraphBarChart:            "streamgraphBarChartCombination",
	CloneView:                      "cloneViewCombination",
	LineChartStreamgraph:           "lineChartStreamgraphCombination",
}

// Kinds returns every kind in declared order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := VisualizationAlignment; k <= LineChartStreamgraph; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is a declared kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid combination kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	p, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = p
	return nil
}

// ParseKind resolves a wire name to a kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown combination %q", name)
}
