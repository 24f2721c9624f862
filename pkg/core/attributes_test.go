package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataAttributes_Get(t *testing.T) {
	d := DataAttributes{
		"year": 2010,
		"attrMappings": map[string]any{
			"axisY": "population",
		},
	}

	v, ok := d.Get("attrMappings", "axisY")
	require.True(t, ok)
	assert.Equal(t, "population", v)

	_, ok = d.Get("attrMappings", "axisX")
	assert.False(t, ok)

	_, ok = d.Get("year", "nested")
	assert.False(t, ok)

	var empty DataAttributes
	_, ok = empty.Get("year")
	assert.False(t, ok)
}

func TestDataAttributes_MergeOnlyExistingKeys(t *testing.T) {
	d := DataAttributes{
		"year": 2010,
		"attrMappings": map[string]any{
			"axisY": "population",
			"color": "region",
		},
		"filters": []any{"a"},
	}

	d.Merge(map[string]any{
		"year":    2015,
		"unknown": true,
		"attrMappings": map[string]any{
			"axisY": "gdp",
			"size":  "area",
		},
		"filters": []any{"b", "c"},
	})

	assert.Equal(t, 2015, d["year"])
	assert.NotContains(t, d, "unknown")
	m := d["attrMappings"].(map[string]any)
	assert.Equal(t, "gdp", m["axisY"])
	assert.Equal(t, "region", m["color"])
	assert.NotContains(t, m, "size")
	assert.Equal(t, []any{"b", "c"}, d["filters"])
}

func TestDataAttributes_MergeObjectIntoScalarIsIgnored(t *testing.T) {
	d := DataAttributes{"year": 2010}
	d.Merge(map[string]any{"year": map[string]any{"from": 2000}})
	assert.Equal(t, 2010, d["year"])
}

func TestDataAttributes_Clone(t *testing.T) {
	d := DataAttributes{"attrMappings": map[string]any{"axisY": "a"}}
	c := d.Clone()
	c["attrMappings"].(map[string]any)["axisY"] = "b"
	assert.Equal(t, "a", d["attrMappings"].(map[string]any)["axisY"])
	assert.Nil(t, DataAttributes(nil).Clone())
}
