package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/rainfall/pkg/frame"
)

func TestPresets(t *testing.T) {
	layers, err := Presets(DefaultPresets)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "aspect", layers[0].Name)
	assert.Equal(t, frame.LayerImageWMS, layers[0].Kind)
	assert.Equal(t, "3DEPElevation:Aspect Degrees", layers[0].Params["LAYERS"])

	layers[0].Params["LAYERS"] = "changed"
	again, err := Presets([]string{"aspect"})
	require.NoError(t, err)
	assert.Equal(t, "3DEPElevation:Aspect Degrees", again[0].Params["LAYERS"], "presets are copied")

	_, err = Presets([]string{"aspect", "lava"})
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestReadLayers(t *testing.T) {
	layers, err := ReadLayers(strings.NewReader(`[
		{"preset": "radar", "opacity": 0.3},
		{"name": "outline", "kind": "vector", "params": {"geojson": "{\"type\":\"FeatureCollection\",\"features\":[]}"}},
		{"name": "roads", "kind": "image-wms", "url": "http://wms.test", "params": {"LAYERS": "roads"},
		 "visible": false, "maxResolution": 500, "extent": [0, 0, 10, 10]}
	]`))
	require.NoError(t, err)
	require.Len(t, layers, 3)

	assert.Equal(t, "radar", layers[0].Name)
	assert.Equal(t, NOAARadarURL, layers[0].URL)
	assert.Equal(t, 0.3, layers[0].Opacity)
	assert.True(t, layers[0].Visible)

	assert.Equal(t, frame.LayerVector, layers[1].Kind)
	assert.Equal(t, 1.0, layers[1].Opacity)

	assert.False(t, layers[2].Visible)
	assert.Equal(t, 500.0, layers[2].MaxResolution)
	require.NotNil(t, layers[2].Extent)
	assert.Equal(t, frame.Extent{0, 0, 10, 10}, *layers[2].Extent)
}

func TestReadLayersRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `{`},
		{"missing name", `[{"kind": "vector", "url": "http://x"}]`},
		{"bad kind", `[{"name": "a", "kind": "heatmap", "url": "http://x"}]`},
		{"missing url", `[{"name": "a", "kind": "tile-wms"}]`},
		{"opacity", `[{"name": "a", "kind": "tile-wms", "url": "http://x", "opacity": 2}]`},
		{"duplicate", `[{"preset": "aspect"}, {"preset": "aspect"}]`},
		{"unknown preset", `[{"preset": "lava"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadLayers(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestLoadLayersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"preset": "countries"}]`), 0o644))

	layers, err := LoadLayers(context.Background(), path, "", nil)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, WorldCountriesURL, layers[0].URL)

	_, err = LoadLayers(context.Background(), filepath.Join(t.TempDir(), "none.json"), "", nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolve(t *testing.T) {
	layers, err := Resolve(context.Background(), "", nil, "", nil)
	require.NoError(t, err)
	require.Len(t, layers, len(DefaultPresets))

	layers, err = Resolve(context.Background(), "", []string{"radar", "countries"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "countries", layers[1].Name)
}
