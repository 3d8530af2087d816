// Package sources knows the map services the viewer draws from and turns
// layer sets, built in or read from a file, into layer descriptors.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrUnknownPreset = errors.New("unknown layer preset")

// DefaultPresets is the layer stack rendered when none is configured: the
// terrain aspect the raindrops read their heading from, with slope on top.
var DefaultPresets = []string{"aspect", "slope"}

var presets = map[string]frame.LayerDescriptor{
	"aspect": {
		Name:    "aspect",
		Kind:    frame.LayerImageWMS,
		URL:     USGS3DEPURL,
		Params:  map[string]any{"LAYERS": "3DEPElevation:Aspect Degrees"},
		Opacity: 1,
		Visible: true,
	},
	"slope": {
		Name:    "slope",
		Kind:    frame.LayerImageWMS,
		URL:     USGS3DEPURL,
		Params:  map[string]any{"LAYERS": "3DEPElevation:Slope Degrees"},
		Opacity: 0.5,
		Visible: true,
	},
	"hillshade": {
		Name:    "hillshade",
		Kind:    frame.LayerTileWMS,
		URL:     USGS3DEPURL,
		Params:  map[string]any{"LAYERS": "3DEPElevation:Hillshade Gray"},
		Opacity: 0.6,
		Visible: true,
	},
	"radar": {
		Name:    "radar",
		Kind:    frame.LayerTileWMS,
		URL:     NOAARadarURL,
		Params:  map[string]any{"LAYERS": "1"},
		Opacity: 0.7,
		Visible: true,
	},
	"countries": {
		Name:    "countries",
		Kind:    frame.LayerVector,
		URL:     WorldCountriesURL,
		Params:  map[string]any{"fill": "#00000000", "stroke": "#242a35"},
		Opacity: 1,
		Visible: true,
	},
}

// PresetNames lists the built-in layers in name order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Presets resolves built-in layer names, bottom layer first.
func Presets(names []string) ([]frame.LayerDescriptor, error) {
	out := make([]frame.LayerDescriptor, 0, len(names))
	for _, name := range names {
		l, ok := presets[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownPreset, name, strings.Join(PresetNames(), ", "))
		}
		out = append(out, l.Clone())
	}
	return out, nil
}

type fileLayer struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	Preset        string         `json:"preset"`
	URL           string         `json:"url"`
	Params        map[string]any `json:"params"`
	Opacity       *float64       `json:"opacity"`
	Visible       *bool          `json:"visible"`
	MinResolution float64        `json:"minResolution"`
	MaxResolution float64        `json:"maxResolution"`
	Extent        *frame.Extent  `json:"extent"`
}

// ReadLayers decodes a JSON array of layers. An entry naming a preset starts
// from it and overrides whatever else the entry sets.
func ReadLayers(r io.Reader) ([]frame.LayerDescriptor, error) {
	var entries []fileLayer
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode layers: %w", err)
	}
	out := make([]frame.LayerDescriptor, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		l, err := e.descriptor()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("layer %d: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = true
		out = append(out, l)
	}
	return out, nil
}

func (e fileLayer) descriptor() (frame.LayerDescriptor, error) {
	l := frame.LayerDescriptor{Opacity: 1, Visible: true}
	if e.Preset != "" {
		p, ok := presets[e.Preset]
		if !ok {
			return l, fmt.Errorf("%w: %q", ErrUnknownPreset, e.Preset)
		}
		l = p.Clone()
	}
	if e.Name != "" {
		l.Name = e.Name
	}
	if e.Kind != "" {
		l.Kind = frame.LayerKind(e.Kind)
	}
	if e.URL != "" {
		l.URL = e.URL
	}
	for k, v := range e.Params {
		if l.Params == nil {
			l.Params = make(map[string]any, len(e.Params))
		}
		l.Params[k] = v
	}
	if e.Opacity != nil {
		l.Opacity = *e.Opacity
	}
	if e.Visible != nil {
		l.Visible = *e.Visible
	}
	if e.MinResolution > 0 {
		l.MinResolution = e.MinResolution
	}
	if e.MaxResolution > 0 {
		l.MaxResolution = e.MaxResolution
	}
	if e.Extent != nil {
		ext := *e.Extent
		l.Extent = &ext
	}

	switch {
	case l.Name == "":
		return l, errors.New("missing name")
	case l.Kind != frame.LayerTileWMS && l.Kind != frame.LayerImageWMS && l.Kind != frame.LayerVector:
		return l, fmt.Errorf("unsupported kind %q", l.Kind)
	case l.URL == "" && l.Kind != frame.LayerVector:
		return l, errors.New("missing url")
	case l.Opacity < 0 || l.Opacity > 1:
		return l, fmt.Errorf("opacity %v out of range", l.Opacity)
	}
	return l, nil
}

// LoadLayers reads a layers file from a local path or a URL. Downloaded files
// are kept in cacheDir when it is set.
func LoadLayers(ctx context.Context, src, cacheDir string, logger *zap.Logger) ([]frame.LayerDescriptor, error) {
	rc, err := utils.OpenCached(ctx, src, cacheDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open layers %s: %w", src, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	return ReadLayers(rc)
}

// Resolve picks the layer stack for a binary: the layers file when one is
// given, otherwise the named presets, otherwise DefaultPresets.
func Resolve(ctx context.Context, layersFile string, names []string, cacheDir string, logger *zap.Logger) ([]frame.LayerDescriptor, error) {
	if layersFile != "" {
		return LoadLayers(ctx, layersFile, cacheDir, logger)
	}
	if len(names) == 0 {
		names = DefaultPresets
	}
	return Presets(names)
}
