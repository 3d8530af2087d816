package rainengine

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/sudorandom/rainfall/pkg/frame"
)

const defaultWMSVersion = "1.3.0"

// wmsParams is the decoded form of a WMS layer's free-form params. Keys are
// matched case-insensitively; anything not named here is passed through.
type wmsParams struct {
	Layers      string `mapstructure:"LAYERS"`
	Styles      string `mapstructure:"STYLES"`
	Version     string `mapstructure:"VERSION"`
	Format      string `mapstructure:"FORMAT"`
	Transparent any    `mapstructure:"TRANSPARENT"`

	// Ratio and TileSize configure the renderer and are not sent.
	Ratio    float64 `mapstructure:"ratio"`
	TileSize int     `mapstructure:"tileSize"`

	Extra map[string]any `mapstructure:",remain"`
}

func decodeWMSParams(params map[string]any) (wmsParams, error) {
	var p wmsParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(params); err != nil {
		return p, fmt.Errorf("decode wms params: %w", err)
	}
	if p.Version == "" {
		p.Version = defaultWMSVersion
	}
	if p.Format == "" {
		p.Format = "image/png"
	}
	if p.Transparent == nil {
		p.Transparent = true
	}
	return p, nil
}

// getMapURL builds a GetMap request for extent at the given pixel size.
func getMapURL(base string, p wmsParams, extent frame.Extent, width, height int, proj frame.Projection) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse wms url: %w", err)
	}
	q := u.Query()
	for k, v := range p.Extra {
		q.Set(strings.ToUpper(k), fmt.Sprint(v))
	}
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", p.Version)
	q.Set("REQUEST", "GetMap")
	q.Set("FORMAT", p.Format)
	q.Set("TRANSPARENT", fmt.Sprint(p.Transparent))
	q.Set("LAYERS", p.Layers)
	q.Set("STYLES", p.Styles)
	q.Set("WIDTH", strconv.Itoa(width))
	q.Set("HEIGHT", strconv.Itoa(height))

	code := ""
	if proj != nil {
		code = proj.Code()
	}
	bbox := extent
	if strings.HasPrefix(p.Version, "1.3") {
		q.Set("CRS", code)
		// WMS 1.3 uses latitude-first axis order for geographic CRS.
		if code == frame.LonLat.Code() {
			bbox = frame.Extent{extent[1], extent[0], extent[3], extent[2]}
		}
	} else {
		q.Set("SRS", code)
	}
	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	q.Set("BBOX", strings.Join(parts, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
