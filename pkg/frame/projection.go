package frame

import (
	"math"
	"sync"
)

const earthRadius = 6378137.0

var webMercatorHalfWidth = math.Pi * earthRadius

// Projection converts between geographic coordinates and map units. Only the
// code crosses the worker boundary; each side resolves it in its own Registry.
type Projection interface {
	Code() string
	Extent() Extent
	FromLonLat(lon, lat float64) Coordinate
	ToLonLat(c Coordinate) (lon, lat float64)
}

type webMercator struct{}

func (webMercator) Code() string { return "EPSG:3857" }

func (webMercator) Extent() Extent {
	return Extent{-webMercatorHalfWidth, -webMercatorHalfWidth, webMercatorHalfWidth, webMercatorHalfWidth}
}

func (webMercator) FromLonLat(lon, lat float64) Coordinate {
	if lat > 85.0511287798 {
		lat = 85.0511287798
	}
	if lat < -85.0511287798 {
		lat = -85.0511287798
	}
	x := earthRadius * lon * math.Pi / 180
	y := earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return Coordinate{x, y}
}

func (webMercator) ToLonLat(c Coordinate) (float64, float64) {
	lon := c[0] / earthRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(c[1]/earthRadius)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}

type lonLat struct{}

func (lonLat) Code() string                             { return "EPSG:4326" }
func (lonLat) Extent() Extent                           { return Extent{-180, -90, 180, 90} }
func (lonLat) FromLonLat(lon, lat float64) Coordinate   { return Coordinate{lon, lat} }
func (lonLat) ToLonLat(c Coordinate) (float64, float64) { return c[0], c[1] }

// unknownProjection stands in for a code with no registered behavior. It keeps
// the code so the snapshot stays inspectable, and treats coordinates as-is.
type unknownProjection struct{ code string }

func (u unknownProjection) Code() string                           { return u.code }
func (unknownProjection) Extent() Extent                           { return Extent{} }
func (unknownProjection) FromLonLat(lon, lat float64) Coordinate   { return Coordinate{lon, lat} }
func (unknownProjection) ToLonLat(c Coordinate) (float64, float64) { return c[0], c[1] }

var (
	WebMercator Projection = webMercator{}
	LonLat      Projection = lonLat{}
)

// IsKnown reports whether p has real projection behavior attached.
func IsKnown(p Projection) bool {
	if p == nil {
		return false
	}
	_, unknown := p.(unknownProjection)
	return !unknown
}

type Registry struct {
	mu     sync.RWMutex
	byCode map[string]Projection
}

func NewRegistry(projections ...Projection) *Registry {
	r := &Registry{byCode: make(map[string]Projection)}
	for _, p := range projections {
		r.Register(p)
	}
	return r
}

// DefaultRegistry knows web mercator and plain lon/lat under their common aliases.
var DefaultRegistry = func() *Registry {
	r := NewRegistry(WebMercator, LonLat)
	r.Alias("EPSG:900913", WebMercator)
	r.Alias("EPSG:102100", WebMercator)
	r.Alias("EPSG:102113", WebMercator)
	r.Alias("CRS:84", LonLat)
	return r
}()

func (r *Registry) Register(p Projection) {
	r.Alias(p.Code(), p)
}

func (r *Registry) Alias(code string, p Projection) {
	r.mu.Lock()
	r.byCode[code] = p
	r.mu.Unlock()
}

func (r *Registry) Get(code string) (Projection, bool) {
	r.mu.RLock()
	p, ok := r.byCode[code]
	r.mu.RUnlock()
	return p, ok
}
