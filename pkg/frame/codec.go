package frame

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the encoded, worker-safe form of a State. It holds no live
// handles; the projection travels as its code.
type Snapshot []byte

type wireViewState struct {
	Center     Coordinate `json:"center"`
	Resolution float64    `json:"resolution"`
	Rotation   float64    `json:"rotation"`
	PixelRatio float64    `json:"pixelRatio"`
	Projection string     `json:"projection"`
}

type wireLayer struct {
	Name          string         `json:"name"`
	Kind          LayerKind      `json:"kind"`
	URL           string         `json:"url,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Opacity       float64        `json:"opacity"`
	Visible       bool           `json:"visible"`
	MinResolution float64        `json:"minResolution,omitempty"`
	MaxResolution float64        `json:"maxResolution,omitempty"`
	Extent        *Extent        `json:"extent,omitempty"`
}

type wireState struct {
	ViewState wireViewState  `json:"viewState"`
	Extent    Extent         `json:"extent"`
	Size      Size           `json:"size"`
	Layers    []wireLayer    `json:"layers"`
	Animate   bool           `json:"animate"`
	Index     uint64         `json:"index"`
	Time      int64          `json:"time"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// Codec turns live frame states into snapshots and back. Each side of the
// worker boundary owns one, bound to its own projection registry.
type Codec struct {
	registry *Registry
	logger   *zap.Logger
}

func NewCodec(registry *Registry, logger *zap.Logger) *Codec {
	if registry == nil {
		registry = DefaultRegistry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{registry: registry, logger: logger}
}

func (c *Codec) Encode(s State) (Snapshot, error) {
	w := wireState{
		ViewState: wireViewState{
			Center:     s.ViewState.Center,
			Resolution: s.ViewState.Resolution,
			Rotation:   s.ViewState.Rotation,
			PixelRatio: s.ViewState.PixelRatio,
		},
		Extent:  s.Extent,
		Size:    s.Size,
		Layers:  make([]wireLayer, 0, len(s.Layers)),
		Animate: s.Animate,
		Index:   s.Index,
		Extras:  c.sanitize("extras", s.Extras),
	}
	if s.ViewState.Projection != nil {
		w.ViewState.Projection = s.ViewState.Projection.Code()
	}
	if !s.Time.IsZero() {
		w.Time = s.Time.UnixMilli()
	}
	for _, l := range s.Layers {
		wl := wireLayer{
			Name:          l.Name,
			Kind:          l.Kind,
			URL:           l.URL,
			Params:        c.sanitize("layer "+l.Name, l.Params),
			Opacity:       l.Opacity,
			Visible:       l.Visible,
			MinResolution: l.MinResolution,
			MaxResolution: l.MaxResolution,
		}
		if l.Extent != nil {
			ext := *l.Extent
			wl.Extent = &ext
		}
		w.Layers = append(w.Layers, wl)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode frame state: %w", err)
	}
	return data, nil
}

func (c *Codec) Decode(data Snapshot) (State, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return State{}, fmt.Errorf("decode frame state: %w", err)
	}
	s := State{
		ViewState: ViewState{
			Center:     w.ViewState.Center,
			Resolution: w.ViewState.Resolution,
			Rotation:   w.ViewState.Rotation,
			PixelRatio: w.ViewState.PixelRatio,
			Projection: c.projection(w.ViewState.Projection),
		},
		Extent:  w.Extent,
		Size:    w.Size,
		Layers:  make([]LayerDescriptor, 0, len(w.Layers)),
		Animate: w.Animate,
		Index:   w.Index,
		Extras:  w.Extras,
	}
	if w.Time != 0 {
		s.Time = time.UnixMilli(w.Time)
	}
	for _, wl := range w.Layers {
		s.Layers = append(s.Layers, LayerDescriptor{
			Name:          wl.Name,
			Kind:          wl.Kind,
			URL:           wl.URL,
			Params:        wl.Params,
			Opacity:       wl.Opacity,
			Visible:       wl.Visible,
			MinResolution: wl.MinResolution,
			MaxResolution: wl.MaxResolution,
			Extent:        wl.Extent,
		})
	}
	return s, nil
}

func (c *Codec) projection(code string) Projection {
	if code == "" {
		return nil
	}
	if p, ok := c.registry.Get(code); ok {
		return p
	}
	c.logger.Warn("unknown projection, rendering without reprojection", zap.String("code", code))
	return unknownProjection{code: code}
}

// sanitize keeps the values that survive a structural clone. Anything else is
// dropped with a warning so the rest of the frame still renders.
func (c *Codec) sanitize(scope string, in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		pv, err := structpb.NewValue(v)
		if err != nil {
			c.logger.Warn("dropping non-serializable field",
				zap.String("scope", scope), zap.String("field", k), zap.Error(err))
			continue
		}
		out[k] = pv.AsInterface()
	}
	return out
}

// MarshalJSON embeds the snapshot verbatim so protocol messages carry it as a
// nested object rather than base64.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	*s = append((*s)[:0], data...)
	return nil
}
