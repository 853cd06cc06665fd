package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gogpu/gg"
	"github.com/paulmach/orb"

	"github.com/akhenakh/zarrlayer/gpu"
	"github.com/akhenakh/zarrlayer/layer"
	"github.com/akhenakh/zarrlayer/mapview"
	"github.com/akhenakh/zarrlayer/pyramid"
	"github.com/akhenakh/zarrlayer/store"
	"github.com/akhenakh/zarrlayer/tile"
	"github.com/akhenakh/zarrlayer/zarr"
)

// Service serves one layer over a headless map.
type Service struct {
	logger *slog.Logger
	dev    *gpu.Software
	view   *mapview.Map
	layer  *layer.Layer
	cache  *tile.LRUCache

	// renders share the map view
	renderMu sync.Mutex
}

func setupService(ctx context.Context, cfg Config, logger *slog.Logger, metrics *layer.Metrics) (*Service, error) {
	opts, err := layerOptions(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	var cache *tile.LRUCache
	if cfg.CacheMaxSize > 0 {
		logger.Info("configuring tile cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
		cache = tile.NewLRUCache(cfg.CacheMaxSize, cfg.CacheItemsToPrune)
		opts.Cache = cache
	}

	logger.Info("initializing zarr layer", "source", cfg.ZarrSource, "variable", cfg.ZarrVariable)
	svc, err := newService(ctx, opts, gpu.NewSoftware(gpu.WithLogger(logger)), cfg.RenderWidth, cfg.RenderHeight)
	if err != nil {
		if cache != nil {
			cache.Stop()
		}
		return nil, err
	}
	svc.cache = cache
	return svc, nil
}

// layerOptions maps the configuration to the options of the layer.
func layerOptions(cfg Config, logger *slog.Logger, metrics *layer.Metrics) (layer.Options, error) {
	colormap, err := parseColormap(cfg.Colormap)
	if err != nil {
		return layer.Options{}, err
	}
	sel, err := parseSelector(cfg.ZarrSelector)
	if err != nil {
		return layer.Options{}, err
	}

	opts := layer.Options{
		Source:        cfg.ZarrSource,
		Version:       zarr.Version(cfg.ZarrVersion),
		Variable:      cfg.ZarrVariable,
		Selector:      sel,
		Colormap:      colormap,
		VMin:          cfg.VMin,
		VMax:          cfg.VMax,
		Opacity:       &cfg.Opacity,
		MinRenderZoom: &cfg.MinRenderZoom,
		FetchTimeout:  cfg.FetchTimeout,
		Logger:        logger,
		Metrics:       metrics,
	}
	if len(cfg.RequestHeaders) > 0 {
		opts.HTTPOptions = append(opts.HTTPOptions, store.WithHeaders(cfg.RequestHeaders))
	}
	return opts, nil
}

func newService(ctx context.Context, opts layer.Options, dev *gpu.Software, width, height int) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		logger: opts.Logger,
		dev:    dev,
		view:   mapview.New(dev, width, height),
	}
	opts.Invalidate = s.view.Invalidate

	l, err := layer.New(opts)
	if err != nil {
		return nil, err
	}
	if err := s.view.AddLayer(ctx, l); err != nil {
		l.Close()
		return nil, err
	}
	s.layer = l
	return s, nil
}

func (s *Service) Close() {
	s.layer.Close()
	s.view.Close()
	if s.cache != nil {
		s.cache.Stop()
	}
}

// parseColormap reads a list of "#rrggbb" colors.
func parseColormap(hexes []string) ([]gg.RGBA, error) {
	colors := make([]gg.RGBA, 0, len(hexes))
	for _, h := range hexes {
		h = strings.TrimSpace(h)
		digits := strings.TrimPrefix(h, "#")
		switch len(digits) {
		case 3, 4, 6, 8:
		default:
			return nil, fmt.Errorf("invalid colormap color %q", h)
		}
		if _, err := strconv.ParseUint(digits, 16, 32); err != nil {
			return nil, fmt.Errorf("invalid colormap color %q", h)
		}
		c := gg.Hex(digits)
		c.A = 1
		colors = append(colors, c)
	}
	if len(colors) == 0 {
		return nil, errors.New("the colormap is empty")
	}
	return colors, nil
}

// parseSelector reads a JSON object of dimension to values. A single number
// is accepted in place of a list.
func parseSelector(raw string) (pyramid.Selector, error) {
	if strings.TrimSpace(raw) == "" {
		return pyramid.Selector{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("invalid selector: %w", err)
	}
	sel := make(pyramid.Selector, len(fields))
	for dim, v := range fields {
		var values []float64
		if err := json.Unmarshal(v, &values); err != nil {
			var single float64
			if err := json.Unmarshal(v, &single); err != nil {
				return nil, fmt.Errorf("invalid selector value for %q: %s", dim, v)
			}
			values = []float64{single}
		}
		sel[dim] = values
	}
	return sel, nil
}

// Handler returns the REST API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/render/", s.renderHandler)
	mux.HandleFunc("/getValue/", s.getValueHandler)
	mux.HandleFunc("/getProfile/", s.getProfileHandler)
	mux.HandleFunc("/metadata", s.metadataHandler)
	mux.HandleFunc("/layer", s.layerHandler)
	return mux
}

// renderHandler serves /render/{z}/{lon}/{lat}.png, a view of the map
// centered on lon, lat.
func (s *Service) renderHandler(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/render/"), ".png"), "/")
	if len(pathParts) != 3 {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}
	zoom, err := strconv.ParseFloat(pathParts[0], 64)
	if err != nil || zoom < 0 {
		http.Error(w, "Invalid zoom", http.StatusBadRequest)
		return
	}
	lon, err := strconv.ParseFloat(pathParts[1], 64)
	if err != nil || lon < -180 || lon > 180 {
		http.Error(w, "Invalid longitude", http.StatusBadRequest)
		return
	}
	lat, err := strconv.ParseFloat(pathParts[2], 64)
	if err != nil || lat < -85.0511 || lat > 85.0511 {
		http.Error(w, "Invalid latitude", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := s.render(r.Context(), orb.Point{lon, lat}, zoom, &buf); err != nil {
		http.Error(w, fmt.Sprintf("Could not render: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

// render draws a complete view: frames start empty and every visible tile
// is fetched before drawing.
func (s *Service) render(ctx context.Context, center orb.Point, zoom float64, buf *bytes.Buffer) error {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	s.view.SetView(center, zoom)
	if err := s.layer.ClearFrames(); err != nil {
		return err
	}
	if err := s.layer.PrefetchVisible(ctx); err != nil {
		return err
	}
	rt, err := s.view.Render()
	if err != nil {
		return err
	}
	return s.dev.EncodePNG(buf, rt)
}

func (s *Service) getValueHandler(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/getValue/"), "/")
	if len(pathParts) != 2 {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}
	lat, err := strconv.ParseFloat(pathParts[0], 64)
	if err != nil {
		http.Error(w, "Invalid latitude", http.StatusBadRequest)
		return
	}
	lng, err := strconv.ParseFloat(pathParts[1], 64)
	if err != nil {
		http.Error(w, "Invalid longitude", http.StatusBadRequest)
		return
	}
	value, err := s.layer.ValueAt(r.Context(), lng, lat)
	if err != nil {
		http.Error(w, fmt.Sprintf("Could not retrieve value: %v", err), http.StatusInternalServerError)
		return
	}
	response := map[string]any{"latitude": lat, "longitude": lng, "value": value}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Service) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req [][]float64
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req) < 2 {
		http.Error(w, "At least two points are required", http.StatusBadRequest)
		return
	}
	profile, err := s.layer.Profile(r.Context(), req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Could not generate profile: %v", err), http.StatusInternalServerError)
		return
	}
	if profile == nil {
		profile = [][]float64{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

type metadataResponse struct {
	State      string               `json:"state"`
	Variable   string               `json:"variable"`
	Selector   pyramid.Selector     `json:"selector"`
	Version    zarr.Version         `json:"version,omitempty"`
	Levels     []int                `json:"levels,omitempty"`
	MaxZoom    int                  `json:"max_zoom"`
	TileSize   int                  `json:"tile_size"`
	CRS        string               `json:"crs,omitempty"`
	Dimensions []string             `json:"dimensions,omitempty"`
	Coords     map[string][]float32 `json:"coords,omitempty"`
	Shape      []int                `json:"shape,omitempty"`
	ChunkShape []int                `json:"chunk_shape,omitempty"`
	FillValue  float64              `json:"fill_value"`
	VMin       float64              `json:"vmin"`
	VMax       float64              `json:"vmax"`
	Opacity    float64              `json:"opacity"`
}

func (s *Service) metadata() metadataResponse {
	vmin, vmax := s.layer.VMinVMax()
	resp := metadataResponse{
		State:    s.layer.State().String(),
		Variable: s.layer.Variable(),
		Selector: s.layer.Selector(),
		VMin:     vmin,
		VMax:     vmax,
		Opacity:  s.layer.Opacity(),
	}
	if meta := s.layer.Metadata(); meta != nil {
		resp.Version = meta.Version
		resp.Levels = meta.Levels
		resp.MaxZoom = meta.MaxZoom
		resp.TileSize = meta.TileSize
		resp.CRS = meta.CRS
		resp.Dimensions = meta.Dimensions
		resp.Coords = meta.DimCoords
		resp.Shape = meta.Shape
		resp.ChunkShape = meta.ChunkShape
		resp.FillValue = meta.FillValue
	}
	return resp
}

func (s *Service) metadataHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.metadata())
}

// layerUpdate changes the layer, absent fields are left alone.
type layerUpdate struct {
	Variable *string         `json:"variable"`
	Selector json.RawMessage `json:"selector"`
	VMin     *float64        `json:"vmin"`
	VMax     *float64        `json:"vmax"`
	Opacity  *float64        `json:"opacity"`
}

func (s *Service) layerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req layerUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.update(r.Context(), req); err != nil {
		code := http.StatusInternalServerError
		var se *pyramid.SelectorError
		var me *pyramid.MetadataError
		var ie *invalidUpdateError
		switch {
		case errors.Is(err, store.ErrNotFound):
			code = http.StatusNotFound
		case errors.As(err, &se) || errors.As(err, &me) || errors.As(err, &ie):
			code = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf("Could not update the layer: %v", err), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.metadata())
}

type invalidUpdateError struct{ msg string }

func (e *invalidUpdateError) Error() string { return e.msg }

func (s *Service) update(ctx context.Context, req layerUpdate) error {
	var sel pyramid.Selector
	if len(req.Selector) > 0 {
		var err error
		if sel, err = parseSelector(string(req.Selector)); err != nil {
			return &invalidUpdateError{msg: err.Error()}
		}
	}
	if req.Opacity != nil && (*req.Opacity < 0 || *req.Opacity > 1) {
		return &invalidUpdateError{msg: "opacity must be within [0, 1]"}
	}

	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	if req.Variable != nil && *req.Variable != s.layer.Variable() {
		if *req.Variable == "" {
			return &invalidUpdateError{msg: "a variable is required"}
		}
		if err := s.layer.SetVariable(ctx, *req.Variable); err != nil {
			return err
		}
	}
	if sel != nil {
		if err := s.layer.SetSelector(ctx, sel); err != nil {
			return err
		}
	}
	if req.VMin != nil || req.VMax != nil {
		vmin, vmax := s.layer.VMinVMax()
		if req.VMin != nil {
			vmin = *req.VMin
		}
		if req.VMax != nil {
			vmax = *req.VMax
		}
		s.layer.SetVMinVMax(vmin, vmax)
	}
	if req.Opacity != nil {
		s.layer.SetOpacity(*req.Opacity)
	}
	return nil
}
