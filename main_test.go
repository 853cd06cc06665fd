package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/gogpu/gg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akhenakh/zarrlayer/gpu"
	"github.com/akhenakh/zarrlayer/layer"
	"github.com/akhenakh/zarrlayer/pyramid"
	"github.com/akhenakh/zarrlayer/tilemath"
	"github.com/akhenakh/zarrlayer/zarrtest"
)

// newTestService serves a 3 level pyramid whose finest level holds
// 2001 + 100*y + x, with a zero sample at (0, 0).
func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := zarrtest.WritePyramid(zarrtest.Pyramid{
		Version:  "v2",
		Variable: "temp",
		Levels:   3,
		TileSize: 4,
		Dims:     []string{"y", "x"},
		Fill:     -9999.0,
		Value: func(level int, idx []int) float64 {
			if level == 2 && idx[0] == 0 && idx[1] == 0 {
				return 0
			}
			return float64(1 + level*1000 + idx[0]*100 + idx[1])
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := newService(context.Background(), layer.Options{
		Store:    s,
		Variable: "temp",
		Colormap: gpu.ColormapFromRGB([][3]uint8{{0, 0, 0}, {255, 255, 255}}),
		VMax:     3000,
	}, gpu.NewSoftware(), 64, 64)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// pixelCorner returns lat, lng a quarter pixel inside pixel (px, py) of the
// finest level.
func pixelCorner(px, py int) (float64, float64) {
	return tilemath.LatFromMercatorY((float64(py) + 0.25) / 16), tilemath.LonFromMercatorX((float64(px) + 0.25) / 16)
}

func TestParseColormap(t *testing.T) {
	testCases := []struct {
		name    string
		in      []string
		want    []gg.RGBA
		wantErr bool
	}{
		{name: "hex colors", in: []string{"#000000", "ff0000", " #fff "}, want: []gg.RGBA{gg.RGB(0, 0, 0), gg.RGB(1, 0, 0), gg.RGB(1, 1, 1)}},
		{name: "alpha is ignored", in: []string{"#ff000080"}, want: []gg.RGBA{gg.RGB(1, 0, 0)}},
		{name: "empty", wantErr: true},
		{name: "bad length", in: []string{"#12345"}, wantErr: true},
		{name: "not hex", in: []string{"#zzzzzz"}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseColormap(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseColormap() error = %v, wantErr %v", err, tc.wantErr)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("parseColormap() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("color %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParseSelector(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    pyramid.Selector
		wantErr bool
	}{
		{name: "empty", in: "", want: pyramid.Selector{}},
		{name: "lists", in: `{"time": [2020, 2021], "band": [1]}`, want: pyramid.Selector{"time": {2020, 2021}, "band": {1}}},
		{name: "single number", in: `{"time": 5}`, want: pyramid.Selector{"time": {5}}},
		{name: "not an object", in: `[1]`, wantErr: true},
		{name: "string value", in: `{"time": "a"}`, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseSelector(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseSelector() error = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && !got.Equal(tc.want) {
				t.Errorf("parseSelector() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLayerOptions(t *testing.T) {
	testCases := []struct {
		name        string
		env         map[string]string
		wantOpacity float64
		wantMinZoom int
	}{
		{name: "defaults", wantOpacity: 1, wantMinZoom: 3},
		{name: "explicit zeros", env: map[string]string{"OPACITY": "0", "MIN_RENDER_ZOOM": "0"}, wantOpacity: 0, wantMinZoom: 0},
		{name: "values", env: map[string]string{"OPACITY": "0.4", "MIN_RENDER_ZOOM": "5"}, wantOpacity: 0.4, wantMinZoom: 5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			environ := map[string]string{"ZARR_SOURCE": "mem://", "ZARR_VARIABLE": "temp"}
			for k, v := range tc.env {
				environ[k] = v
			}
			var cfg Config
			if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
				t.Fatalf("env.ParseWithOptions: %v", err)
			}
			opts, err := layerOptions(cfg, nil, nil)
			if err != nil {
				t.Fatalf("layerOptions: %v", err)
			}
			if opts.MinRenderZoom == nil || *opts.MinRenderZoom != tc.wantMinZoom {
				t.Errorf("MinRenderZoom = %v, want %d", opts.MinRenderZoom, tc.wantMinZoom)
			}
			l, err := layer.New(opts)
			if err != nil {
				t.Fatalf("layer.New: %v", err)
			}
			if l.Opacity() != tc.wantOpacity {
				t.Errorf("Opacity() = %v, want %v", l.Opacity(), tc.wantOpacity)
			}
		})
	}
}

func TestRenderHandler(t *testing.T) {
	svc := newTestService(t)
	h := svc.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/render/0/0/0.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("image is %v", b)
	}
	if _, _, _, a := img.At(32, 32).RGBA(); a != 0xffff {
		t.Errorf("center pixel alpha = %d, want opaque", a)
	}

	for _, path := range []string{"/render/0/0.png", "/render/x/0/0.png", "/render/1/200/0.png", "/render/1/0/89.png"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, rec.Code)
		}
	}
}

func TestGetValueHandler(t *testing.T) {
	svc := newTestService(t)
	h := svc.Handler()

	testCases := []struct {
		name   string
		px, py int
		want   float64
	}{
		{name: "sample", px: 5, py: 6, want: 2606},
		{name: "zero is no value", px: 0, py: 0, want: layer.NoValue},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			lat, lng := pixelCorner(tc.px, tc.py)
			rec := httptest.NewRecorder()
			path := "/getValue/" + jsonNumber(lat) + "/" + jsonNumber(lng)
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			var resp map[string]float64
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp["value"] != tc.want {
				t.Errorf("value = %v, want %v", resp["value"], tc.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/getValue/abc/1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func jsonNumber(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestGetProfileHandler(t *testing.T) {
	svc := newTestService(t)
	h := svc.Handler()

	lat1, lng1 := pixelCorner(2, 6)
	lat2, lng2 := pixelCorner(4, 6)
	body, _ := json.Marshal([][]float64{{lat1, lng1}, {lat2, lng2}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/getProfile/", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var profile [][]float64
	if err := json.NewDecoder(rec.Body).Decode(&profile); err != nil {
		t.Fatal(err)
	}
	if len(profile) != 3 || profile[0][2] != 2603 || profile[2][2] != 2605 {
		t.Errorf("profile = %v", profile)
	}

	for _, body := range []string{"not json", "[[1, 2]]"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/getProfile/", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q status = %d, want 400", body, rec.Code)
		}
	}
}

func TestLayerHandler(t *testing.T) {
	svc := newTestService(t)
	h := svc.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metadata", nil))
	var meta metadataResponse
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatal(err)
	}
	if meta.State != "ready" || meta.Variable != "temp" || meta.MaxZoom != 2 || meta.TileSize != 4 || meta.FillValue != -9999 {
		t.Errorf("metadata = %+v", meta)
	}

	testCases := []struct {
		name     string
		method   string
		body     string
		wantCode int
	}{
		{name: "wrong method", method: http.MethodGet, wantCode: http.StatusMethodNotAllowed},
		{name: "bad json", method: http.MethodPost, body: "{", wantCode: http.StatusBadRequest},
		{name: "opacity out of range", method: http.MethodPost, body: `{"opacity": 2}`, wantCode: http.StatusBadRequest},
		{name: "bad selector", method: http.MethodPost, body: `{"selector": {"time": "a"}}`, wantCode: http.StatusBadRequest},
		{name: "unknown dimension", method: http.MethodPost, body: `{"selector": {"depth": [5]}}`, wantCode: http.StatusBadRequest},
		{name: "unknown variable", method: http.MethodPost, body: `{"variable": "missing"}`, wantCode: http.StatusNotFound},
		{name: "style", method: http.MethodPost, body: `{"vmin": 1, "vmax": 5, "opacity": 0.5}`, wantCode: http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tc.method, "/layer", strings.NewReader(tc.body)))
			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.wantCode, rec.Body)
			}
		})
	}

	vmin, vmax := svc.layer.VMinVMax()
	if vmin != 1 || vmax != 5 || svc.layer.Opacity() != 0.5 {
		t.Errorf("layer style = %v, %v, %v", vmin, vmax, svc.layer.Opacity())
	}
	if !svc.view.Dirty() {
		t.Error("a style change should invalidate the map")
	}
}

func dialValueService(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterValueServiceServer(server, svc)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCGetValue(t *testing.T) {
	conn := dialValueService(t, newTestService(t))
	ctx := context.Background()

	lat, lng := pixelCorner(13, 2)
	req, err := structpb.NewStruct(map[string]any{"latitude": lat, "longitude": lng})
	if err != nil {
		t.Fatal(err)
	}
	var resp wrapperspb.DoubleValue
	if err := conn.Invoke(ctx, ValueService_GetValue_FullMethodName, req, &resp); err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if resp.GetValue() != 2214 {
		t.Errorf("GetValue() = %v, want 2214", resp.GetValue())
	}

	lat, lng = pixelCorner(0, 0)
	req, _ = structpb.NewStruct(map[string]any{"latitude": lat, "longitude": lng})
	err = conn.Invoke(ctx, ValueService_GetValue_FullMethodName, req, &resp)
	if status.Code(err) != codes.NotFound {
		t.Errorf("GetValue() on a zero sample = %v, want NotFound", err)
	}

	req, _ = structpb.NewStruct(map[string]any{"latitude": "north"})
	err = conn.Invoke(ctx, ValueService_GetValue_FullMethodName, req, &resp)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("GetValue() with a string latitude = %v, want InvalidArgument", err)
	}
}

func TestGRPCGetProfile(t *testing.T) {
	conn := dialValueService(t, newTestService(t))
	ctx := context.Background()

	lat1, lng1 := pixelCorner(2, 6)
	lat2, lng2 := pixelCorner(4, 6)
	req, err := structpb.NewList([]any{[]any{lat1, lng1}, []any{lat2, lng2}})
	if err != nil {
		t.Fatal(err)
	}
	var resp structpb.ListValue
	if err := conn.Invoke(ctx, ValueService_GetProfile_FullMethodName, req, &resp); err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	points := resp.AsSlice()
	if len(points) != 3 {
		t.Fatalf("GetProfile() returned %d points, want 3", len(points))
	}
	last := points[2].([]any)
	if v := last[2].(float64); math.Abs(v-2605) > 1e-9 {
		t.Errorf("last value = %v, want 2605", v)
	}

	req, _ = structpb.NewList([]any{[]any{lat1, lng1}})
	err = conn.Invoke(ctx, ValueService_GetProfile_FullMethodName, req, &resp)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("GetProfile() with one point = %v, want InvalidArgument", err)
	}
}
