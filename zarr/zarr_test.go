package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"math"
	"reflect"
	"testing"

	"github.com/akhenakh/zarrlayer/store"
	"github.com/akhenakh/zarrlayer/zarrtest"
)

func TestParseDtype(t *testing.T) {
	testCases := []struct {
		in      string
		want    Dtype
		wantErr bool
	}{
		{in: "<f4", want: Dtype{ByteOrder: BOLittleEndian, BasicType: BTFloatingPoint, ByteSize: 4}},
		{in: ">i2", want: Dtype{ByteOrder: BOBigEndian, BasicType: BTInteger, ByteSize: 2}},
		{in: "|u1", want: Dtype{ByteOrder: BONotRelevant, BasicType: BTUnsigned, ByteSize: 1}},
		{in: "&lt;f8", want: Dtype{ByteOrder: BOLittleEndian, BasicType: BTFloatingPoint, ByteSize: 8}},
		{in: "<f2", wantErr: true},
		{in: "<U10", wantErr: true},
		{in: "<M8[ns]", wantErr: true},
		{in: "f4", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDtype(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("ParseDtype(%q) expected an error, got %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDtype(%q) returned an unexpected error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseDtype(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseDataType(t *testing.T) {
	testCases := []struct {
		in       string
		wantName string
		wantErr  bool
	}{
		{in: "float32", wantName: "float32"},
		{in: "uint16", wantName: "uint16"},
		{in: "int64", wantName: "int64"},
		{in: "bool", wantName: "bool"},
		{in: "complex64", wantErr: true},
		{in: "float16", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDataType(tc.in)
			if tc.wantErr {
				var ute *UnsupportedTypeError
				if !errors.As(err, &ute) {
					t.Errorf("ParseDataType(%q) expected an UnsupportedTypeError, got %v", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDataType(%q) returned an unexpected error: %v", tc.in, err)
			}
			if got.Name() != tc.wantName {
				t.Errorf("ParseDataType(%q).Name() = %q", tc.in, got.Name())
			}
		})
	}
}

func TestFillValue(t *testing.T) {
	testCases := []struct {
		in        string
		wantValid bool
		want      float64
	}{
		{in: `null`},
		{in: `0`, wantValid: true, want: 0},
		{in: `-9999`, wantValid: true, want: -9999},
		{in: `9.969209968386869e36`, wantValid: true, want: 9.969209968386869e36},
		{in: `"NaN"`, wantValid: true, want: math.NaN()},
		{in: `"-Infinity"`, wantValid: true, want: math.Inf(-1)},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			var f FillValue
			if err := json.Unmarshal([]byte(tc.in), &f); err != nil {
				t.Fatalf("Unmarshal(%s): %v", tc.in, err)
			}
			if f.Valid != tc.wantValid {
				t.Fatalf("Valid = %v, want %v", f.Valid, tc.wantValid)
			}
			if math.IsNaN(tc.want) {
				if !math.IsNaN(f.Value) {
					t.Errorf("Value = %v, want NaN", f.Value)
				}
				return
			}
			if f.Value != tc.want {
				t.Errorf("Value = %v, want %v", f.Value, tc.want)
			}
		})
	}
}

func sequence(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = float64(i)
	}
	return s
}

func TestReadChunk(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name       string
		version    string
		dtype      string
		compressor string
	}{
		{name: "v2 float32 zlib", version: "v2", dtype: "<f4", compressor: "zlib"},
		{name: "v2 big endian gzip", version: "v2", dtype: ">f4", compressor: "gzip"},
		{name: "v2 zstd", version: "v2", dtype: "<f4", compressor: "zstd"},
		{name: "v3 raw", version: "v3", dtype: "<f4"},
		{name: "v3 big endian zstd", version: "v3", dtype: ">f4", compressor: "zstd"},
		{name: "v3 gzip", version: "v3", dtype: "<f4", compressor: "gzip"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			err := zarrtest.WriteArray(s, tc.version, zarrtest.Array{
				Path:       "grid",
				Shape:      []int{5, 4},
				Chunks:     []int{2, 2},
				Dtype:      tc.dtype,
				Fill:       -1.0,
				Dims:       []string{"y", "x"},
				Compressor: tc.compressor,
				Data:       sequence(20),
			})
			if err != nil {
				t.Fatalf("WriteArray: %v", err)
			}

			a, err := OpenArray(ctx, s, "grid", "")
			if err != nil {
				t.Fatalf("OpenArray returned an unexpected error: %v", err)
			}
			if string(a.Version()) != tc.version {
				t.Errorf("Version() = %q, want %q", a.Version(), tc.version)
			}
			if !reflect.DeepEqual(a.DimensionNames(), []string{"y", "x"}) {
				t.Errorf("DimensionNames() = %v", a.DimensionNames())
			}
			if !reflect.DeepEqual(a.ChunkGrid(), []int{3, 2}) {
				t.Errorf("ChunkGrid() = %v", a.ChunkGrid())
			}
			if fv := a.FillValue(); !fv.Valid || fv.Value != -1 {
				t.Errorf("FillValue() = %+v", fv)
			}

			c, err := a.ReadChunk(ctx, []int{0, 1})
			if err != nil {
				t.Fatalf("ReadChunk returned an unexpected error: %v", err)
			}
			want := []float32{2, 3, 6, 7}
			if !reflect.DeepEqual(c.Data, want) {
				t.Errorf("chunk (0,1) = %v, want %v", c.Data, want)
			}

			edge, err := a.ReadChunk(ctx, []int{2, 1})
			if err != nil {
				t.Fatalf("ReadChunk returned an unexpected error: %v", err)
			}
			want = []float32{18, 19, -1, -1}
			if !reflect.DeepEqual(edge.Data, want) {
				t.Errorf("edge chunk (2,1) = %v, want %v", edge.Data, want)
			}

			if _, err := a.ReadChunk(ctx, []int{3, 0}); err == nil {
				t.Error("expected an error for a chunk outside the grid")
			}
		})
	}
}

func TestReadChunkIntegers(t *testing.T) {
	ctx := context.Background()
	for _, version := range []string{"v2", "v3"} {
		t.Run(version, func(t *testing.T) {
			s := store.NewMemoryStore()
			err := zarrtest.WriteArray(s, version, zarrtest.Array{
				Path:   "counts",
				Shape:  []int{2, 2},
				Chunks: []int{2, 2},
				Dtype:  ">i2",
				Fill:   0,
				Data:   []float64{-3, 7, 300, -1200},
			})
			if err != nil {
				t.Fatalf("WriteArray: %v", err)
			}
			a, err := OpenArray(ctx, s, "counts", Version(version))
			if err != nil {
				t.Fatalf("OpenArray returned an unexpected error: %v", err)
			}
			c, err := a.ReadChunk(ctx, []int{0, 0})
			if err != nil {
				t.Fatalf("ReadChunk returned an unexpected error: %v", err)
			}
			want := []int16{-3, 7, 300, -1200}
			if !reflect.DeepEqual(c.Data, want) {
				t.Errorf("chunk = %v, want %v", c.Data, want)
			}
		})
	}
}

func TestMissingChunkIsFilled(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	err := zarrtest.WriteArray(s, "v3", zarrtest.Array{
		Path:   "sparse",
		Shape:  []int{4, 4},
		Chunks: []int{2, 2},
		Dtype:  "<f4",
		Fill:   "NaN",
		Data:   sequence(16),
		Skip:   func(coords []int) bool { return coords[0] == 1 && coords[1] == 1 },
	})
	if err != nil {
		t.Fatalf("WriteArray: %v", err)
	}
	a, err := OpenArray(ctx, s, "sparse", V3)
	if err != nil {
		t.Fatalf("OpenArray returned an unexpected error: %v", err)
	}
	c, err := a.ReadChunk(ctx, []int{1, 1})
	if err != nil {
		t.Fatalf("ReadChunk returned an unexpected error: %v", err)
	}
	if !c.Missing {
		t.Error("chunk should be reported missing")
	}
	for i, v := range c.Data.([]float32) {
		if !math.IsNaN(float64(v)) {
			t.Errorf("sample %d = %v, want NaN", i, v)
		}
	}
}

func TestReadVector(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	err := zarrtest.WriteArray(s, "v2", zarrtest.Array{
		Path:   "time",
		Shape:  []int{5},
		Chunks: []int{2},
		Dtype:  "<f4",
		Data:   []float64{2015, 2016, 2017, 2018, 2019},
	})
	if err != nil {
		t.Fatalf("WriteArray: %v", err)
	}
	a, err := OpenArray(ctx, s, "time", V2)
	if err != nil {
		t.Fatalf("OpenArray returned an unexpected error: %v", err)
	}
	got, err := a.ReadVector(ctx)
	if err != nil {
		t.Fatalf("ReadVector returned an unexpected error: %v", err)
	}
	want := []float32{2015, 2016, 2017, 2018, 2019}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadVector() = %v, want %v", got, want)
	}
}

func TestOpenGroupFallback(t *testing.T) {
	ctx := context.Background()
	for _, version := range []string{"v2", "v3"} {
		t.Run(version, func(t *testing.T) {
			s := store.NewMemoryStore()
			if err := zarrtest.WriteGroup(s, version, "", map[string]any{"title": "sst"}); err != nil {
				t.Fatal(err)
			}
			g, err := OpenGroup(ctx, s, "", "")
			if err != nil {
				t.Fatalf("OpenGroup returned an unexpected error: %v", err)
			}
			if string(g.Version()) != version {
				t.Errorf("Version() = %q, want %q", g.Version(), version)
			}
			if g.Attrs()["title"] != "sst" {
				t.Errorf("Attrs() = %v", g.Attrs())
			}
		})
	}

	if _, err := OpenGroup(ctx, store.NewMemoryStore(), "", ""); err == nil {
		t.Error("expected an error for an empty store")
	}
}

func TestConsolidatedMetadata(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := zarrtest.WriteGroup(s, "v2", "", map[string]any{"title": "sst"}); err != nil {
		t.Fatal(err)
	}
	err := zarrtest.WriteArray(s, "v2", zarrtest.Array{
		Path:   "0/sst",
		Shape:  []int{2, 2},
		Chunks: []int{2, 2},
		Dtype:  "<f4",
		Dims:   []string{"y", "x"},
		Data:   sequence(4),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := zarrtest.Consolidate(s); err != nil {
		t.Fatal(err)
	}

	cs := zarrtest.NewCountingStore(s)
	g, err := OpenGroup(ctx, cs, "", "")
	if err != nil {
		t.Fatalf("OpenGroup returned an unexpected error: %v", err)
	}
	if !g.Consolidated() {
		t.Fatal("group should use consolidated metadata")
	}
	a, err := g.OpenArray(ctx, "0/sst")
	if err != nil {
		t.Fatalf("OpenArray returned an unexpected error: %v", err)
	}
	if cs.MetadataReads() != 1 {
		t.Errorf("metadata reads = %d, want 1", cs.MetadataReads())
	}
	if !reflect.DeepEqual(a.DimensionNames(), []string{"y", "x"}) {
		t.Errorf("DimensionNames() = %v", a.DimensionNames())
	}
}

func TestUnsupportedLayouts(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name string
		key  string
		meta string
	}{
		{
			name: "fortran order",
			key:  "a/.zarray",
			meta: `{"zarr_format":2,"shape":[2],"chunks":[2],"dtype":"<f4","compressor":null,"fill_value":0,"order":"F","filters":null}`,
		},
		{
			name: "blosc",
			key:  "a/.zarray",
			meta: `{"zarr_format":2,"shape":[2],"chunks":[2],"dtype":"<f4","compressor":{"id":"blosc"},"fill_value":0,"order":"C","filters":null}`,
		},
		{
			name: "string dtype",
			key:  "a/.zarray",
			meta: `{"zarr_format":2,"shape":[2],"chunks":[2],"dtype":"<U4","compressor":null,"fill_value":null,"order":"C","filters":null}`,
		},
		{
			name: "sharding",
			key:  "a/zarr.json",
			meta: `{"zarr_format":3,"node_type":"array","shape":[2],"data_type":"float32","chunk_grid":{"name":"regular","configuration":{"chunk_shape":[2]}},"fill_value":0,"codecs":[{"name":"sharding_indexed"}]}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			s.Put(tc.key, []byte(tc.meta))
			_, err := OpenArray(ctx, s, "a", "")
			var ute *UnsupportedTypeError
			if !errors.As(err, &ute) {
				t.Errorf("expected an UnsupportedTypeError, got %v", err)
			}
		})
	}
}

func TestChunkKey(t *testing.T) {
	testCases := []struct {
		name string
		a    Array
		in   []int
		want string
	}{
		{name: "v2 default", a: Array{path: "0/temp", separator: "."}, in: []int{1, 2, 3}, want: "0/temp/1.2.3"},
		{name: "v2 slash", a: Array{path: "0/temp", separator: "/"}, in: []int{1, 2}, want: "0/temp/1/2"},
		{name: "v3 default", a: Array{path: "0/temp", separator: "/", keyPrefix: "c"}, in: []int{0, 4}, want: "0/temp/c/0/4"},
		{name: "v2 scalar", a: Array{path: "s", separator: "."}, in: nil, want: "s/0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.ChunkKey(tc.in); got != tc.want {
				t.Errorf("ChunkKey(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCRC32CCodec(t *testing.T) {
	payload := []byte("zarr chunk")
	sum := make([]byte, 4)
	binary.LittleEndian.PutUint32(sum, crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)))

	got, err := crc32cCodec{}.Decompress(append(append([]byte(nil), payload...), sum...))
	if err != nil {
		t.Fatalf("Decompress returned an unexpected error: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Decompress = %q", got)
	}

	sum[0] ^= 0xff
	if _, err := (crc32cCodec{}).Decompress(append(append([]byte(nil), payload...), sum...)); err == nil {
		t.Error("expected a checksum error")
	}
}
