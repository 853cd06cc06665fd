package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Metadata keys.
const (
	// KeyAttributes stores userland metadata of a v2 node.
	KeyAttributes = ".zattrs"
	// KeyArray stores v2 array metadata.
	KeyArray = ".zarray"
	// KeyGroup marks a v2 group.
	KeyGroup = ".zgroup"
	// KeyConsolidated holds the metadata of a whole v2 hierarchy.
	KeyConsolidated = ".zmetadata"
	// KeyNode holds v3 node metadata.
	KeyNode = "zarr.json"
)

// Version selects one of the two metadata encodings.
type Version string

const (
	V2 Version = "v2"
	V3 Version = "v3"
)

// ParseVersion accepts "v2", "2", "v3", "3" and the empty string, which
// means both encodings are tried.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "v2", "2":
		return V2, nil
	case "v3", "3":
		return V3, nil
	default:
		return "", fmt.Errorf("unknown zarr version %q", s)
	}
}

// Attributes is the free form attribute object of a node.
type Attributes map[string]any

// ArrayDimensions returns the xarray "_ARRAY_DIMENSIONS" attribute.
func (a Attributes) ArrayDimensions() []string {
	raw, ok := a["_ARRAY_DIMENSIONS"].([]any)
	if !ok {
		return nil
	}
	dims := make([]string, 0, len(raw))
	for _, d := range raw {
		s, ok := d.(string)
		if !ok {
			return nil
		}
		dims = append(dims, s)
	}
	return dims
}

// Unmarshal decodes the attribute key into v.
func (a Attributes) Unmarshal(key string, v any) error {
	raw, ok := a[key]
	if !ok {
		return fmt.Errorf("attribute %q not found", key)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ArrayMetaV2 is the content of a ".zarray" key.
type ArrayMetaV2 struct {
	ZarrFormat         int         `json:"zarr_format"`
	Shape              []int       `json:"shape"`
	Chunks             []int       `json:"chunks"`
	Dtype              Dtype       `json:"dtype"`
	Compressor         *CodecMeta  `json:"compressor"`
	FillValue          FillValue   `json:"fill_value"`
	Order              string      `json:"order"`
	Filters            []CodecMeta `json:"filters"`
	DimensionSeparator string      `json:"dimension_separator,omitempty"`
}

// NodeMetaV3 is the content of a "zarr.json" key, for groups and arrays.
type NodeMetaV3 struct {
	ZarrFormat       int            `json:"zarr_format"`
	NodeType         string         `json:"node_type"`
	Shape            []int          `json:"shape,omitempty"`
	DataType         string         `json:"data_type,omitempty"`
	ChunkGrid        *ChunkGridV3   `json:"chunk_grid,omitempty"`
	ChunkKeyEncoding *KeyEncodingV3 `json:"chunk_key_encoding,omitempty"`
	FillValue        FillValue      `json:"fill_value"`
	Codecs           []CodecMeta    `json:"codecs,omitempty"`
	Attributes       Attributes     `json:"attributes,omitempty"`
	DimensionNames   []string       `json:"dimension_names,omitempty"`
}

type ChunkGridV3 struct {
	Name          string `json:"name"`
	Configuration struct {
		ChunkShape []int `json:"chunk_shape"`
	} `json:"configuration"`
}

type KeyEncodingV3 struct {
	Name          string `json:"name"`
	Configuration struct {
		Separator string `json:"separator"`
	} `json:"configuration"`
}

// consolidatedMetadata is the content of a ".zmetadata" key.
type consolidatedMetadata struct {
	ZarrConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata               map[string]json.RawMessage `json:"metadata"`
}

// FillValue is a scalar fill value. JSON null leaves Valid false, the
// strings "NaN", "Infinity" and "-Infinity" are accepted.
type FillValue struct {
	Value float64
	Valid bool
}

func (f *FillValue) UnmarshalJSON(d []byte) error {
	var raw any
	if err := json.Unmarshal(d, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*f = FillValue{}
	case bool:
		*f = FillValue{Valid: true}
		if v {
			f.Value = 1
		}
	case float64:
		*f = FillValue{Value: v, Valid: true}
	case string:
		switch v {
		case "NaN":
			*f = FillValue{Value: math.NaN(), Valid: true}
		case "Infinity":
			*f = FillValue{Value: math.Inf(1), Valid: true}
		case "-Infinity":
			*f = FillValue{Value: math.Inf(-1), Valid: true}
		default:
			return fmt.Errorf("unsupported fill value %q", v)
		}
	default:
		return fmt.Errorf("unsupported fill value %s", string(d))
	}
	return nil
}

func (f FillValue) MarshalJSON() ([]byte, error) {
	switch {
	case !f.Valid:
		return []byte("null"), nil
	case math.IsNaN(f.Value):
		return []byte(`"NaN"`), nil
	case math.IsInf(f.Value, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f.Value, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(f.Value)
}
