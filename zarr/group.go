package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/akhenakh/zarrlayer/store"
)

// Group is an opened zarr hierarchy node.
type Group struct {
	store   store.Store
	path    string
	version Version
	attrs   Attributes

	// consolidated holds the v2 ".zmetadata" content when the hierarchy was
	// consolidated, keyed relative to the group.
	consolidated map[string]json.RawMessage
}

// OpenGroup opens the group at path. With an empty version the v2 encoding
// is tried first and v3 is used as a fallback.
func OpenGroup(ctx context.Context, st store.Store, path string, version Version) (*Group, error) {
	switch version {
	case V2:
		return openGroupV2(ctx, st, path)
	case V3:
		return openGroupV3(ctx, st, path)
	case "":
		g, errV2 := openGroupV2(ctx, st, path)
		if errV2 == nil {
			return g, nil
		}
		g, errV3 := openGroupV3(ctx, st, path)
		if errV3 == nil {
			return g, nil
		}
		return nil, fmt.Errorf("failed to open group %q as v2 (%v) or v3: %w", path, errV2, errV3)
	default:
		return nil, fmt.Errorf("unknown zarr version %q", version)
	}
}

func openGroupV2(ctx context.Context, st store.Store, path string) (*Group, error) {
	g := &Group{store: st, path: path, version: V2, attrs: Attributes{}}

	data, err := st.Get(ctx, joinKey(path, KeyConsolidated))
	switch {
	case err == nil:
		var cm consolidatedMetadata
		if err := json.Unmarshal(data, &cm); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", KeyConsolidated, err)
		}
		g.consolidated = cm.Metadata
		if raw, ok := cm.Metadata[KeyAttributes]; ok {
			if err := json.Unmarshal(raw, &g.attrs); err != nil {
				return nil, fmt.Errorf("failed to decode consolidated group attributes: %w", err)
			}
		}
		if _, ok := cm.Metadata[KeyGroup]; !ok {
			return nil, fmt.Errorf("consolidated metadata has no %s entry", KeyGroup)
		}
		return g, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if _, err := st.Get(ctx, joinKey(path, KeyGroup)); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", KeyGroup, err)
	}
	attrs, err := readAttributesV2(ctx, st, path)
	if err != nil {
		return nil, err
	}
	g.attrs = attrs
	return g, nil
}

func openGroupV3(ctx context.Context, st store.Store, path string) (*Group, error) {
	data, err := st.Get(ctx, joinKey(path, KeyNode))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", KeyNode, err)
	}
	var meta NodeMetaV3
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", KeyNode, err)
	}
	if meta.NodeType != "group" {
		return nil, fmt.Errorf("node %q is a %q, not a group", path, meta.NodeType)
	}
	attrs := meta.Attributes
	if attrs == nil {
		attrs = Attributes{}
	}
	return &Group{store: st, path: path, version: V3, attrs: attrs}, nil
}

func readAttributesV2(ctx context.Context, st store.Store, path string) (Attributes, error) {
	attrs := Attributes{}
	data, err := st.Get(ctx, joinKey(path, KeyAttributes))
	if errors.Is(err, store.ErrNotFound) {
		return attrs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", KeyAttributes, err)
	}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", KeyAttributes, err)
	}
	return attrs, nil
}

func (g *Group) Version() Version { return g.version }
func (g *Group) Attrs() Attributes { return g.attrs }
func (g *Group) Consolidated() bool { return g.consolidated != nil }

// OpenArray opens the array at name, relative to the group, with the group
// encoding.
func (g *Group) OpenArray(ctx context.Context, name string) (*Array, error) {
	path := joinKey(g.path, name)
	if g.version == V2 && g.consolidated != nil {
		return openArrayConsolidated(ctx, g.store, path, name, g.consolidated)
	}
	return OpenArray(ctx, g.store, path, g.version)
}

func joinKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
