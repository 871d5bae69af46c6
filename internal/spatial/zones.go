package spatial

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

// ZoneKind labels a relation between a detection and a static zone.
type ZoneKind string

const (
	Inside   ZoneKind = "inside"
	Overlaps ZoneKind = "overlaps"
	NearZone ZoneKind = "near"
)

// Zone is a named static region, such as a runway or a dock, known before
// detection. Zones stand in for categories that the detector does not emit.
type Zone struct {
	Name  string
	Image string // empty applies the zone to every image
	Shape geometry.Shape
}

// ZoneRelation links one detection to one zone.
type ZoneRelation struct {
	Kind     ZoneKind `json:"kind"`
	ImageID  string   `json:"image_id"`
	Index    int      `json:"index"`
	Class    string   `json:"class"`
	Zone     string   `json:"zone"`
	Strength float64  `json:"strength"`

	// Gap is the edge-to-edge distance in pixels, 0 when overlapping.
	Gap float64 `json:"gap"`

	Direction geometry.Direction `json:"direction"`
}

// ZoneSet holds every configured zone.
type ZoneSet struct {
	zones []Zone
}

// NewZoneSet returns a set holding zones.
func NewZoneSet(zones ...Zone) *ZoneSet {
	return &ZoneSet{zones: zones}
}

// ForImage returns the zones that apply to imageID, ordered by name.
func (s *ZoneSet) ForImage(imageID string) []Zone {
	if s == nil {
		return nil
	}
	var out []Zone
	for _, z := range s.zones {
		if z.Image == "" || z.Image == imageID {
			out = append(out, z)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of zones.
func (s *ZoneSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.zones)
}

type zoneFile struct {
	Zones []struct {
		Name    string       `yaml:"name"`
		Image   string       `yaml:"image"`
		Box     []float64    `yaml:"box"`
		Polygon [][2]float64 `yaml:"polygon"`
	} `yaml:"zones"`
}

// LoadZones parses a zone file:
//
//	zones:
//	  - name: runway
//	    image: P0001          # optional
//	    box: [x1, y1, x2, y2] # or polygon: [[x, y], [x, y], [x, y], [x, y]]
func LoadZones(r io.Reader) (*ZoneSet, error) {
	var f zoneFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse zones: %w", err)
	}

	set := &ZoneSet{}
	for i, z := range f.Zones {
		if z.Name == "" {
			return nil, fmt.Errorf("zone %d has no name", i)
		}
		var shape geometry.Shape
		switch {
		case len(z.Box) == 4 && z.Polygon == nil:
			shape = geometry.Box{X1: z.Box[0], Y1: z.Box[1], X2: z.Box[2], Y2: z.Box[3]}.Normalize()
		case len(z.Polygon) == 4 && z.Box == nil:
			var p geometry.Polygon
			for k, v := range z.Polygon {
				p[k] = geometry.Point{X: v[0], Y: v[1]}
			}
			shape = p
		default:
			return nil, fmt.Errorf("zone %q needs exactly one of box (4 values) or polygon (4 points)", z.Name)
		}
		if err := geometry.Validate(shape); err != nil {
			return nil, fmt.Errorf("zone %q: %w", z.Name, err)
		}
		set.zones = append(set.zones, Zone{Name: z.Name, Image: z.Image, Shape: shape})
	}
	return set, nil
}

// LoadZonesFile reads a zone file from disk.
func LoadZonesFile(path string) (*ZoneSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zones: %w", err)
	}
	defer f.Close()
	return LoadZones(f)
}

// ExtractZones relates each item to each zone: inside when the zone contains
// the item, overlaps when they share area otherwise, and near when the gap
// between their outlines is below NearPx.
func (e *Extractor) ExtractZones(imageID string, items []Item, zones []Zone) []ZoneRelation {
	var out []ZoneRelation
	for _, it := range items {
		if !it.Shape.Valid() {
			continue
		}
		for _, z := range zones {
			rel := ZoneRelation{
				ImageID:   imageID,
				Index:     it.Index,
				Class:     it.Class,
				Zone:      z.Name,
				Direction: geometry.DirectionalRelation(it.Shape, z.Shape),
			}
			cov := geometry.Coverage(z.Shape, it.Shape)
			switch {
			case cov >= geometry.ContainmentRatio:
				rel.Kind, rel.Strength = Inside, cov
			case cov > 0:
				rel.Kind, rel.Strength = Overlaps, cov
			default:
				gap := geometry.EdgeDistance(it.Shape, z.Shape)
				if gap >= e.opts.NearPx {
					continue
				}
				rel.Kind, rel.Gap = NearZone, gap
				rel.Strength = 1
				if e.opts.NearPx > 0 {
					rel.Strength = clamp01(1 - gap/e.opts.NearPx)
				}
			}
			out = append(out, rel)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Zone < out[j].Zone
	})
	return out
}
