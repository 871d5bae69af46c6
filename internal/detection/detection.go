package detection

import (
	"fmt"
	"sort"

	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

// RecordFormat identifies the text schema a detection was read from.
type RecordFormat int

const (
	// FormatAuto selects the schema from the field count of each line.
	FormatAuto RecordFormat = iota
	// FormatNormalized is "class_id cx cy w h confidence" with geometry in [0,1].
	FormatNormalized
	// FormatOriented is "class_name confidence x1 y1 x2 y2 x3 y3 x4 y4" in pixels.
	FormatOriented
)

func (f RecordFormat) String() string {
	switch f {
	case FormatNormalized:
		return "normalized"
	case FormatOriented:
		return "oriented"
	}
	return "auto"
}

// ParseRecordFormat is the inverse of RecordFormat.String. The empty string
// selects FormatAuto.
func ParseRecordFormat(s string) (RecordFormat, error) {
	switch s {
	case "", "auto":
		return FormatAuto, nil
	case "normalized", "yolo":
		return FormatNormalized, nil
	case "oriented", "dota":
		return FormatOriented, nil
	}
	return FormatAuto, fmt.Errorf("unknown record format %q", s)
}

// Detection is one object hypothesis for one image.
//
// Detections are values and are never modified after parsing; adjusting a
// confidence produces a new Detection via WithConfidence so the original stays
// available for provenance.
type Detection struct {
	// ImageID is the stem of the file the detection was read from.
	ImageID string `json:"image_id"`

	// Index is the detection's position among the valid records of its image.
	// It is the stable local key used by facts, relations and graph nodes.
	Index int `json:"index"`

	ClassID   int    `json:"class_id"`
	ClassName string `json:"class_name"`

	// Confidence is the detector score in [0, 1]. Ground-truth records carry 1.
	Confidence float64 `json:"confidence"`

	// Shape is in pixel space regardless of the source format.
	Shape geometry.Shape `json:"-"`

	Format RecordFormat `json:"-"`
}

// WithConfidence returns a copy of d carrying confidence c.
func (d Detection) WithConfidence(c float64) Detection {
	d.Confidence = c
	return d
}

// Set is the ordered collection of detections for one image.
type Set struct {
	ImageID    string
	Detections []Detection
}

// Len returns the number of detections.
func (s Set) Len() int { return len(s.Detections) }

// Sorted returns a copy of s ordered by descending confidence. Ties keep input
// order so output is deterministic.
func (s Set) Sorted() Set {
	out := Set{ImageID: s.ImageID, Detections: make([]Detection, len(s.Detections))}
	copy(out.Detections, s.Detections)
	SortByConfidence(out.Detections)
	return out
}

// SortByConfidence stable-sorts ds by descending confidence in place.
func SortByConfidence(ds []Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].Confidence > ds[j].Confidence
	})
}

// Classes returns the distinct class names in s, sorted.
func (s Set) Classes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range s.Detections {
		if _, ok := seen[d.ClassName]; !ok {
			seen[d.ClassName] = struct{}{}
			out = append(out, d.ClassName)
		}
	}
	sort.Strings(out)
	return out
}

// ByIndex returns the detection with the given local index.
func (s Set) ByIndex(idx int) (Detection, bool) {
	for _, d := range s.Detections {
		if d.Index == idx {
			return d, true
		}
	}
	return Detection{}, false
}

// Adjusted pairs a detection with the outcome of rule evaluation.
type Adjusted struct {
	Detection

	OriginalConfidence float64  `json:"original_confidence"`
	AdjustedConfidence float64  `json:"adjusted_confidence"`
	AppliedRules       []string `json:"applied_rules"`
}

// Unadjusted wraps d with no rule effects.
func Unadjusted(d Detection) Adjusted {
	return Adjusted{Detection: d, OriginalConfidence: d.Confidence, AdjustedConfidence: d.Confidence}
}

// Refined returns the detection carrying the adjusted confidence.
func (a Adjusted) Refined() Detection {
	return a.Detection.WithConfidence(a.AdjustedConfidence)
}

// RefinedSet converts adjusted detections back into a Set, sorted by the adjusted
// confidence.
func RefinedSet(imageID string, adjusted []Adjusted) Set {
	s := Set{ImageID: imageID, Detections: make([]Detection, len(adjusted))}
	for i, a := range adjusted {
		s.Detections[i] = a.Refined()
	}
	SortByConfidence(s.Detections)
	return s
}
