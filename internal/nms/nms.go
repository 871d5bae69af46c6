// Package nms removes duplicate detections with greedy non-maximum suppression.
package nms

import (
	"fmt"
	"sort"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

// DefaultIoUThreshold matches the detector post-processing defaults.
const DefaultIoUThreshold = 0.6

// Options configures suppression.
type Options struct {
	// IoUThreshold is the overlap above which the lower-confidence detection is
	// dropped. Must satisfy 0 < t <= 1.
	IoUThreshold float64 `json:"iou_threshold" yaml:"iou_threshold"`

	// ClassAgnostic suppresses across classes instead of within each class.
	ClassAgnostic bool `json:"class_agnostic" yaml:"class_agnostic"`
}

// DefaultOptions returns class-wise suppression at DefaultIoUThreshold.
func DefaultOptions() Options {
	return Options{IoUThreshold: DefaultIoUThreshold}
}

// Validate checks the threshold range.
func (o Options) Validate() error {
	if !(o.IoUThreshold > 0 && o.IoUThreshold <= 1) {
		return fmt.Errorf("nms iou threshold %v outside (0, 1]", o.IoUThreshold)
	}
	return nil
}

// Stats describes one suppression pass.
type Stats struct {
	Before     int `json:"before"`
	After      int `json:"after"`
	Suppressed int `json:"suppressed"`

	// Degenerate counts detections whose geometry cannot overlap anything.
	// They are kept, since IoU against them is always 0.
	Degenerate int `json:"degenerate"`

	// PerClass counts suppressed detections by class name.
	PerClass map[string]int `json:"per_class,omitempty"`
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.Before += other.Before
	s.After += other.After
	s.Suppressed += other.Suppressed
	s.Degenerate += other.Degenerate
	for k, v := range other.PerClass {
		if s.PerClass == nil {
			s.PerClass = make(map[string]int)
		}
		s.PerClass[k] += v
	}
}

// Filter applies greedy NMS to set and returns the kept detections ordered by
// descending confidence. The result is always a subset of the input; empty
// input yields an empty set.
//
// Detections are visited in descending confidence, ties in input order. Each is
// kept unless its IoU with an already kept detection of the same class (or any
// class, when ClassAgnostic) exceeds the threshold.
func Filter(set detection.Set, opts Options) (detection.Set, Stats) {
	sorted := set.Sorted().Detections
	stats := Stats{Before: len(sorted)}
	out := detection.Set{ImageID: set.ImageID, Detections: make([]detection.Detection, 0, len(sorted))}

	// kept is grouped by suppression key so each candidate is compared only
	// against detections it may suppress.
	kept := make(map[string][]geometry.Shape)
	for _, d := range sorted {
		if geometry.Validate(d.Shape) != nil {
			stats.Degenerate++
		}
		key := d.ClassName
		if opts.ClassAgnostic {
			key = ""
		}

		suppressed := false
		for _, k := range kept[key] {
			if geometry.IoU(d.Shape, k) > opts.IoUThreshold {
				suppressed = true
				break
			}
		}
		if suppressed {
			stats.Suppressed++
			if stats.PerClass == nil {
				stats.PerClass = make(map[string]int)
			}
			stats.PerClass[d.ClassName]++
			continue
		}
		kept[key] = append(kept[key], d.Shape)
		out.Detections = append(out.Detections, d)
	}
	stats.After = len(out.Detections)
	return out, stats
}

// FilterStore runs Filter over every image in store.
func FilterStore(store *detection.Store, opts Options) (*detection.Store, Stats) {
	out := detection.NewStore()
	var total Stats
	for _, id := range store.ImageIDs() {
		set, _ := store.Get(id)
		filtered, stats := Filter(set, opts)
		out.Put(filtered)
		total.Add(stats)
	}
	return out, total
}

// SuppressedClasses returns the class names in s.PerClass, sorted.
func (s Stats) SuppressedClasses() []string {
	names := make([]string, 0, len(s.PerClass))
	for n := range s.PerClass {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
