// Package evaluation scores detections against ground truth.
//
// Matching happens per image and produces an ImageMatches value with no
// shared state; Reduce folds any number of those into a Record. Evaluate runs
// both steps for a whole corpus.
package evaluation

import (
	"fmt"
	"math"
	"sort"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

// Interpolation selects how average precision is integrated.
type Interpolation string

const (
	// AllPoints integrates the monotone precision envelope over every recall
	// step (PASCAL VOC 2010 and later).
	AllPoints Interpolation = "all_points"
	// ElevenPoint averages the envelope at recall 0, 0.1, ..., 1 (VOC 2007).
	ElevenPoint Interpolation = "11_point"
)

// Object is one prediction or ground-truth instance.
type Object struct {
	Class      string
	Shape      geometry.Shape
	Confidence float64
}

// ObjectsFromSet converts a detection set.
func ObjectsFromSet(s detection.Set) []Object {
	out := make([]Object, len(s.Detections))
	for i, d := range s.Detections {
		out[i] = Object{Class: d.ClassName, Shape: d.Shape, Confidence: d.Confidence}
	}
	return out
}

// Inputs pairs predictions and ground truth by image id. An image present in
// Predictions but absent from GroundTruth is excluded from scoring.
type Inputs struct {
	Predictions map[string][]Object
	GroundTruth map[string][]Object
}

// InputsFromStores builds Inputs from loaded detections.
func InputsFromStores(pred, gt *detection.Store) Inputs {
	in := Inputs{Predictions: make(map[string][]Object), GroundTruth: make(map[string][]Object)}
	for _, id := range pred.ImageIDs() {
		s, _ := pred.Get(id)
		in.Predictions[id] = ObjectsFromSet(s)
	}
	for _, id := range gt.ImageIDs() {
		s, _ := gt.Get(id)
		in.GroundTruth[id] = ObjectsFromSet(s)
	}
	return in
}

// Options configures scoring.
type Options struct {
	// Thresholds are the IoU thresholds averaged into AP5095.
	Thresholds    []float64     `yaml:"thresholds" json:"thresholds"`
	Interpolation Interpolation `yaml:"interpolation" json:"interpolation"`
}

// DefaultThresholds returns 0.50, 0.55, ..., 0.95.
func DefaultThresholds() []float64 {
	out := make([]float64, 10)
	for i := range out {
		out[i] = float64(50+5*i) / 100
	}
	return out
}

// DefaultOptions uses the COCO threshold range and all-points interpolation.
func DefaultOptions() Options {
	return Options{Thresholds: DefaultThresholds(), Interpolation: AllPoints}
}

// Validate checks the thresholds and interpolation.
func (o Options) Validate() error {
	if len(o.Thresholds) == 0 {
		return fmt.Errorf("at least one IoU threshold is required")
	}
	for _, t := range o.Thresholds {
		if !(t > 0 && t <= 1) {
			return fmt.Errorf("IoU threshold %v outside (0, 1]", t)
		}
	}
	switch o.Interpolation {
	case AllPoints, ElevenPoint, "":
	default:
		return fmt.Errorf("unknown interpolation %q", o.Interpolation)
	}
	return nil
}

func thresholdKey(t float64) int64 { return int64(math.Round(t * 1e6)) }

// matchThresholds is the sorted union of the configured thresholds with 0.5
// and 0.75.
func (o Options) matchThresholds() []float64 {
	seen := make(map[int64]bool)
	var out []float64
	for _, t := range append([]float64{0.5, 0.75}, o.Thresholds...) {
		if k := thresholdKey(t); !seen[k] {
			seen[k] = true
			out = append(out, t)
		}
	}
	sort.Float64s(out)
	return out
}

type classMatches struct {
	scores []float64
	// hits[t][i] reports whether detection i matched at threshold t.
	hits [][]bool
	gt   int
}

// ImageMatches holds the matching outcome of one image.
type ImageMatches struct {
	ImageID string

	// Excluded is set for images with predictions but no ground truth.
	Excluded bool

	thresholds []float64
	classes    map[string]*classMatches
}

// ExcludedImage marks imageID as lacking ground truth.
func ExcludedImage(imageID string) ImageMatches {
	return ImageMatches{ImageID: imageID, Excluded: true}
}

// MatchImage greedily matches the predictions of one image to its ground
// truth at every threshold. Predictions are visited by descending confidence,
// ties in input order; each takes the unmatched ground-truth instance of its
// class with the highest IoU, provided the IoU reaches the threshold.
func MatchImage(imageID string, preds, gts []Object, opts Options) ImageMatches {
	ths := opts.matchThresholds()
	m := ImageMatches{ImageID: imageID, thresholds: ths, classes: make(map[string]*classMatches)}

	gtByClass := make(map[string][]Object)
	for _, g := range gts {
		gtByClass[g.Class] = append(gtByClass[g.Class], g)
	}
	predByClass := make(map[string][]Object)
	for _, p := range preds {
		predByClass[p.Class] = append(predByClass[p.Class], p)
	}

	class := func(name string) *classMatches {
		c, ok := m.classes[name]
		if !ok {
			c = &classMatches{hits: make([][]bool, len(ths))}
			m.classes[name] = c
		}
		return c
	}
	for name, g := range gtByClass {
		class(name).gt = len(g)
	}

	for name, ps := range predByClass {
		sorted := make([]Object, len(ps))
		copy(sorted, ps)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

		c := class(name)
		for _, p := range sorted {
			c.scores = append(c.scores, p.Confidence)
		}
		gs := gtByClass[name]
		ious := make([][]float64, len(sorted))
		for i, p := range sorted {
			ious[i] = make([]float64, len(gs))
			for j, g := range gs {
				ious[i][j] = geometry.IoU(p.Shape, g.Shape)
			}
		}
		for t, th := range ths {
			used := make([]bool, len(gs))
			hits := make([]bool, len(sorted))
			for i := range sorted {
				best, bestIoU := -1, 0.0
				for j := range gs {
					if used[j] || ious[i][j] < th {
						continue
					}
					if best < 0 || ious[i][j] > bestIoU {
						best, bestIoU = j, ious[i][j]
					}
				}
				if best >= 0 {
					used[best] = true
					hits[i] = true
				}
			}
			c.hits[t] = hits
		}
	}
	return m
}

// ClassRecord is the score of one class.
type ClassRecord struct {
	Class string `json:"class"`

	AP50   float64 `json:"ap50"`
	AP75   float64 `json:"ap75"`
	AP5095 float64 `json:"ap50_95"`

	// Precision, Recall and the counts are taken at IoU 0.5 over every
	// detection of the class.
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`

	InstanceCount int `json:"instance_count"`
	Detections    int `json:"detections"`
}

// Overall holds the mean over classes with at least one ground-truth instance.
type Overall struct {
	MAP50   float64 `json:"map50"`
	MAP75   float64 `json:"map75"`
	MAP5095 float64 `json:"map50_95"`
	Classes int     `json:"classes"`
}

// Record is the evaluation of one prediction set.
type Record struct {
	Overall       Overall                `json:"overall"`
	Classes       map[string]ClassRecord `json:"classes"`
	Images        int                    `json:"images"`
	Excluded      []string               `json:"excluded,omitempty"`
	Thresholds    []float64              `json:"thresholds"`
	Interpolation Interpolation          `json:"interpolation"`
}

type scored struct {
	score float64
	hits  []bool // per match threshold
}

// Reduce folds per-image matches into a Record. Images are folded in id
// order so the result does not depend on the order of matches.
func Reduce(matches []ImageMatches, opts Options) Record {
	if opts.Interpolation == "" {
		opts.Interpolation = AllPoints
	}
	ths := opts.matchThresholds()
	index := make(map[int64]int, len(ths))
	for i, t := range ths {
		index[thresholdKey(t)] = i
	}

	sorted := make([]ImageMatches, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ImageID < sorted[j].ImageID })

	rec := Record{Classes: make(map[string]ClassRecord), Thresholds: opts.Thresholds, Interpolation: opts.Interpolation}
	dets := make(map[string][]scored)
	gts := make(map[string]int)
	for _, m := range sorted {
		if m.Excluded {
			rec.Excluded = append(rec.Excluded, m.ImageID)
			continue
		}
		rec.Images++
		for name, c := range m.classes {
			gts[name] += c.gt
			for i, s := range c.scores {
				h := make([]bool, len(ths))
				for t := range ths {
					h[t] = c.hits[t][i]
				}
				dets[name] = append(dets[name], scored{score: s, hits: h})
			}
			if _, ok := dets[name]; !ok {
				dets[name] = nil
			}
		}
	}

	names := make([]string, 0, len(dets))
	for name := range dets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ds := dets[name]
		sort.SliceStable(ds, func(i, j int) bool { return ds[i].score > ds[j].score })
		n := gts[name]

		cr := ClassRecord{Class: name, InstanceCount: n, Detections: len(ds)}
		apAt := func(th float64) float64 {
			t := index[thresholdKey(th)]
			flags := make([]bool, len(ds))
			for i, d := range ds {
				flags[i] = d.hits[t]
			}
			return averagePrecision(flags, n, opts.Interpolation)
		}
		cr.AP50 = apAt(0.5)
		cr.AP75 = apAt(0.75)
		for _, th := range opts.Thresholds {
			cr.AP5095 += apAt(th)
		}
		if len(opts.Thresholds) > 0 {
			cr.AP5095 /= float64(len(opts.Thresholds))
		}

		t50 := index[thresholdKey(0.5)]
		for _, d := range ds {
			if d.hits[t50] {
				cr.TP++
			}
		}
		cr.FP = len(ds) - cr.TP
		cr.FN = n - cr.TP
		if len(ds) > 0 {
			cr.Precision = float64(cr.TP) / float64(len(ds))
		}
		if n > 0 {
			cr.Recall = float64(cr.TP) / float64(n)
		}
		rec.Classes[name] = cr

		if n > 0 {
			rec.Overall.Classes++
			rec.Overall.MAP50 += cr.AP50
			rec.Overall.MAP75 += cr.AP75
			rec.Overall.MAP5095 += cr.AP5095
		}
	}
	if k := float64(rec.Overall.Classes); k > 0 {
		rec.Overall.MAP50 /= k
		rec.Overall.MAP75 /= k
		rec.Overall.MAP5095 /= k
	}
	return rec
}

// averagePrecision integrates the precision-recall curve of detections sorted
// by descending confidence. It is 0 when there is no ground truth.
func averagePrecision(hits []bool, gt int, interp Interpolation) float64 {
	if gt == 0 || len(hits) == 0 {
		return 0
	}
	recall := make([]float64, len(hits))
	precision := make([]float64, len(hits))
	tp := 0
	for i, h := range hits {
		if h {
			tp++
		}
		recall[i] = float64(tp) / float64(gt)
		precision[i] = float64(tp) / float64(i+1)
	}

	if interp == ElevenPoint {
		ap := 0.0
		for k := 0; k <= 10; k++ {
			r := float64(k) / 10
			best := 0.0
			for i := range recall {
				if recall[i] >= r-1e-12 && precision[i] > best {
					best = precision[i]
				}
			}
			ap += best / 11
		}
		return ap
	}

	mrec := append(append([]float64{0}, recall...), 1)
	mpre := append(append([]float64{0}, precision...), 0)
	for i := len(mpre) - 2; i >= 0; i-- {
		mpre[i] = math.Max(mpre[i], mpre[i+1])
	}
	ap := 0.0
	for i := 1; i < len(mrec); i++ {
		ap += (mrec[i] - mrec[i-1]) * mpre[i]
	}
	return ap
}

// Evaluate matches every image of in and reduces the result.
func Evaluate(in Inputs, opts Options) (Record, error) {
	if err := opts.Validate(); err != nil {
		return Record{}, err
	}
	ids := make(map[string]struct{})
	for id := range in.Predictions {
		ids[id] = struct{}{}
	}
	for id := range in.GroundTruth {
		ids[id] = struct{}{}
	}
	matches := make([]ImageMatches, 0, len(ids))
	for id := range ids {
		gts, ok := in.GroundTruth[id]
		if !ok {
			matches = append(matches, ExcludedImage(id))
			continue
		}
		matches = append(matches, MatchImage(id, in.Predictions[id], gts, opts))
	}
	return Reduce(matches, opts), nil
}
