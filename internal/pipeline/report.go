package pipeline

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/evaluation"
	"github.com/ironsheep/detection-reasoner/internal/graph"
	"github.com/ironsheep/detection-reasoner/internal/nms"
	"github.com/ironsheep/detection-reasoner/internal/rules"
)

// Names of the timed phases in Report.Durations.
const (
	StageLoad     = "load"
	StageNMS      = "nms"
	StageRefine   = "refine"
	StageGraph    = "graph"
	StageEvaluate = "evaluate"
	StageWrite    = "write"
	StageTotal    = "total"
)

// ParseSummary counts the records read from one directory.
type ParseSummary struct {
	Lines   int `json:"lines"`
	Parsed  int `json:"parsed"`
	Skipped int `json:"skipped"`
}

func parseSummary(s detection.ParseStats) ParseSummary {
	return ParseSummary{Lines: s.Lines, Parsed: s.Parsed, Skipped: s.Skipped}
}

// Report summarizes one run. It always lists skipped records and excluded
// images next to the results so partial failures stay visible.
type Report struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`

	Images      int          `json:"images"`
	Raw         ParseSummary `json:"raw_records"`
	GroundTruth ParseSummary `json:"ground_truth_records"`

	NMS   nms.Stats   `json:"nms"`
	Rules rules.Stats `json:"rules"`

	Relations    int                 `json:"relations"`
	Graph        graph.CategoryGraph `json:"-"`
	GraphSkipped int                 `json:"graph_skipped"`

	// Excluded lists images with predictions but no ground truth.
	Excluded   []string           `json:"excluded_images,omitempty"`
	Evaluation *evaluation.Report `json:"-"`

	// Durations are in seconds. Per-image phases are summed over images, so
	// with several workers they can exceed the total.
	Durations map[string]float64 `json:"durations"`

	Artifacts []string `json:"artifacts"`
}

func newReport(started time.Time) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: started.UTC(),
		Durations: make(map[string]float64),
	}
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func (r *Report) addInputs(in *Inputs) {
	r.Raw = parseSummary(in.RawStats)
	r.GroundTruth = parseSummary(in.GTStats)
}

func (r *Report) addImage(res imageResult) {
	if res.hasPredictions {
		r.Images++
	}
	r.NMS.Add(res.nmsStats)
	r.Rules.Add(res.refinement.Stats)
	r.Relations += len(res.relations)
	for name, d := range res.durations {
		r.Durations[name] += seconds(d)
	}
}

func excludedImages(er *evaluation.Report) []string {
	for _, s := range er.Stages {
		if len(s.Record.Excluded) > 0 {
			return append([]string(nil), s.Record.Excluded...)
		}
	}
	return nil
}

// WriteJSON writes r as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
