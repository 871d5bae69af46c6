package evaluation

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Stage names used by the pipeline, in report order.
const (
	StageRaw     = "raw"
	StageNMS     = "nms"
	StageRefined = "refined"
)

var stageRank = map[string]int{StageRaw: 0, StageNMS: 1, StageRefined: 2}

// StageRecord is the evaluation of one pipeline stage.
type StageRecord struct {
	Name   string `json:"name"`
	Record Record `json:"record"`
}

// Comparison holds the evaluation of several stages against one ground truth.
type Comparison struct {
	Stages []StageRecord `json:"stages"`
}

// Compare evaluates each stage. Stages are ordered raw, nms, refined, then
// any others by name.
func Compare(stages map[string]Inputs, opts Options) (Comparison, error) {
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	SortStages(names)

	var c Comparison
	for _, name := range names {
		rec, err := Evaluate(stages[name], opts)
		if err != nil {
			return Comparison{}, fmt.Errorf("stage %s: %w", name, err)
		}
		c.Stages = append(c.Stages, StageRecord{Name: name, Record: rec})
	}
	return c, nil
}

// SortStages orders stage names raw, nms, refined, then the rest by name.
func SortStages(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ri, iok := stageRank[names[i]]
		rj, jok := stageRank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return names[i] < names[j]
	})
}

// Stage returns the record of the named stage.
func (c Comparison) Stage(name string) (Record, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s.Record, true
		}
	}
	return Record{}, false
}

// WriteTable prints the stage comparison as a fixed-width table.
func (c Comparison) WriteTable(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%-12s", "Metric"); err != nil {
		return err
	}
	for _, s := range c.Stages {
		fmt.Fprintf(w, " | %10s", s.Name)
	}
	fmt.Fprintln(w)
	rows := []struct {
		name string
		get  func(Overall) float64
	}{
		{"mAP@.50", func(o Overall) float64 { return o.MAP50 }},
		{"mAP@.75", func(o Overall) float64 { return o.MAP75 }},
		{"mAP@.50:.95", func(o Overall) float64 { return o.MAP5095 }},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-12s", r.name)
		for _, s := range c.Stages {
			fmt.Fprintf(w, " | %10.4f", r.get(s.Record.Overall))
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// Report is the evaluation artifact written at the end of a run.
type Report struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Comparison
	Warnings []string `json:"warnings,omitempty"`
}

// NewReport stamps c with a fresh run id and collects a MissingGroundTruth
// warning per excluded image.
func NewReport(c Comparison) Report {
	r := Report{RunID: uuid.NewString(), CreatedAt: time.Now().UTC(), Comparison: c}
	seen := make(map[string]bool)
	for _, s := range c.Stages {
		for _, id := range s.Record.Excluded {
			if !seen[id] {
				seen[id] = true
				r.Warnings = append(r.Warnings, fmt.Sprintf("MissingGroundTruth: image %s has predictions but no ground truth", id))
			}
		}
	}
	return r
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
