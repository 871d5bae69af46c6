package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/evaluation"
	"github.com/ironsheep/detection-reasoner/internal/graph"
	"github.com/ironsheep/detection-reasoner/internal/imaging"
	"github.com/ironsheep/detection-reasoner/internal/store"
)

// Artifact file names.
const (
	ExplainabilityFile = "explainability.csv"
	EvaluationFile     = "evaluation.json"
	SummaryFile        = "run_summary.json"
	FactsCSVFile       = "facts.csv"
	FactsPrologFile    = "facts.pl"
	GraphDotFile       = "graph.dot"
	InstancesDir       = "instances"
)

// ExplainabilityHeader is the column row of the explainability report.
var ExplainabilityHeader = []string{
	"image_name", "object_id", "class_id", "class_name",
	"original_confidence", "adjusted_confidence", "applied_rules",
}

func (p *Pipeline) writeArtifacts(ctx context.Context, rep *Report, results []imageResult, builder *graph.Builder, d depth) error {
	if err := p.cfg.PrepareOutputs(); err != nil {
		return err
	}
	wopts := detection.WriteOptions{Classes: p.classes}

	nmsStore := detection.NewStore()
	refinedStore := detection.NewStore()
	for _, res := range results {
		if !res.hasPredictions {
			continue
		}
		nmsStore.Put(res.nms)
		if d >= depthRefine {
			refinedStore.Put(res.refined())
		}
	}

	if err := detection.WriteDir(p.cfg.Paths.NMSPredictions, nmsStore, wopts, p.sizer); err != nil {
		return err
	}
	rep.Artifacts = append(rep.Artifacts, p.cfg.Paths.NMSPredictions)

	if d >= depthRefine {
		if err := detection.WriteDir(p.cfg.Paths.RefinedPredictions, refinedStore, wopts, p.sizer); err != nil {
			return err
		}
		rep.Artifacts = append(rep.Artifacts, p.cfg.Paths.RefinedPredictions)

		path := filepath.Join(p.cfg.Paths.Reports, ExplainabilityFile)
		var rows []detection.Adjusted
		for _, res := range results {
			adjusted := append([]detection.Adjusted(nil), res.refinement.Adjusted...)
			sort.Slice(adjusted, func(i, j int) bool { return adjusted[i].Index < adjusted[j].Index })
			rows = append(rows, adjusted...)
		}
		if err := writeFile(path, func(w io.Writer) error { return WriteExplainability(w, rows) }); err != nil {
			return err
		}
		rep.Artifacts = append(rep.Artifacts, path)
	}

	if d >= depthGraph {
		if err := p.writeGraph(rep, results, builder); err != nil {
			return err
		}
	}

	if d >= depthAll {
		if err := p.writeEvaluation(rep); err != nil {
			return err
		}
		if err := p.saveRun(ctx, rep, results); err != nil {
			return err
		}
		if err := p.annotate(ctx, rep, results); err != nil {
			return err
		}
	}

	return p.writeSummary(rep)
}

// WriteExplainability writes the header and one row per adjusted detection.
// Applied rules are joined with ";".
func WriteExplainability(w io.Writer, adjusted []detection.Adjusted) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExplainabilityHeader); err != nil {
		return err
	}
	for _, a := range adjusted {
		if err := cw.Write(explainabilityRow(a)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func explainabilityRow(a detection.Adjusted) []string {
	return []string{
		a.ImageID,
		strconv.Itoa(a.Index),
		strconv.Itoa(a.ClassID),
		a.ClassName,
		strconv.FormatFloat(a.OriginalConfidence, 'f', -1, 64),
		strconv.FormatFloat(a.AdjustedConfidence, 'f', -1, 64),
		strings.Join(a.AppliedRules, ";"),
	}
}

func (p *Pipeline) writeGraph(rep *Report, results []imageResult, builder *graph.Builder) error {
	dir := p.cfg.Paths.KnowledgeGraph
	g := rep.Graph
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{FactsCSVFile, func(w io.Writer) error { return graph.WriteFactsCSV(w, g) }},
		{FactsPrologFile, func(w io.Writer) error { return graph.WriteProlog(w, g) }},
		{GraphDotFile, func(w io.Writer) error { return graph.WriteDot(w, g, p.cfg.Graph) }},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeFile(path, f.write); err != nil {
			return err
		}
		rep.Artifacts = append(rep.Artifacts, path)
	}

	instDir := filepath.Join(dir, InstancesDir)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, res := range results {
		ig, ok := builder.InstanceGraph(res.id)
		if !ok {
			continue
		}
		path := filepath.Join(instDir, res.id+".json")
		if err := writeFile(path, func(w io.Writer) error { return graph.WriteInstanceJSON(w, ig) }); err != nil {
			return err
		}
	}
	rep.Artifacts = append(rep.Artifacts, instDir)

	p.logger.WithFields(log.Fields{
		"nodes": len(g.Nodes),
		"edges": len(g.Edges),
		"dir":   dir,
	}).Info("Wrote knowledge graph")
	return nil
}

func (p *Pipeline) writeEvaluation(rep *Report) error {
	if rep.Evaluation == nil {
		p.logger.Warn("No ground truth configured, evaluation skipped")
		return nil
	}
	for _, w := range rep.Evaluation.Warnings {
		p.logger.Warn(w)
	}
	if err := p.ensureReports(); err != nil {
		return err
	}
	path := filepath.Join(p.cfg.Paths.Reports, EvaluationFile)
	if err := writeFile(path, func(w io.Writer) error { return evaluation.WriteJSON(w, *rep.Evaluation) }); err != nil {
		return err
	}
	rep.Artifacts = append(rep.Artifacts, path)
	return nil
}

func (p *Pipeline) writeSummary(rep *Report) error {
	if p.cfg.Paths.Reports == "" {
		return nil
	}
	if err := p.ensureReports(); err != nil {
		return err
	}
	path := filepath.Join(p.cfg.Paths.Reports, SummaryFile)
	rep.Artifacts = append(rep.Artifacts, path)
	return writeFile(path, rep.WriteJSON)
}

// ensureReports creates the reports directory. The evaluate stage can run on
// its own, before any other stage has prepared the output tree.
func (p *Pipeline) ensureReports() error {
	if p.cfg.Paths.Reports == "" {
		return nil
	}
	if err := os.MkdirAll(p.cfg.Paths.Reports, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// saveRun records the run in the results database when one is configured.
func (p *Pipeline) saveRun(ctx context.Context, rep *Report, results []imageResult) error {
	if p.cfg.Paths.Database == "" {
		return nil
	}
	db, err := store.Open(p.cfg.Paths.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	sr := store.Run{
		ID:         rep.RunID,
		CreatedAt:  rep.StartedAt,
		Images:     rep.Images,
		RawCount:   rep.NMS.Before,
		NMSCount:   rep.NMS.After,
		RulesFired: rep.Rules.Fired,
		Graph:      rep.Graph,
	}
	refined := store.StageDetections{Stage: evaluation.StageRefined}
	for _, res := range results {
		refined.Detections = append(refined.Detections, res.refinement.Adjusted...)
		sr.Relations = append(sr.Relations, res.relations...)
	}
	sr.Detections = []store.StageDetections{refined}
	if rep.Evaluation != nil {
		sr.Evaluation = rep.Evaluation.Comparison
	}

	if err := db.SaveRun(ctx, sr); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	rep.Artifacts = append(rep.Artifacts, p.cfg.Paths.Database)
	return nil
}

// annotate renders the refined detections onto each source image.
func (p *Pipeline) annotate(ctx context.Context, rep *Report, results []imageResult) error {
	outDir := p.cfg.Paths.Annotated
	if outDir == "" {
		return nil
	}
	if p.cfg.Paths.Images == "" {
		p.logger.Warn("Annotated output requested without an image directory, skipped")
		return nil
	}

	palette := imaging.NewPalette(p.classes.Names())
	cache := imaging.NewImageCache()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, res := range results {
		if !res.hasPredictions || gctx.Err() != nil {
			continue
		}
		g.Go(func() error {
			src, err := imaging.FindImage(p.cfg.Paths.Images, res.id)
			if err != nil {
				p.logger.WithField("image", res.id).Warn("No source image, annotation skipped")
				return nil
			}
			img, err := cache.Load(src)
			if err != nil {
				return err
			}
			defer cache.Evict(src)
			out := imaging.Annotate(img, res.refined().Detections, palette, imaging.AnnotateOptions{Labels: true})
			return imaging.Save(filepath.Join(outDir, res.id+".png"), out)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	rep.Artifacts = append(rep.Artifacts, outDir)
	return nil
}

// writeFile creates path and fills it with write.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
