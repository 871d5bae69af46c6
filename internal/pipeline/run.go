package pipeline

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/evaluation"
	"github.com/ironsheep/detection-reasoner/internal/graph"
	"github.com/ironsheep/detection-reasoner/internal/nms"
	"github.com/ironsheep/detection-reasoner/internal/rules"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// depth is how far a run carries each image.
type depth int

const (
	depthNMS depth = iota
	depthRefine
	depthGraph
	depthAll
)

// imageResult is everything one worker produces for one image.
type imageResult struct {
	id string

	// hasPredictions is false for images that only have ground truth.
	hasPredictions bool

	nms        detection.Set
	nmsStats   nms.Stats
	refinement rules.Refinement
	relations  []spatial.Relation

	// matches holds the evaluation matches by stage name.
	matches map[string]evaluation.ImageMatches

	durations map[string]time.Duration
}

func (r imageResult) refined() detection.Set {
	return detection.RefinedSet(r.id, r.refinement.Adjusted)
}

// run is the shared state of one execution.
type run struct {
	p       *Pipeline
	depth   depth
	in      *Inputs
	builder *graph.Builder
}

// processImage carries one image through the stages up to r.depth. It touches
// no shared state except the graph builder.
func (r *run) processImage(id string) (imageResult, error) {
	res := imageResult{id: id, durations: make(map[string]time.Duration)}
	set, ok := r.in.Raw.Get(id)
	res.hasPredictions = ok
	if !ok {
		set = detection.Set{ImageID: id}
	}

	start := time.Now()
	res.nms, res.nmsStats = nms.Filter(set, r.p.cfg.NMS)
	res.durations[StageNMS] = time.Since(start)

	if r.depth >= depthRefine {
		start = time.Now()
		res.refinement = r.p.refiner.Refine(res.nms)
		res.durations[StageRefine] = time.Since(start)
	}

	if r.depth >= depthGraph && ok {
		start = time.Now()
		res.relations = r.p.extractor.Extract(id, spatial.ItemsFromAdjusted(res.refinement.Adjusted))
		nodes := make([]graph.Node, len(res.refinement.Adjusted))
		for i, a := range res.refinement.Adjusted {
			nodes[i] = graph.Node{Index: a.Index, Class: a.ClassName, Confidence: a.AdjustedConfidence}
		}
		r.builder.RegisterImage(id, nodes)
		if err := r.builder.AddImageRelations(id, res.relations); err != nil {
			return res, fmt.Errorf("failed to aggregate relations: %w", err)
		}
		res.durations[StageGraph] = time.Since(start)
	}

	if r.depth >= depthAll && r.in.GroundTruth != nil {
		start = time.Now()
		res.matches = r.match(id, set, res)
		res.durations[StageEvaluate] = time.Since(start)
	}
	return res, nil
}

// match scores the raw, NMS and refined detections of one image.
func (r *run) match(id string, raw detection.Set, res imageResult) map[string]evaluation.ImageMatches {
	opts := r.p.cfg.Evaluation
	gtSet, ok := r.in.GroundTruth.Get(id)
	stages := map[string]detection.Set{
		evaluation.StageRaw:     raw,
		evaluation.StageNMS:     res.nms,
		evaluation.StageRefined: res.refined(),
	}
	out := make(map[string]evaluation.ImageMatches, len(stages))
	for name, s := range stages {
		if !ok {
			out[name] = evaluation.ExcludedImage(id)
			continue
		}
		out[name] = evaluation.MatchImage(id, evaluation.ObjectsFromSet(s), evaluation.ObjectsFromSet(gtSet), opts)
	}
	return out
}

// execute loads the inputs, processes every image on a bounded worker pool
// and writes the artifacts for the stages covered by d.
//
// Cancelling ctx stops scheduling new images; images already started run to
// completion, and nothing is written.
func (p *Pipeline) execute(ctx context.Context, d depth) (*Report, error) {
	started := time.Now()
	rep := newReport(started)

	start := time.Now()
	in, err := p.Load(d >= depthAll)
	if err != nil {
		return nil, err
	}
	rep.Durations[StageLoad] = seconds(time.Since(start))
	rep.addInputs(in)

	r := &run{p: p, depth: d, in: in, builder: graph.NewBuilder(p.logger)}

	ids := in.Raw.ImageIDs()
	if d >= depthAll {
		ids = in.ImageIDs()
	}
	results := make([]imageResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := r.processImage(id)
			if err != nil {
				return fmt.Errorf("image %s: %w", id, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}

	for _, res := range results {
		rep.addImage(res)
	}
	p.logger.WithFields(log.Fields{
		"images":     len(results),
		"before_nms": rep.NMS.Before,
		"after_nms":  rep.NMS.After,
		"fired":      rep.Rules.Fired,
	}).Info("Processed images")

	if d >= depthGraph {
		rep.Graph = r.builder.CategoryGraph()
		rep.GraphSkipped = r.builder.Skipped()
	}
	if d >= depthAll && in.GroundTruth != nil {
		start = time.Now()
		rep.Evaluation = reduceEvaluation(results, p.cfg.Evaluation)
		rep.Evaluation.RunID = rep.RunID
		rep.Excluded = excludedImages(rep.Evaluation)
		rep.Durations[StageEvaluate] += seconds(time.Since(start))
	}

	start = time.Now()
	if err := p.writeArtifacts(ctx, rep, results, r.builder, d); err != nil {
		return nil, err
	}
	rep.Durations[StageWrite] = seconds(time.Since(start))
	rep.Durations[StageTotal] = seconds(time.Since(started))
	return rep, nil
}

// reduceEvaluation folds per-image matches into one record per stage.
func reduceEvaluation(results []imageResult, opts evaluation.Options) *evaluation.Report {
	byStage := make(map[string][]evaluation.ImageMatches)
	for _, res := range results {
		for name, m := range res.matches {
			byStage[name] = append(byStage[name], m)
		}
	}
	names := make([]string, 0, len(byStage))
	for name := range byStage {
		names = append(names, name)
	}
	evaluation.SortStages(names)

	var c evaluation.Comparison
	for _, name := range names {
		c.Stages = append(c.Stages, evaluation.StageRecord{Name: name, Record: evaluation.Reduce(byStage[name], opts)})
	}
	er := evaluation.NewReport(c)
	return &er
}

// Run executes every stage and writes every configured artifact.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	return p.execute(ctx, depthAll)
}

// RunNMS filters the raw predictions and writes the NMS output directory.
func (p *Pipeline) RunNMS(ctx context.Context) (*Report, error) {
	return p.execute(ctx, depthNMS)
}

// RunRefine filters and refines the raw predictions, writing the NMS and
// refined directories and the explainability report.
func (p *Pipeline) RunRefine(ctx context.Context) (*Report, error) {
	return p.execute(ctx, depthRefine)
}

// RunGraph runs through relation extraction and writes the knowledge graph
// artifacts along with the refine outputs.
func (p *Pipeline) RunGraph(ctx context.Context) (*Report, error) {
	return p.execute(ctx, depthGraph)
}

// RunEvaluate scores prediction directories already on disk against the
// ground truth: the raw predictions, plus the NMS and refined directories
// when they exist. It does not run any other stage.
func (p *Pipeline) RunEvaluate(ctx context.Context) (*Report, error) {
	started := time.Now()
	rep := newReport(started)

	gt, gtStats, err := p.readDir(p.cfg.Paths.GroundTruth, "ground truth", true)
	if err != nil {
		return nil, err
	}
	rep.GroundTruth = parseSummary(gtStats)

	stages := make(map[string]evaluation.Inputs)
	dirs := []struct{ name, dir string }{
		{evaluation.StageRaw, p.cfg.Paths.RawPredictions},
		{evaluation.StageNMS, p.cfg.Paths.NMSPredictions},
		{evaluation.StageRefined, p.cfg.Paths.RefinedPredictions},
	}
	for _, s := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.name != evaluation.StageRaw && !isDir(s.dir) {
			p.logger.WithField("stage", s.name).Debug("No predictions on disk, stage not evaluated")
			continue
		}
		preds, stats, err := p.readDir(s.dir, s.name+" predictions", false)
		if err != nil {
			return nil, err
		}
		if s.name == evaluation.StageRaw {
			rep.Raw = parseSummary(stats)
			rep.Images = preds.Len()
		}
		stages[s.name] = evaluation.InputsFromStores(preds, gt)
	}

	start := time.Now()
	c, err := evaluation.Compare(stages, p.cfg.Evaluation)
	if err != nil {
		return nil, err
	}
	er := evaluation.NewReport(c)
	er.RunID = rep.RunID
	rep.Evaluation = &er
	rep.Excluded = excludedImages(&er)
	rep.Durations[StageEvaluate] = seconds(time.Since(start))

	start = time.Now()
	if err := p.writeEvaluation(rep); err != nil {
		return nil, err
	}
	if err := p.writeSummary(rep); err != nil {
		return nil, err
	}
	rep.Durations[StageWrite] = seconds(time.Since(start))
	rep.Durations[StageTotal] = seconds(time.Since(started))
	return rep, nil
}
