// Package pipeline sequences the core stages over a corpus: NMS, symbolic
// refinement, relation extraction, graph aggregation and evaluation.
//
// Every input file is read before the first image is scheduled and every
// artifact is written after the last image completes, so the per-image work
// runs on owned data only. The two aggregation points are the graph Builder,
// which serializes its own updates, and evaluation, which reduces per-image
// match results after the pool drains.
package pipeline

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/ironsheep/detection-reasoner/internal/config"
	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/facts"
	"github.com/ironsheep/detection-reasoner/internal/imaging"
	"github.com/ironsheep/detection-reasoner/internal/logging"
	"github.com/ironsheep/detection-reasoner/internal/rules"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// Pipeline holds the validated configuration and everything loaded from it.
type Pipeline struct {
	cfg       config.Config
	logger    log.FieldLogger
	classes   *detection.ClassMap
	sizer     detection.ImageSizer
	extractor *spatial.Extractor
	refiner   *rules.Refiner
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards output.
func WithLogger(l log.FieldLogger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithSizer overrides how image dimensions are resolved.
func WithSizer(s detection.ImageSizer) Option {
	return func(p *Pipeline) { p.sizer = s }
}

// New validates cfg and loads the rule, zone and static fact files it names.
// Every failure is a configuration error and nothing is processed.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDiscard(p.logger)

	var err error
	if p.classes, err = cfg.Classes(); err != nil {
		return nil, err
	}
	if p.sizer == nil {
		fallback := detection.FixedSize{Width: cfg.ImageWidth, Height: cfg.ImageHeight}
		if cfg.Paths.Images != "" {
			p.sizer = imaging.NewSizer(cfg.Paths.Images, fallback)
		} else {
			p.sizer = fallback
		}
	}
	if p.extractor, err = spatial.NewExtractor(cfg.Spatial); err != nil {
		return nil, config.Wrap("spatial", err)
	}

	ruleset, err := rules.New(rules.ClampFinal)
	if err != nil {
		return nil, err
	}
	if path := cfg.Paths.Rules; path != "" {
		if ruleset, err = rules.LoadFile(path); err != nil {
			return nil, err
		}
	}

	zones := spatial.NewZoneSet()
	if path := cfg.Paths.Zones; path != "" {
		if zones, err = spatial.LoadZonesFile(path); err != nil {
			return nil, config.Wrap(path, err)
		}
	}

	var static []facts.Fact
	if path := cfg.Paths.StaticFacts; path != "" {
		if static, err = facts.LoadStaticFile(path); err != nil {
			return nil, config.Wrap(path, err)
		}
	}

	p.refiner = &rules.Refiner{
		Engine:    rules.NewEngine(ruleset, p.logger),
		Extractor: p.extractor,
		Zones:     zones,
		Static:    static,
	}

	p.logger.WithFields(log.Fields{
		"rules":        ruleset.Len(),
		"clamp":        ruleset.Clamp,
		"zones":        zones.Len(),
		"static_facts": len(static),
		"workers":      cfg.Workers,
	}).Info("Pipeline configured")
	return p, nil
}

// Config returns the resolved configuration.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Inputs are the detection files of a run, read before processing starts.
type Inputs struct {
	Raw      *detection.Store
	RawStats detection.ParseStats

	// GroundTruth is nil when no ground-truth directory is configured.
	GroundTruth *detection.Store
	GTStats     detection.ParseStats
}

// ImageIDs returns the ids of every image with predictions or ground truth,
// sorted.
func (in *Inputs) ImageIDs() []string {
	seen := make(map[string]struct{})
	for _, id := range in.Raw.ImageIDs() {
		seen[id] = struct{}{}
	}
	if in.GroundTruth != nil {
		for _, id := range in.GroundTruth.ImageIDs() {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pipeline) parseOptions(groundTruth bool) detection.ParseOptions {
	return detection.ParseOptions{
		Format:      p.cfg.RecordFormat(),
		GroundTruth: groundTruth,
		Classes:     p.classes,
		Width:       p.cfg.ImageWidth,
		Height:      p.cfg.ImageHeight,
		Logger:      p.logger,
	}
}

// readDir reads one prediction or ground-truth directory.
func (p *Pipeline) readDir(dir, description string, groundTruth bool) (*detection.Store, detection.ParseStats, error) {
	if err := config.EnsurePaths(config.PathRequirement{Path: dir, Description: description, Directory: true}); err != nil {
		return nil, detection.ParseStats{}, err
	}
	store, stats, err := detection.ReadDir(dir, p.parseOptions(groundTruth), p.sizer)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to read %s: %w", description, err)
	}
	p.logger.WithFields(log.Fields{
		"dir":     dir,
		"images":  store.Len(),
		"parsed":  stats.Parsed,
		"skipped": stats.Skipped,
	}).Infof("Loaded %s", description)
	return store, stats, nil
}

// Load reads the raw predictions and, when withGT is set and a ground-truth
// directory is configured, the ground truth.
func (p *Pipeline) Load(withGT bool) (*Inputs, error) {
	raw, rawStats, err := p.readDir(p.cfg.Paths.RawPredictions, "raw predictions", false)
	if err != nil {
		return nil, err
	}
	in := &Inputs{Raw: raw, RawStats: rawStats}
	if withGT && p.cfg.Paths.GroundTruth != "" {
		if in.GroundTruth, in.GTStats, err = p.readDir(p.cfg.Paths.GroundTruth, "ground truth", true); err != nil {
			return nil, err
		}
	}
	return in, nil
}
