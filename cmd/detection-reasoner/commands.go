package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/youta-t/flarc"

	"github.com/ironsheep/detection-reasoner/internal/config"
	"github.com/ironsheep/detection-reasoner/internal/logging"
	"github.com/ironsheep/detection-reasoner/internal/pipeline"
	"github.com/ironsheep/detection-reasoner/internal/server"
)

// CommonFlags are accepted by every subcommand.
type CommonFlags struct {
	Config    string `flag:"config" help:"YAML configuration file (or envvar DETECTION_REASONER_CONFIG)"`
	LogLevel  string `flag:"log-level" help:"debug, info, warn or error. Overrides the configuration"`
	LogFormat string `flag:"log-format" help:"text or json. Overrides the configuration"`
}

// StageFlags override configuration values for the pipeline subcommands.
// Zero values leave the configuration untouched.
type StageFlags struct {
	Raw         string  `flag:"raw" help:"directory of raw prediction files"`
	GroundTruth string  `flag:"gt" help:"directory of ground-truth files"`
	Images      string  `flag:"images" help:"directory of source images"`
	Output      string  `flag:"output" help:"parent of the nms, refined, reports and kg directories"`
	Rules       string  `flag:"rules" help:"YAML rule file"`
	Zones       string  `flag:"zones" help:"YAML zone file"`
	Facts       string  `flag:"facts" help:"static facts CSV (relation,subject,object,count), e.g. a previous run's facts export"`
	Database    string  `flag:"db" help:"SQLite database recording the run"`
	Annotated   string  `flag:"annotated" help:"directory for annotated images"`
	Format      string  `flag:"format" help:"record format: auto, normalized or oriented"`
	Workers     int     `flag:"workers" help:"images processed at once"`
	IoU         float64 `flag:"iou" help:"NMS IoU threshold"`
}

func (f StageFlags) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Paths.RawPredictions, f.Raw)
	set(&cfg.Paths.GroundTruth, f.GroundTruth)
	set(&cfg.Paths.Images, f.Images)
	set(&cfg.Paths.Rules, f.Rules)
	set(&cfg.Paths.Zones, f.Zones)
	set(&cfg.Paths.StaticFacts, f.Facts)
	set(&cfg.Paths.Database, f.Database)
	set(&cfg.Paths.Annotated, f.Annotated)
	set(&cfg.InputFormat, f.Format)
	if f.Output != "" {
		// derived directories follow the new output root
		cfg.Paths.Output = f.Output
		cfg.Paths.NMSPredictions = ""
		cfg.Paths.RefinedPredictions = ""
		cfg.Paths.Reports = ""
		cfg.Paths.KnowledgeGraph = ""
	}
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	if f.IoU > 0 {
		cfg.NMS.IoUThreshold = f.IoU
	}
}

// commonFlagsOf picks the group flags out of the positional values flarc
// hands to a subcommand.
func commonFlagsOf(pos []any) (CommonFlags, error) {
	for _, p := range pos {
		if cf, ok := p.(CommonFlags); ok {
			return cf, nil
		}
	}
	return CommonFlags{}, errors.New("programming error: common flags not found")
}

// setup loads the configuration, applies overrides and builds the logger.
func setup(common CommonFlags, stderr io.Writer, override func(*config.Config)) (config.Config, *log.Logger, error) {
	cfg, err := config.Load(common.Config)
	if err != nil {
		return config.Config{}, nil, err
	}
	if override != nil {
		override(&cfg)
	}
	if common.LogLevel != "" {
		cfg.Log.Level = common.LogLevel
	}
	if common.LogFormat != "" {
		cfg.Log.Format = common.LogFormat
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("%w: %s", flarc.ErrUsage, err)
	}
	return cfg, logger, nil
}

type stageRunner func(p *pipeline.Pipeline, ctx context.Context) (*pipeline.Report, error)

func newStageCommand(help string, runner stageRunner) (flarc.Command, error) {
	return flarc.NewCommand(
		help,
		StageFlags{},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[StageFlags], pos []any) error {
			common, err := commonFlagsOf(pos)
			if err != nil {
				return err
			}
			cfg, logger, err := setup(common, c.Stderr(), c.Flags().apply)
			if err != nil {
				return err
			}
			logger.WithField("command", c.Fullname()).Debug("Configuration loaded")

			p, err := pipeline.New(cfg, pipeline.WithLogger(logger))
			if err != nil {
				return err
			}
			rep, err := runner(p, ctx)
			if err != nil {
				return err
			}
			return printReport(c.Stdout(), rep)
		},
	)
}

func newNMSCommand() (flarc.Command, error) {
	return newStageCommand(
		"Apply class-wise non-maximum suppression to the raw predictions.",
		(*pipeline.Pipeline).RunNMS,
	)
}

func newRefineCommand() (flarc.Command, error) {
	return newStageCommand(
		"Run NMS then adjust confidences with the symbolic rules, writing the explainability report.",
		(*pipeline.Pipeline).RunRefine,
	)
}

func newGraphCommand() (flarc.Command, error) {
	return newStageCommand(
		"Run NMS and refinement, then extract spatial relations and build the knowledge graph.",
		(*pipeline.Pipeline).RunGraph,
	)
}

func newEvaluateCommand() (flarc.Command, error) {
	return newStageCommand(
		"Score the raw, NMS and refined prediction directories against the ground truth.",
		(*pipeline.Pipeline).RunEvaluate,
	)
}

func newRunCommand() (flarc.Command, error) {
	return newStageCommand(
		"Run every stage and write every artifact.",
		(*pipeline.Pipeline).Run,
	)
}

// printReport writes a short summary of rep, followed by the evaluation table
// when the run scored anything.
func printReport(w io.Writer, rep *pipeline.Report) error {
	fmt.Fprintf(w, "run %s: %d images\n", rep.RunID, rep.Images)
	if n := rep.Raw.Skipped + rep.GroundTruth.Skipped; n > 0 {
		fmt.Fprintf(w, "skipped records: %d\n", n)
	}
	if len(rep.Excluded) > 0 {
		fmt.Fprintf(w, "excluded images: %s\n", strings.Join(rep.Excluded, ", "))
	}
	for _, a := range rep.Artifacts {
		fmt.Fprintf(w, "wrote %s\n", a)
	}
	if rep.Evaluation == nil {
		return nil
	}
	fmt.Fprintln(w)
	return rep.Evaluation.Comparison.WriteTable(w)
}

// ServeFlags override configuration values for the tool server.
type ServeFlags struct {
	Rules  string `flag:"rules" help:"default YAML rule file for detections_refine"`
	Zones  string `flag:"zones" help:"default YAML zone file"`
	Format string `flag:"format" help:"default record format"`
}

func newServeCommand() (flarc.Command, error) {
	return flarc.NewCommand(
		"Serve the detection tools over MCP (JSON-RPC on stdin/stdout).",
		ServeFlags{},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[ServeFlags], pos []any) error {
			common, err := commonFlagsOf(pos)
			if err != nil {
				return err
			}
			flags := c.Flags()
			// logs go to stderr; stdout carries the protocol
			cfg, logger, err := setup(common, os.Stderr, func(cfg *config.Config) {
				StageFlags{Rules: flags.Rules, Zones: flags.Zones, Format: flags.Format}.apply(cfg)
			})
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger.WithFields(log.Fields{
				"version": Version,
				"build":   BuildTime,
				"commit":  GitCommit,
			}).Debug("Starting MCP server")

			srv := server.New(
				server.WithConfig(cfg),
				server.WithLogger(logger),
				server.WithVersion(Version),
			)
			return srv.Run()
		},
	)
}
