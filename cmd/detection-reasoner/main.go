package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"

	"github.com/youta-t/flarc"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	logger := stdlog.New(os.Stderr, "[detection-reasoner] ", stdlog.LstdFlags)

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill,
	)
	defer cancel()

	must := func(cmd flarc.Command, err error) flarc.Command {
		if err != nil {
			logger.Fatalf("failed to build command: %v", err)
		}
		return cmd
	}

	root := must(flarc.NewCommandGroup(
		"Post-process object detections: NMS, rule-based refinement, spatial knowledge graphs and evaluation.",
		CommonFlags{Config: os.Getenv("DETECTION_REASONER_CONFIG")},
		flarc.WithSubcommand("nms", must(newNMSCommand())),
		flarc.WithSubcommand("refine", must(newRefineCommand())),
		flarc.WithSubcommand("graph", must(newGraphCommand())),
		flarc.WithSubcommand("evaluate", must(newEvaluateCommand())),
		flarc.WithSubcommand("run", must(newRunCommand())),
		flarc.WithSubcommand("serve", must(newServeCommand())),
		flarc.WithSubcommand("version", must(newVersionCommand())),
	))

	os.Exit(flarc.Run(ctx, root, flarc.WithHelp(true)))
}

func newVersionCommand() (flarc.Command, error) {
	return flarc.NewCommand(
		"Show version of this command.",
		struct{}{},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[struct{}], _ []any) error {
			fmt.Fprintf(c.Stdout(), "detection-reasoner %s\n", Version)
			fmt.Fprintf(c.Stdout(), "  Build time: %s\n", BuildTime)
			fmt.Fprintf(c.Stdout(), "  Git commit: %s\n", GitCommit)
			return nil
		},
	)
}
