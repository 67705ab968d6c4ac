package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	ossignal "os/signal"

	"github.com/sirupsen/logrus"

	"github.com/dudk/pulsefold/config"
	"github.com/dudk/pulsefold/input"
	"github.com/dudk/pulsefold/input/wav"
	"github.com/dudk/pulsefold/log"
	"github.com/dudk/pulsefold/metric"
	"github.com/dudk/pulsefold/pipeline"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/unload"
)

type foldCommand struct {
	config  string
	threads int
	device  bool
	metrics bool
}

func (cmd *foldCommand) Name() string {
	return "fold"
}

func (cmd *foldCommand) Help() string {
	return "Fold the configured input into pulse profiles"
}

func (cmd *foldCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.config, "config", "", "YAML configuration file (required)")
	fs.IntVar(&cmd.threads, "threads", 0, "number of workers, overrides the configuration")
	fs.BoolVar(&cmd.device, "device", false, "use device engines")
	fs.BoolVar(&cmd.metrics, "metrics", false, "log metrics after the run")
}

func (cmd *foldCommand) Run(stdout io.Writer) error {
	if cmd.config == "" {
		return errors.New("missing -config required flag")
	}
	cfg, err := config.Load(cmd.config)
	if err != nil {
		return err
	}
	if cmd.threads > 0 {
		cfg.Threads = cmd.threads
	}
	cfg.Device = cfg.Device || cmd.device
	return fold(context.Background(), cfg, stdout, cmd.metrics)
}

func fold(ctx context.Context, cfg config.Config, stdout io.Writer, metrics bool) error {
	logger := log.GetLogger()
	in, closeInput, err := openInput(cfg)
	if err != nil {
		return err
	}
	defer closeInput()

	var w io.Writer = struct{ io.Writer }{stdout}
	if cfg.Output.Path != "" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return err
		}
		w = f
	}
	out := unload.NewYAML(w)

	options := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithName("fold")}
	if metrics {
		options = append(options, pipeline.WithMetrics())
	}
	o, err := pipeline.New(cfg, in, out, options...)
	if err != nil {
		out.Close()
		return err
	}

	ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if err := o.Prepare(ctx); err != nil {
		o.Finish(context.Background())
		out.Close()
		return err
	}
	err = o.Run(ctx)
	if ferr := o.Finish(context.Background()); ferr != nil && err == nil {
		err = ferr
	}
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if metrics {
		for component, counters := range metric.GetAll() {
			logger.WithFields(logrus.Fields{"component": component}).Infof("%v", counters)
		}
	}
	return err
}

// openInput returns the configured source and a function releasing it.
func openInput(cfg config.Config) (input.Input, func() error, error) {
	if cfg.Input.Format == "wav" {
		in, err := wav.Open(cfg.Input.Path,
			wav.WithStart(signal.NewMJD(cfg.Input.Start)),
			wav.WithBand(cfg.Input.CentreFrequency, cfg.Input.Bandwidth),
		)
		if err != nil {
			return nil, nil, err
		}
		return in, in.Close, nil
	}
	f, err := os.Open(cfg.Input.Path)
	if err != nil {
		return nil, nil, err
	}
	in, err := input.NewReader(f, cfg.Input.Observation())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return in, f.Close, nil
}
