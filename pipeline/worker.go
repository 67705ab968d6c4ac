package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dudk/pulsefold/config"
	"github.com/dudk/pulsefold/device"
	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/filterbank"
	"github.com/dudk/pulsefold/fold"
	"github.com/dudk/pulsefold/input"
	"github.com/dudk/pulsefold/internal/state"
	"github.com/dudk/pulsefold/metric"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/transform"
	"github.com/dudk/pulsefold/unpack"
)

// Worker runs one single-threaded chain of stages:
// unpack, optional filterbank and fold.
type Worker struct {
	id     string
	index  int
	cfg    config.Config
	logger logrus.FieldLogger
	state  *state.Machine
	meter  metric.ResetFunc

	stream     *device.Stream
	unpacker   *unpack.Unpacker
	filterbank *filterbank.Filterbank
	folder     *fold.Fold
	operations []transform.Operation

	raw         *signal.BitSeries
	unpacked    *signal.TimeSeries
	channelized *signal.TimeSeries
	profile     *signal.PhaseSeries

	minimum int
	windows int
}

func newWorker(index int, cfg config.Config, logger logrus.FieldLogger, metrics bool) *Worker {
	w := &Worker{
		id:    xid.New().String(),
		index: index,
		cfg:   cfg,
		state: state.New(),
	}
	w.logger = logger.WithFields(logrus.Fields{"worker": index, "id": w.id})
	options := []transform.Option{transform.WithLogger(w.logger)}
	if metrics {
		rate := cfg.Input.Rate
		options = append(options, transform.WithMeter(rate))
		w.meter = metric.Meter(w, rate)
	}

	var (
		fbEngine   filterbank.Engine = filterbank.NewCPUEngine()
		foldEngine fold.Engine       = fold.NewCPUEngine()
	)
	if cfg.Device {
		w.stream = device.NewStream(device.WithLogger(w.logger))
		fbEngine = filterbank.NewDeviceEngine(w.stream)
		foldEngine = fold.NewDeviceEngine(w.stream)
	}
	w.unpacker = unpack.New(cfg.UnpackConfig(), options...)
	w.operations = append(w.operations, w.unpacker)
	if cfg.Filterbank.Enabled() {
		w.filterbank = filterbank.New(cfg.FilterbankConfig(), fbEngine, options...)
		w.operations = append(w.operations, w.filterbank)
	}
	w.folder = fold.New(cfg.FoldConfig(), foldEngine, options...)
	w.operations = append(w.operations, w.folder)
	return w
}

// ID returns the identity of the worker.
func (w *Worker) ID() string {
	return w.id
}

// State returns the lifecycle state of the worker.
func (w *Worker) State() state.State {
	return w.state.Get()
}

// Windows returns the number of windows processed by the last run.
func (w *Worker) Windows() int {
	return w.windows
}

// MinimumSamples returns the smallest window the chain can process.
func (w *Worker) MinimumSamples() int {
	return w.minimum
}

// prepare configures every stage for the stream described by obs and
// wires the containers between them. Predictor, when not nil, replaces
// the folding source so peers fold with one model.
func (w *Worker) prepare(obs signal.Observation, predictor signal.Predictor) error {
	if predictor != nil {
		w.folder.SetPredictor(predictor)
	}
	desc := obs
	w.minimum = 1
	for _, op := range w.operations {
		if op == transform.Operation(w.folder) {
			w.profile = w.folder.NewProfile(desc)
		}
		next, err := op.Prepare(desc)
		if err != nil {
			return err
		}
		w.minimum = max(w.minimum, op.MinimumSamples())
		desc = next
	}

	w.raw = signal.NewBitSeries(obs)
	w.unpacked = signal.NewTimeSeries(obs)
	if err := w.unpacker.SetInput(w.raw); err != nil {
		return err
	}
	if err := w.unpacker.SetOutput(w.unpacked); err != nil {
		return err
	}
	folded := w.unpacked
	if w.filterbank != nil {
		w.channelized = signal.NewTimeSeries(signal.Observation{})
		if err := w.filterbank.SetInput(w.unpacked); err != nil {
			return err
		}
		if err := w.filterbank.SetOutput(w.channelized); err != nil {
			return err
		}
		folded = w.channelized
	}
	if err := w.folder.SetInput(folded); err != nil {
		return err
	}
	if err := w.folder.SetOutput(w.profile); err != nil {
		return err
	}
	return w.state.Signal(state.Prepared)
}

// overlap returns the number of samples consecutive windows share.
func (w *Worker) overlap() int {
	if w.filterbank == nil {
		return 0
	}
	return w.filterbank.MinimumSamplesLost()
}

// blockSize returns the window size closest to requested which the chain
// consumes without gaps.
func (w *Worker) blockSize(requested int) (int, error) {
	if requested == 0 {
		return w.minimum, nil
	}
	if requested < w.minimum {
		return 0, fault.InvalidState("pipeline", "block size %d less than minimum %d", requested, w.minimum)
	}
	if w.filterbank == nil {
		return requested, nil
	}
	lost := w.filterbank.MinimumSamplesLost()
	step := w.filterbank.MinimumSamples() - lost
	return lost + (requested-lost)/step*step, nil
}

// run processes windows of shared until it is exhausted. Profiles are
// handed to share at every round boundary and once more at the end.
func (w *Worker) run(ctx context.Context, shared *input.Shared, share *Share) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fault.Recovered("pipeline.Worker", v)
		}
		if err != nil {
			w.logger.Debugf("worker failed: %v", err)
		}
		w.state.Signal(state.Finished)
	}()
	measure := w.meter.Measure()
	w.windows = 0
	round := 0
	for {
		window, err := shared.Load(ctx, w.index, w.raw)
		last := errors.Is(err, io.ErrUnexpectedEOF)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !last {
			return err
		}
		if w.raw.NDat < w.minimum {
			w.logger.Debugf("window %d of %d samples dropped", window, w.raw.NDat)
		} else {
			if err := w.process(ctx); err != nil {
				return err
			}
			measure(int64(w.raw.NDat))
		}
		w.windows++
		if every := w.cfg.MergeEvery; every > 0 && w.windows%every == 0 {
			if err := w.contribute(ctx, share, round); err != nil {
				return err
			}
			round++
		}
		if last {
			break
		}
	}
	if w.cfg.MergeEvery == 0 || w.windows%w.cfg.MergeEvery != 0 {
		if err := w.contribute(ctx, share, round); err != nil {
			return err
		}
	}
	return share.Done(ctx)
}

func (w *Worker) process(ctx context.Context) error {
	for _, op := range w.operations {
		if err := op.Execute(ctx); err != nil {
			return err
		}
	}
	return nil
}

// contribute hands the profile of the current round to share and starts
// a new one.
func (w *Worker) contribute(ctx context.Context, share *Share, round int) error {
	if err := w.folder.Synch(ctx); err != nil {
		return err
	}
	if err := share.Contribute(ctx, round, w.profile); err != nil {
		return err
	}
	w.profile.Zero()
	return nil
}

// close releases device resources.
func (w *Worker) close() error {
	if w.stream == nil {
		return nil
	}
	return w.stream.Close()
}
