// Package fold accumulates samples into phase bins of a pulse profile.
package fold

import (
	"context"
	"fmt"
	"math"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/transform"
)

// Config of the folder. Exactly one of Period and Predictor is set.
type Config struct {
	NBin      int
	Period    float64 // seconds
	Predictor signal.Predictor
	RefPhase  float64 // turns added before binning
}

func (c Config) validate() error {
	const op = "fold.Config"
	switch {
	case c.NBin < 1:
		return fault.Unsupported(op, "nbin=%d", c.NBin)
	case c.Predictor == nil && c.Period <= 0:
		return fault.InvalidState(op, "neither folding period nor predictor is set")
	case c.Predictor != nil && c.Period != 0:
		return fault.InvalidState(op, "both folding period and predictor are set")
	}
	return nil
}

// Fold is an out-of-place stage which folds time series into a profile.
type Fold struct {
	*transform.Transformation[*signal.TimeSeries, *signal.PhaseSeries]
	cfg    Config
	engine Engine
}

// New returns a folder which accumulates with engine.
func New(cfg Config, engine Engine, options ...transform.Option) *Fold {
	f := &Fold{
		cfg:    cfg,
		engine: engine,
	}
	f.Transformation = transform.New("fold", transform.OutOfPlace, f.fold, options...)
	return f
}

// Config returns the folding configuration.
func (f *Fold) Config() Config {
	return f.cfg
}

// SetPredictor makes f fold with p instead of its current source.
func (f *Fold) SetPredictor(p signal.Predictor) {
	f.cfg.Predictor = p
	f.cfg.Period = 0
}

// Prepare returns the descriptor of the profile.
func (f *Fold) Prepare(in signal.Observation) (signal.Observation, error) {
	if err := f.cfg.validate(); err != nil {
		return signal.Observation{}, err
	}
	f.engine.SetNBin(f.cfg.NBin)
	out := in
	out.NBit = 32
	out.Order = signal.OrderFPT
	out.NDat = f.cfg.NBin
	return out, nil
}

// MinimumSamples returns one, every sample is folded on its own.
func (*Fold) MinimumSamples() int {
	return 1
}

// NewProfile returns an empty profile for the input stream described by
// in, folded with the configuration of f.
func (f *Fold) NewProfile(in signal.Observation) *signal.PhaseSeries {
	ps := signal.NewPhaseSeries(in, f.cfg.NBin)
	f.configure(ps)
	return ps
}

func (f *Fold) configure(ps *signal.PhaseSeries) {
	if f.cfg.Predictor != nil {
		ps.SetPredictor(f.cfg.Predictor)
	} else {
		ps.SetFoldingPeriod(f.cfg.Period)
	}
	ps.SetReferencePhase(f.cfg.RefPhase)
}

// Synch makes the current output hold every folded sample.
func (f *Fold) Synch(ctx context.Context) error {
	out, ok := f.Output()
	if !ok {
		return nil
	}
	return f.engine.Synch(ctx, out)
}

// Phase returns the phase in turns used to bin a sample at t.
func (f *Fold) Phase(t signal.MJD) float64 {
	var phase float64
	if f.cfg.Predictor != nil {
		phase = f.cfg.Predictor.Phase(t)
	} else {
		phase = periodPhase(t, f.cfg.Period)
	}
	return phase + f.cfg.RefPhase
}

// Bin returns the phase bin of a sample at t.
func (f *Fold) Bin(t signal.MJD) int {
	phase := f.Phase(t)
	phase -= math.Floor(phase)
	nbin := f.cfg.NBin
	return int(math.Floor(phase*float64(nbin))) % nbin
}

// periodPhase returns the phase of t in turns at a constant period,
// counted from MJD zero. Whole days are reduced first to keep precision.
func periodPhase(t signal.MJD, period float64) float64 {
	day := math.Mod(float64(t.Day)*86400, period)
	return (day + t.Sec) / period
}

// mismatch returns the reason why in cannot be folded into ps.
func (f *Fold) mismatch(ps *signal.PhaseSeries, in signal.Observation) string {
	if ps.NBin() != f.cfg.NBin {
		return fmt.Sprintf("nbin mismatch: %d != %d", ps.NBin(), f.cfg.NBin)
	}
	if reason := ps.Accepts(in); reason != "" {
		return reason
	}
	switch p := f.cfg.Predictor; {
	case (p == nil) != (ps.Predictor() == nil):
		return "folding source mismatch: period and predictor"
	case p != nil && p.ID() != ps.Predictor().ID():
		return fmt.Sprintf("predictor mismatch: %s != %s", ps.Predictor().ID(), p.ID())
	case p == nil && ps.FoldingPeriod() != f.cfg.Period:
		return fmt.Sprintf("folding period mismatch: %v != %v", ps.FoldingPeriod(), f.cfg.Period)
	case ps.ReferencePhase() != f.cfg.RefPhase:
		return fmt.Sprintf("reference phase mismatch: %v != %v", ps.ReferencePhase(), f.cfg.RefPhase)
	}
	return ""
}

func (f *Fold) fold(ctx context.Context, in *signal.TimeSeries, out *signal.PhaseSeries) error {
	if err := f.cfg.validate(); err != nil {
		return err
	}
	if out.Empty() {
		if out.NBin() != f.cfg.NBin || out.Accepts(in.Observation) != "" {
			obs := in.Observation
			obs.Order = signal.OrderFPT
			obs.NBit = 32
			out.Observation = obs
			out.Resize(f.cfg.NBin)
		}
		f.configure(out)
	} else if reason := f.mismatch(out, in.Observation); reason != "" {
		return fault.InvalidState("fold", "%s", reason)
	}

	f.engine.SetNBin(f.cfg.NBin)
	f.engine.SetNDat(in.NDat)
	for idat := 0; idat < in.NDat; idat++ {
		f.engine.SetBin(idat, f.Bin(in.TimeOf(idat)))
	}
	if err := f.engine.Fold(ctx, in, out); err != nil {
		return err
	}
	out.Integrate(in.Observation)
	return nil
}
