// Package filterbank splits the band of every input channel into
// narrower channels. Blocks are transformed with overlap-discard: a
// forward transform of the whole band is followed by backward transforms
// of every sub-band, and the wrapped edges of the results are dropped.
package filterbank

import (
	"context"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/transform"
)

// Config of the filterbank.
type Config struct {
	NChan   int          // number of output channels
	FreqRes int          // length of the backward transforms
	Overlap int          // output samples discarded per channel and block
	Order   signal.Order // order of the output
}

// Filterbank is an out-of-place channelizing stage.
type Filterbank struct {
	*transform.Transformation[*signal.TimeSeries, *signal.TimeSeries]
	cfg    Config
	engine Engine

	prepared     bool
	input        signal.Observation
	output       signal.Observation
	plan         Plan
	nsampOverlap int
}

// New returns a filterbank which delegates transforms to engine.
func New(cfg Config, engine Engine, options ...transform.Option) *Filterbank {
	f := &Filterbank{
		cfg:    cfg,
		engine: engine,
	}
	f.Transformation = transform.New("filterbank", transform.OutOfPlace, f.filter, options...)
	f.CheckInput(func(in *signal.TimeSeries) error {
		if in.Order != signal.OrderFPT {
			return fault.Unsupported("filterbank", "input order %v", in.Order)
		}
		return nil
	})
	return f
}

// Engine returns the engine of the filterbank.
func (f *Filterbank) Engine() Engine {
	return f.engine
}

// Prepare computes block sizes for the input stream described by in and
// sets up the engine.
func (f *Filterbank) Prepare(in signal.Observation) (signal.Observation, error) {
	const op = "filterbank.Prepare"
	in.NBit = 32
	switch {
	case in.Order != signal.OrderFPT:
		return signal.Observation{}, fault.Unsupported(op, "input order %v", in.Order)
	case in.NDim != 1 && in.NDim != 2:
		return signal.Observation{}, fault.Unsupported(op, "input ndim=%d", in.NDim)
	case in.NChan < 1 || f.cfg.NChan < in.NChan || f.cfg.NChan%in.NChan != 0:
		return signal.Observation{}, fault.Unsupported(op, "%d output channels from %d input channels", f.cfg.NChan, in.NChan)
	case f.cfg.FreqRes < 1:
		return signal.Observation{}, fault.Unsupported(op, "freq_res=%d", f.cfg.FreqRes)
	case f.cfg.Overlap < 0 || f.cfg.Overlap >= f.cfg.FreqRes:
		return signal.Observation{}, fault.Unsupported(op, "overlap %d with freq_res %d", f.cfg.Overlap, f.cfg.FreqRes)
	case in.Rate <= 0:
		return signal.Observation{}, fault.InvalidState(op, "rate=%v", in.Rate)
	}
	nchanSub := f.cfg.NChan / in.NChan
	p := Plan{
		NChanSub: nchanSub,
		FreqRes:  f.cfg.FreqRes,
		NFiltPos: f.cfg.Overlap,
		NKeep:    f.cfg.FreqRes - f.cfg.Overlap,
		NSampFFT: nchanSub * f.cfg.FreqRes,
		Real:     in.NDim == 1,
	}
	if p.Real {
		p.NSampFFT *= 2
	}
	if err := f.engine.Setup(p); err != nil {
		return signal.Observation{}, err
	}

	out := in
	out.NChan = f.cfg.NChan
	out.NDim = 2
	out.NBit = 32
	out.Order = f.cfg.Order
	out.NDat = 0
	out.Rate = in.Rate * float64(p.FreqRes) / float64(p.NSampFFT)
	out.Start = in.Start.Add(float64(p.NFiltPos) / out.Rate)

	f.plan = p
	f.nsampOverlap = p.NSampFFT * p.NFiltPos / p.FreqRes
	f.input, f.output = in, out
	f.prepared = true
	return out, nil
}

// MinimumSamples returns the smallest block which can be transformed.
func (f *Filterbank) MinimumSamples() int {
	return f.plan.NSampFFT
}

// MinimumSamplesLost returns the number of input samples which do not
// produce output at the edges of every block.
func (f *Filterbank) MinimumSamplesLost() int {
	return f.nsampOverlap
}

func (f *Filterbank) filter(ctx context.Context, in, out *signal.TimeSeries) error {
	if !f.prepared || f.input.Mismatch(in.Observation, nil) != "" {
		if _, err := f.Prepare(in.Observation); err != nil {
			return err
		}
	}
	p := f.plan
	if in.NDat < p.NSampFFT {
		return fault.InvalidState("filterbank", "%d samples less than minimum %d", in.NDat, p.NSampFFT)
	}
	step := p.NSampFFT - f.nsampOverlap
	npart := (in.NDat - f.nsampOverlap) / step

	obs := f.output
	obs.Start = in.Start.Add(float64(p.NFiltPos) / obs.Rate)
	out.Observation = obs
	out.Resize(npart * p.NKeep)
	spans := spansOf(out)

	var (
		pols    [][]float32
		dual    = f.engine.DualPol()
		ndim    = in.NDim
		samples = p.NSampFFT * ndim
	)
	for ipart := 0; ipart < npart; ipart++ {
		from := ipart * step * ndim
		for ichan := 0; ichan < in.NChan; ichan++ {
			if dual {
				pols = pols[:0]
				for ipol := 0; ipol < in.NPol; ipol++ {
					pols = append(pols, in.Datptr(ichan, ipol)[from:from+samples])
				}
				o := spans
				o.Data = out.Data()[out.Index(ichan*p.NChanSub, 0, ipart*p.NKeep, 0):]
				if err := f.engine.Perform(ctx, pols, o); err != nil {
					return err
				}
				// engines may hold on to the polarization list
				pols = nil
				continue
			}
			for ipol := 0; ipol < in.NPol; ipol++ {
				o := spans
				o.Data = out.Data()[out.Index(ichan*p.NChanSub, ipol, ipart*p.NKeep, 0):]
				pol := [][]float32{in.Datptr(ichan, ipol)[from : from+samples]}
				if err := f.engine.Perform(ctx, pol, o); err != nil {
					return err
				}
			}
		}
	}
	return f.engine.Finish(ctx)
}

// spansOf returns the strides of complex values in ts.
func spansOf(ts *signal.TimeSeries) Output {
	if ts.Order == signal.OrderTFP {
		return Output{
			ChanSpan:   ts.NPol * ts.NDim,
			PolSpan:    ts.NDim,
			SampleSpan: ts.Stride(),
		}
	}
	return Output{
		ChanSpan:   ts.NPol * ts.Subsize(),
		PolSpan:    ts.Subsize(),
		SampleSpan: ts.NDim,
	}
}
