package fold

import (
	"context"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
)

// Engine accumulates samples into phase bins. Bins are computed by the
// stage and assigned to the engine one sample at a time.
type Engine interface {
	// SetNBin sets the number of phase bins.
	SetNBin(nbin int)
	// SetNDat starts a bin plan for ndat samples.
	SetNDat(ndat int)
	// SetBin assigns sample idat to phase bin ibin. Samples are assigned
	// in increasing order.
	SetBin(idat, ibin int)
	// Fold accumulates in according to the bin plan.
	Fold(ctx context.Context, in *signal.TimeSeries, out *signal.PhaseSeries) error
	// Synch adds results which are not yet in out.
	Synch(ctx context.Context, out *signal.PhaseSeries) error
}

// CPUEngine accumulates directly into the profile.
type CPUEngine struct {
	nbin int
	bins []int
}

// NewCPUEngine returns a host engine.
func NewCPUEngine() *CPUEngine {
	return &CPUEngine{}
}

// SetNBin sets the number of phase bins.
func (e *CPUEngine) SetNBin(nbin int) {
	e.nbin = nbin
}

// SetNDat starts a bin plan for ndat samples.
func (e *CPUEngine) SetNDat(ndat int) {
	if cap(e.bins) < ndat {
		e.bins = make([]int, 0, ndat)
	}
	e.bins = e.bins[:0]
}

// SetBin assigns the next sample to ibin.
func (e *CPUEngine) SetBin(idat, ibin int) {
	e.bins = append(e.bins, ibin)
}

// Fold adds every planned sample of in to its bin of out.
func (e *CPUEngine) Fold(_ context.Context, in *signal.TimeSeries, out *signal.PhaseSeries) error {
	if out.NBin() != e.nbin {
		return fault.InvalidState("fold.CPUEngine", "profile of %d bins, engine set to %d", out.NBin(), e.nbin)
	}
	if len(e.bins) > in.NDat {
		return fault.InvalidState("fold.CPUEngine", "%d planned samples exceed input of %d", len(e.bins), in.NDat)
	}
	var (
		ndim   = in.NDim
		stride = in.Stride()
		hits   = out.Hits()
	)
	for ichan := 0; ichan < in.NChan; ichan++ {
		for ipol := 0; ipol < in.NPol; ipol++ {
			src, amps := in.Datptr(ichan, ipol), out.Amps(ichan, ipol)
			for idat, ibin := range e.bins {
				for idim := 0; idim < ndim; idim++ {
					amps[ibin*ndim+idim] += src[idat*stride+idim]
				}
			}
		}
	}
	for _, ibin := range e.bins {
		hits[ibin]++
	}
	return nil
}

// Synch returns immediately, results are in the profile after Fold.
func (*CPUEngine) Synch(context.Context, *signal.PhaseSeries) error {
	return nil
}
