package fold

import (
	"context"

	"github.com/dudk/pulsefold/device"
	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
)

// Run is a span of consecutive samples folded into the same bin.
type Run struct {
	IBin   int // phase bin
	Hits   int // number of samples
	Offset int // first sample
}

// DeviceEngine accumulates on a device stream. Phases are computed on
// the host and passed as a plan of runs, the accumulation runs in one
// pass over device-resident samples. Results stay on the device until
// Synch.
type DeviceEngine struct {
	stream *device.Stream
	nbin   int
	plan   []Run

	shape   signal.Observation
	staging []float32
	pending *device.Event
	input   *device.Buffer[float32]
	amps    *device.Buffer[float32]
	hits    *device.Buffer[uint64]
	dirty   bool

	hostAmps []float32
	hostHits []uint64
}

// NewDeviceEngine returns an engine bound to s. The stream is not owned
// by the engine.
func NewDeviceEngine(s *device.Stream) *DeviceEngine {
	return &DeviceEngine{stream: s}
}

// SetNBin sets the number of phase bins.
func (e *DeviceEngine) SetNBin(nbin int) {
	e.nbin = nbin
}

// SetNDat starts a bin plan for ndat samples.
func (e *DeviceEngine) SetNDat(ndat int) {
	e.plan = e.plan[:0]
}

// SetBin extends the current run or starts a new one.
func (e *DeviceEngine) SetBin(idat, ibin int) {
	if n := len(e.plan); n > 0 {
		last := &e.plan[n-1]
		if last.IBin == ibin && last.Offset+last.Hits == idat {
			last.Hits++
			return
		}
	}
	e.plan = append(e.plan, Run{IBin: ibin, Hits: 1, Offset: idat})
}

// Plan returns the current bin plan.
func (e *DeviceEngine) Plan() []Run {
	return e.plan
}

func (e *DeviceEngine) allocate(in *signal.TimeSeries) error {
	shape := signal.Observation{NChan: in.NChan, NPol: in.NPol, NDim: in.NDim, NDat: e.nbin}
	if e.amps != nil && shape == e.shape {
		return nil
	}
	if e.dirty {
		return fault.InvalidState("fold.DeviceEngine", "profile shape changed before synch")
	}
	e.shape = shape
	e.amps = device.NewBuffer[float32](e.stream, e.nbin*in.NFloat())
	e.hits = device.NewBuffer[uint64](e.stream, e.nbin)
	e.input = device.NewBuffer[float32](e.stream, 0)
	return nil
}

// Fold uploads in and enqueues the accumulation of the current plan.
func (e *DeviceEngine) Fold(ctx context.Context, in *signal.TimeSeries, out *signal.PhaseSeries) error {
	if out.NBin() != e.nbin {
		return fault.InvalidState("fold.DeviceEngine", "profile of %d bins, engine set to %d", out.NBin(), e.nbin)
	}
	if err := e.allocate(in); err != nil {
		return err
	}
	// the previous upload must complete before staging is reused
	if e.pending != nil {
		if err := e.pending.Wait(ctx); err != nil {
			return err
		}
	}
	var (
		ndim   = in.NDim
		ndat   = in.NDat
		stride = in.Stride()
		nblock = in.NChan * in.NPol
		size   = nblock * ndat * ndim
	)
	if cap(e.staging) < size {
		e.staging = make([]float32, size)
	}
	e.staging = e.staging[:size]
	for ichan := 0; ichan < in.NChan; ichan++ {
		for ipol := 0; ipol < in.NPol; ipol++ {
			src := in.Datptr(ichan, ipol)
			dst := e.staging[(ichan*in.NPol+ipol)*ndat*ndim:]
			for idat := 0; idat < ndat; idat++ {
				copy(dst[idat*ndim:(idat+1)*ndim], src[idat*stride:idat*stride+ndim])
			}
		}
	}
	if _, err := e.input.Resize(size); err != nil {
		return err
	}
	uploaded, err := e.input.Upload(e.staging)
	if err != nil {
		return err
	}
	e.pending = uploaded

	var (
		plan                = append([]Run(nil), e.plan...)
		nbin                = e.nbin
		input, accum, count = e.input, e.amps, e.hits
	)
	if _, err := e.stream.Enqueue(func() error {
		samples, amps, hits := input.Memory(), accum.Memory(), count.Memory()
		for block := 0; block < nblock; block++ {
			src := samples[block*ndat*ndim:]
			dst := amps[block*nbin*ndim:]
			for _, r := range plan {
				for idat := r.Offset; idat < r.Offset+r.Hits; idat++ {
					for idim := 0; idim < ndim; idim++ {
						dst[r.IBin*ndim+idim] += src[idat*ndim+idim]
					}
				}
			}
		}
		for _, r := range plan {
			hits[r.IBin] += uint64(r.Hits)
		}
		return nil
	}); err != nil {
		return err
	}
	e.dirty = true
	return nil
}

// Synch adds the device-resident profile into out and clears the device
// copy.
func (e *DeviceEngine) Synch(ctx context.Context, out *signal.PhaseSeries) error {
	if !e.dirty {
		return nil
	}
	if out.NBin() != e.shape.NDat || out.NChan != e.shape.NChan || out.NPol != e.shape.NPol || out.NDim != e.shape.NDim {
		return fault.InvalidState("fold.DeviceEngine", "profile shape differs from device copy")
	}
	if cap(e.hostAmps) < e.amps.Len() {
		e.hostAmps = make([]float32, e.amps.Len())
	}
	e.hostAmps = e.hostAmps[:e.amps.Len()]
	if cap(e.hostHits) < e.hits.Len() {
		e.hostHits = make([]uint64, e.hits.Len())
	}
	e.hostHits = e.hostHits[:e.hits.Len()]

	if _, err := e.amps.Download(e.hostAmps); err != nil {
		return err
	}
	if _, err := e.hits.Download(e.hostHits); err != nil {
		return err
	}
	if _, err := e.amps.Zero(); err != nil {
		return err
	}
	if _, err := e.hits.Zero(); err != nil {
		return err
	}
	if err := e.stream.Synchronize(ctx); err != nil {
		return err
	}
	e.dirty = false

	nbin, ndim := e.shape.NDat, e.shape.NDim
	for ichan := 0; ichan < out.NChan; ichan++ {
		for ipol := 0; ipol < out.NPol; ipol++ {
			src := e.hostAmps[(ichan*out.NPol+ipol)*nbin*ndim:]
			dst := out.Amps(ichan, ipol)
			for i := range dst {
				dst[i] += src[i]
			}
		}
	}
	for i, h := range e.hostHits {
		out.Hits()[i] += h
	}
	return nil
}
