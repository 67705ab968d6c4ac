package filterbank

import (
	"context"

	"github.com/dudk/pulsefold/device"
	"github.com/dudk/pulsefold/fault"
)

// DeviceEngine channelizes on a device stream. Both polarizations are
// uploaded and transformed by one command. Results are written to the
// host asynchronously, Finish waits for them.
type DeviceEngine struct {
	stream *device.Stream
	plan   Plan
	kernel *kernel

	input  [2]*device.Buffer[float32]
	result *device.Buffer[float32]
}

// NewDeviceEngine returns an engine bound to s. The stream is not owned
// by the engine.
func NewDeviceEngine(s *device.Stream) *DeviceEngine {
	return &DeviceEngine{stream: s}
}

// Setup allocates device memory for p.
func (e *DeviceEngine) Setup(p Plan) error {
	if err := p.validate("filterbank.DeviceEngine"); err != nil {
		return err
	}
	ndim := 2
	if p.Real {
		ndim = 1
	}
	e.plan = p
	e.kernel = newKernel(p)
	for i := range e.input {
		e.input[i] = device.NewBuffer[float32](e.stream, p.NSampFFT*ndim)
	}
	e.result = device.NewBuffer[float32](e.stream, len(e.input)*p.NChanSub*p.NKeep*2)
	return nil
}

// DualPol returns true.
func (*DeviceEngine) DualPol() bool {
	return true
}

// Perform enqueues the transform of up to two polarizations. Memory of in
// and out must not be modified until Finish returns.
func (e *DeviceEngine) Perform(_ context.Context, in [][]float32, out Output) error {
	if e.kernel == nil {
		return fault.InvalidState("filterbank.DeviceEngine", "engine is not set up")
	}
	if len(in) > len(e.input) {
		return fault.Unsupported("filterbank.DeviceEngine", "%d polarizations", len(in))
	}
	npol := len(in)
	for ipol, pol := range in {
		if _, err := e.input[ipol].Upload(pol); err != nil {
			return err
		}
	}
	p := e.plan
	result := Output{
		ChanSpan:   p.NKeep * 2,
		PolSpan:    p.NChanSub * p.NKeep * 2,
		SampleSpan: 2,
	}
	if _, err := e.stream.Enqueue(func() error {
		result.Data = e.result.Memory()
		for ipol := 0; ipol < npol; ipol++ {
			e.kernel.channelize(e.input[ipol].Memory(), result, ipol)
		}
		return nil
	}); err != nil {
		return err
	}
	// scatter into the strided host output
	_, err := e.stream.Enqueue(func() error {
		src := e.result.Memory()
		for ipol := 0; ipol < npol; ipol++ {
			for isub := 0; isub < p.NChanSub; isub++ {
				for ikeep := 0; ikeep < p.NKeep; ikeep++ {
					s := isub*result.ChanSpan + ipol*result.PolSpan + ikeep*result.SampleSpan
					d := isub*out.ChanSpan + ipol*out.PolSpan + ikeep*out.SampleSpan
					out.Data[d] = src[s]
					out.Data[d+1] = src[s+1]
				}
			}
		}
		return nil
	})
	return err
}

// Finish waits until every enqueued transform is written to the host.
func (e *DeviceEngine) Finish(ctx context.Context) error {
	return e.stream.Synchronize(ctx)
}
