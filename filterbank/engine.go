package filterbank

import (
	"context"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/dudk/pulsefold/fault"
)

// Plan holds the shape parameters an engine is configured with.
type Plan struct {
	NChanSub int  // output channels per input channel
	FreqRes  int  // length of the backward transforms
	NFiltPos int  // samples discarded at the front of every backward transform
	NKeep    int  // samples kept from every backward transform
	NSampFFT int  // input samples per forward transform
	Real     bool // input samples are real valued
}

// validate returns ErrUnsupported if no engine can run p.
func (p Plan) validate(op string) error {
	switch {
	case p.NChanSub < 1:
		return fault.Unsupported(op, "nchan_sub=%d", p.NChanSub)
	case p.FreqRes < 1:
		return fault.Unsupported(op, "freq_res=%d", p.FreqRes)
	case p.NKeep < 1 || p.NFiltPos+p.NKeep > p.FreqRes:
		return fault.Unsupported(op, "keeping %d of %d samples from %d", p.NKeep, p.FreqRes, p.NFiltPos)
	case p.NSampFFT < 1:
		return fault.Unsupported(op, "nsamp_fft=%d", p.NSampFFT)
	}
	return nil
}

// Output addresses the complex values an engine writes for one part of
// the input. The value of sub-channel c, polarization p and kept sample
// s starts at c*ChanSpan + p*PolSpan + s*SampleSpan, followed by its
// imaginary part.
type Output struct {
	Data       []float32
	ChanSpan   int
	PolSpan    int
	SampleSpan int
}

// Engine channelizes blocks of one input channel.
type Engine interface {
	// Setup configures the engine. Scratch memory is owned by the engine.
	Setup(Plan) error
	// DualPol reports whether Perform accepts both polarizations at once.
	DualPol() bool
	// Perform channelizes NSampFFT samples of one or two polarizations.
	// Every slice of in holds interleaved samples of one polarization.
	Perform(ctx context.Context, in [][]float32, out Output) error
	// Finish blocks until every result is written to its output.
	Finish(ctx context.Context) error
}

// kernel is the channelizing transform shared by the engines.
type kernel struct {
	plan     Plan
	scale    float64
	forward  *fourier.CmplxFFT
	real     *fourier.FFT
	backward *fourier.CmplxFFT

	rseq     []float64
	seq      []complex128
	coeff    []complex128
	spectrum []complex128
	sub      []complex128
	result   []complex128
}

func newKernel(p Plan) *kernel {
	k := &kernel{
		plan:     p,
		scale:    1 / float64(p.NSampFFT),
		backward: fourier.NewCmplxFFT(p.FreqRes),
		sub:      make([]complex128, p.FreqRes),
		result:   make([]complex128, p.FreqRes),
	}
	if p.Real {
		k.real = fourier.NewFFT(p.NSampFFT)
		k.rseq = make([]float64, p.NSampFFT)
		k.spectrum = make([]complex128, p.NSampFFT/2+1)
	} else {
		k.forward = fourier.NewCmplxFFT(p.NSampFFT)
		k.seq = make([]complex128, p.NSampFFT)
		k.coeff = make([]complex128, p.NSampFFT)
		k.spectrum = make([]complex128, p.NSampFFT)
	}
	return k
}

// channelize transforms the samples of polarization ipol. Sub-channel 0
// holds the lowest frequency.
func (k *kernel) channelize(in []float32, out Output, ipol int) {
	p := k.plan
	n := p.NSampFFT
	if p.Real {
		for i := range k.rseq {
			k.rseq[i] = float64(in[i])
		}
		k.spectrum = k.real.Coefficients(k.spectrum, k.rseq)
	} else {
		for i := range k.seq {
			k.seq[i] = complex(float64(in[2*i]), float64(in[2*i+1]))
		}
		k.coeff = k.forward.Coefficients(k.coeff, k.seq)
		// most negative frequency first
		half := (n + 1) / 2
		for i := range k.spectrum {
			k.spectrum[i] = k.coeff[(i+half)%n]
		}
	}
	for isub := 0; isub < p.NChanSub; isub++ {
		band := k.spectrum[isub*p.FreqRes : (isub+1)*p.FreqRes]
		// centre of the band becomes zero frequency
		for i := range k.sub {
			k.sub[i] = band[(i+p.FreqRes/2)%p.FreqRes]
		}
		k.result = k.backward.Sequence(k.result, k.sub)
		for ikeep := 0; ikeep < p.NKeep; ikeep++ {
			v := k.result[p.NFiltPos+ikeep]
			o := isub*out.ChanSpan + ipol*out.PolSpan + ikeep*out.SampleSpan
			out.Data[o] = float32(real(v) * k.scale)
			out.Data[o+1] = float32(imag(v) * k.scale)
		}
	}
}

// CPUEngine channelizes on the calling goroutine.
type CPUEngine struct {
	kernel *kernel
}

// NewCPUEngine returns an engine backed by gonum FFTs.
func NewCPUEngine() *CPUEngine {
	return &CPUEngine{}
}

// Setup allocates the transforms of p.
func (e *CPUEngine) Setup(p Plan) error {
	if err := p.validate("filterbank.CPUEngine"); err != nil {
		return err
	}
	e.kernel = newKernel(p)
	return nil
}

// DualPol returns false, polarizations are processed one at a time.
func (*CPUEngine) DualPol() bool {
	return false
}

// Perform channelizes the first polarization of in.
func (e *CPUEngine) Perform(_ context.Context, in [][]float32, out Output) error {
	if e.kernel == nil {
		return fault.InvalidState("filterbank.CPUEngine", "engine is not set up")
	}
	for ipol, pol := range in {
		e.kernel.channelize(pol, out, ipol)
	}
	return nil
}

// Finish returns immediately, results are written by Perform.
func (*CPUEngine) Finish(context.Context) error {
	return nil
}
