package fold

import (
	"github.com/rs/xid"

	"github.com/dudk/pulsefold/signal"
)

// Polynomial is a Taylor series phase model:
//
//	phase(t) = Phase0 + f*dt + f'*dt^2/2! + f''*dt^3/3! + ...
//
// where dt is the time since Epoch in seconds.
type Polynomial struct {
	id          string
	Epoch       signal.MJD
	Phase0      float64   // turns
	Frequencies []float64 // f, f', f'', ... in Hz, Hz/s, ...
}

// NewPolynomial returns a phase model with a unique identity. Profiles
// folded with the same model can be combined.
func NewPolynomial(epoch signal.MJD, phase0 float64, frequencies ...float64) *Polynomial {
	return &Polynomial{
		id:          xid.New().String(),
		Epoch:       epoch,
		Phase0:      phase0,
		Frequencies: frequencies,
	}
}

// ID returns the identity of the model.
func (p *Polynomial) ID() string {
	return p.id
}

// Phase returns the rotational phase in turns at t.
func (p *Polynomial) Phase(t signal.MJD) float64 {
	dt := t.Sub(p.Epoch)
	phase, term := p.Phase0, 1.0
	for k, f := range p.Frequencies {
		term *= dt / float64(k+1)
		phase += f * term
	}
	return phase
}

// Frequency returns the spin frequency in Hz at t.
func (p *Polynomial) Frequency(t signal.MJD) float64 {
	dt := t.Sub(p.Epoch)
	freq, term := 0.0, 1.0
	for k, f := range p.Frequencies {
		if k > 0 {
			term *= dt / float64(k)
		}
		freq += f * term
	}
	return freq
}
