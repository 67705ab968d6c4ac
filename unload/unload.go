// Package unload provides destinations of merged profiles.
package unload

import (
	"context"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
)

// Unloader persists or transmits profiles. It is only called with fully
// combined, non-empty profiles and must not keep a reference to the
// passed profile after returning.
type Unloader interface {
	Unload(ctx context.Context, ps *signal.PhaseSeries) error
}

// Memory keeps copies of unloaded profiles. It's safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	profiles []*signal.PhaseSeries
}

// Unload stores a copy of ps.
func (m *Memory) Unload(_ context.Context, ps *signal.PhaseSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = append(m.profiles, ps.Clone())
	return nil
}

// Profiles returns the unloaded profiles in unload order.
func (m *Memory) Profiles() []*signal.PhaseSeries {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*signal.PhaseSeries(nil), m.profiles...)
}

// Archive is the serialized form of a profile.
type Archive struct {
	Start             string      `yaml:"start"`
	End               string      `yaml:"end"`
	StartMJD          float64     `yaml:"start_mjd"`
	IntegrationLength float64     `yaml:"integration_length"`
	CentreFrequency   float64     `yaml:"centre_frequency"`
	Bandwidth         float64     `yaml:"bandwidth"`
	NChan             int         `yaml:"nchan"`
	NPol              int         `yaml:"npol"`
	NDim              int         `yaml:"ndim"`
	NBin              int         `yaml:"nbin"`
	FoldingPeriod     float64     `yaml:"folding_period,omitempty"`
	Predictor         string      `yaml:"predictor,omitempty"`
	ReferencePhase    float64     `yaml:"reference_phase"`
	Hits              []uint64    `yaml:"hits,flow"`
	Amps              [][]float32 `yaml:"amps"`
}

// NewArchive returns the serialized form of ps. Amps holds one row of
// NBin*NDim values per channel and polarization.
func NewArchive(ps *signal.PhaseSeries) Archive {
	a := Archive{
		Start:             ps.Start.String(),
		End:               ps.EndTime().String(),
		StartMJD:          ps.Start.Float(),
		IntegrationLength: ps.IntegrationLength(),
		CentreFrequency:   ps.CentreFrequency,
		Bandwidth:         ps.Bandwidth,
		NChan:             ps.NChan,
		NPol:              ps.NPol,
		NDim:              ps.NDim,
		NBin:              ps.NBin(),
		FoldingPeriod:     ps.FoldingPeriod(),
		ReferencePhase:    ps.ReferencePhase(),
		Hits:              append([]uint64(nil), ps.Hits()...),
	}
	if p := ps.Predictor(); p != nil {
		a.Predictor = p.ID()
	}
	for ichan := 0; ichan < ps.NChan; ichan++ {
		for ipol := 0; ipol < ps.NPol; ipol++ {
			a.Amps = append(a.Amps, append([]float32(nil), ps.Amps(ichan, ipol)...))
		}
	}
	return a
}

// YAML writes every profile as a separate YAML document.
type YAML struct {
	mu      sync.Mutex
	encoder *yaml.Encoder
	closer  io.Closer
}

// NewYAML returns an unloader writing to w. If w is an io.Closer, it's
// closed by Close.
func NewYAML(w io.Writer) *YAML {
	y := &YAML{encoder: yaml.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		y.closer = c
	}
	return y
}

// Unload writes ps.
func (y *YAML) Unload(_ context.Context, ps *signal.PhaseSeries) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if err := y.encoder.Encode(NewArchive(ps)); err != nil {
		return fault.IO("unload.YAML", err)
	}
	return nil
}

// Close flushes the encoder and closes the destination.
func (y *YAML) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if err := y.encoder.Close(); err != nil {
		return fault.IO("unload.YAML", err)
	}
	if y.closer != nil {
		if err := y.closer.Close(); err != nil {
			return fault.IO("unload.YAML", err)
		}
	}
	return nil
}
