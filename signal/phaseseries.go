package signal

import (
	"fmt"

	"github.com/dudk/pulsefold/fault"
)

// Predictor models the rotational phase of a pulsar.
type Predictor interface {
	// Phase returns the rotational phase in turns at time t.
	Phase(t MJD) float64
	// Frequency returns the instantaneous spin frequency in Hz at time t.
	Frequency(t MJD) float64
	// ID identifies the model. Profiles folded with predictors of equal
	// ID can be combined.
	ID() string
}

// PhaseSeries accumulates folded samples. Its time axis is pulse phase:
// NDat equals the number of phase bins and every chan/pol block holds the
// summed amplitudes of each bin. Hits counts the time samples integrated
// into each bin.
type PhaseSeries struct {
	TimeSeries

	hits        []uint64
	integration float64 // seconds
	end         MJD

	period    float64
	predictor Predictor
	refPhase  float64
}

// NewPhaseSeries allocates an accumulator of nbin phase bins for data
// described by obs. Rate and order of obs are not relevant to profiles.
func NewPhaseSeries(obs Observation, nbin int) *PhaseSeries {
	obs.Order = OrderFPT
	ps := &PhaseSeries{TimeSeries: *NewTimeSeries(obs)}
	ps.Resize(nbin)
	return ps
}

// Resize sets the number of phase bins and zeroes the profile.
func (ps *PhaseSeries) Resize(nbin int) {
	ps.TimeSeries.Resize(nbin)
	if cap(ps.hits) < nbin {
		ps.hits = make([]uint64, nbin)
	}
	ps.hits = ps.hits[:nbin]
	ps.Zero()
}

// Seek is not supported, the time axis of a profile is pulse phase.
func (ps *PhaseSeries) Seek(int) error {
	return fault.InvalidState("PhaseSeries.Seek", "profiles cannot move their origin")
}

// Append is not supported, profiles are combined with Add.
func (ps *PhaseSeries) Append(*TimeSeries) (int, error) {
	return 0, fault.InvalidState("PhaseSeries.Append", "profiles are combined with Add")
}

// Attach is not supported, memory of a profile is sized by Resize.
func (ps *PhaseSeries) Attach(*Owned[float32]) error {
	return fault.InvalidState("PhaseSeries.Attach", "profiles own their memory")
}

// Alias is not supported, memory of a profile is sized by Resize.
func (ps *PhaseSeries) Alias([]float32) error {
	return fault.InvalidState("PhaseSeries.Alias", "profiles own their memory")
}

// NBin returns the number of phase bins.
func (ps *PhaseSeries) NBin() int {
	return ps.NDat
}

// Hits returns the number of samples integrated into each bin.
func (ps *PhaseSeries) Hits() []uint64 {
	return ps.hits
}

// Amps returns the summed amplitudes of channel ichan and polarization
// ipol, NBin*NDim values.
func (ps *PhaseSeries) Amps(ichan, ipol int) []float32 {
	return ps.Datptr(ichan, ipol)[:ps.NDat*ps.NDim]
}

// TotalHits returns the number of samples integrated.
func (ps *PhaseSeries) TotalHits() uint64 {
	var total uint64
	for _, h := range ps.hits {
		total += h
	}
	return total
}

// IntegrationLength returns the number of seconds integrated.
func (ps *PhaseSeries) IntegrationLength() float64 {
	return ps.integration
}

// EndTime returns the tail edge of the last integrated sample.
func (ps *PhaseSeries) EndTime() MJD {
	return ps.end
}

// Integrate records that ndat samples of obs were folded.
func (ps *PhaseSeries) Integrate(obs Observation) {
	first := ps.integration == 0
	if first {
		ps.Start = obs.Start
	}
	ps.integration += obs.Duration(obs.NDat)
	if end := obs.EndTime(); first || end.After(ps.end) {
		ps.end = end
	}
	ps.Rate = obs.Rate
}

// SetFoldingPeriod makes ps a profile folded at a constant period.
func (ps *PhaseSeries) SetFoldingPeriod(period float64) {
	ps.period = period
	ps.predictor = nil
}

// FoldingPeriod returns the constant folding period, or zero.
func (ps *PhaseSeries) FoldingPeriod() float64 {
	return ps.period
}

// SetPredictor makes ps a profile folded with a phase model.
func (ps *PhaseSeries) SetPredictor(p Predictor) {
	ps.predictor = p
	ps.period = 0
}

// Predictor returns the phase model, or nil.
func (ps *PhaseSeries) Predictor() Predictor {
	return ps.predictor
}

// SetReferencePhase sets the phase added before binning.
func (ps *PhaseSeries) SetReferencePhase(phase float64) {
	ps.refPhase = phase
}

// ReferencePhase returns the phase added before binning.
func (ps *PhaseSeries) ReferencePhase() float64 {
	return ps.refPhase
}

// Empty reports whether nothing has been integrated.
func (ps *PhaseSeries) Empty() bool {
	return ps.integration == 0 && ps.TotalHits() == 0
}

// Zero resets amplitudes, hits and integration length. Memory is kept.
func (ps *PhaseSeries) Zero() {
	ps.TimeSeries.Zero()
	clear(ps.hits)
	ps.integration = 0
	ps.end = MJD{}
}

// Accepts reports why a stream described by obs cannot be folded into ps,
// or an empty string if it can. Sample rate is not compared.
func (ps *PhaseSeries) Accepts(obs Observation) string {
	return ps.Mismatch(obs, func(field string) bool {
		switch field {
		case "rate", "order", "nbit":
			return true
		}
		return false
	})
}

// CombineMismatch returns the reason why ps and o cannot be combined, or an
// empty string if they can. Profiles are combinable at any sample rate
// and any start time.
func (ps *PhaseSeries) CombineMismatch(o *PhaseSeries) string {
	if ps.NBin() != o.NBin() {
		return fmt.Sprintf("nbin mismatch: %d != %d", ps.NBin(), o.NBin())
	}
	if reason := ps.Accepts(o.Observation); reason != "" {
		return reason
	}
	switch {
	case (ps.predictor == nil) != (o.predictor == nil):
		return "folding source mismatch: period and predictor"
	case ps.predictor != nil && ps.predictor.ID() != o.predictor.ID():
		return fmt.Sprintf("predictor mismatch: %s != %s", ps.predictor.ID(), o.predictor.ID())
	case ps.predictor == nil && ps.period != o.period:
		return fmt.Sprintf("folding period mismatch: %v != %v", ps.period, o.period)
	case ps.refPhase != o.refPhase:
		return fmt.Sprintf("reference phase mismatch: %v != %v", ps.refPhase, o.refPhase)
	}
	return ""
}

// Combinable reports whether o can be added to ps.
func (ps *PhaseSeries) Combinable(o *PhaseSeries) bool {
	return ps.CombineMismatch(o) == ""
}

// Add merges o into ps: amplitudes and hits are summed element-wise,
// integration lengths are summed and the later end time is kept.
func (ps *PhaseSeries) Add(o *PhaseSeries) error {
	if reason := ps.CombineMismatch(o); reason != "" {
		return fault.InvalidState("PhaseSeries.Add", "%s", reason)
	}
	if o.Empty() {
		return nil
	}
	if ps.Empty() || o.Start.Sub(ps.Start) < 0 {
		ps.Start = o.Start
	}
	for ichan := 0; ichan < ps.NChan; ichan++ {
		for ipol := 0; ipol < ps.NPol; ipol++ {
			dst, src := ps.Amps(ichan, ipol), o.Amps(ichan, ipol)
			for i := range dst {
				dst[i] += src[i]
			}
		}
	}
	for i := range ps.hits {
		ps.hits[i] += o.hits[i]
	}
	ps.integration += o.integration
	if o.end.After(ps.end) {
		ps.end = o.end
	}
	return nil
}

// Clone returns a deep copy of ps.
func (ps *PhaseSeries) Clone() *PhaseSeries {
	c := NewPhaseSeries(ps.Observation, ps.NBin())
	c.period, c.predictor, c.refPhase = ps.period, ps.predictor, ps.refPhase
	c.Start, c.Rate = ps.Start, ps.Rate
	c.integration, c.end = ps.integration, ps.end
	copy(c.hits, ps.hits)
	for ichan := 0; ichan < ps.NChan; ichan++ {
		for ipol := 0; ipol < ps.NPol; ipol++ {
			copy(c.Amps(ichan, ipol), ps.Amps(ichan, ipol))
		}
	}
	return c
}

// Validate returns nil if ps is a consistent profile.
func (ps *PhaseSeries) Validate() error {
	if err := ps.TimeSeries.Validate(); err != nil {
		return err
	}
	if len(ps.hits) != ps.NDat {
		return fault.InvalidState("PhaseSeries.Validate", "%d hits for %d bins", len(ps.hits), ps.NDat)
	}
	return nil
}
