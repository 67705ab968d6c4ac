package signal

import (
	"fmt"
	"math"
)

// Order is the order of dimensions in a floating point container.
type Order int

const (
	// OrderFPT stores every channel/polarization block contiguously:
	// frequency, polarization, time, dimension.
	OrderFPT Order = iota
	// OrderTFP stores every time sample contiguously:
	// time, frequency, polarization, dimension.
	OrderTFP
)

func (o Order) String() string {
	switch o {
	case OrderFPT:
		return "FPT"
	case OrderTFP:
		return "TFP"
	}
	return "unknown"
}

// secondsPerDay is the length of one MJD day.
const secondsPerDay = 86400.0

// MJD is a modified julian date split into days and seconds, so long
// observations keep sub-microsecond resolution.
type MJD struct {
	Day int64
	Sec float64
}

// NewMJD converts fractional days into MJD.
func NewMJD(days float64) MJD {
	d := math.Floor(days)
	return MJD{Day: int64(d), Sec: (days - d) * secondsPerDay}.normalize()
}

// Add returns m shifted by sec seconds.
func (m MJD) Add(sec float64) MJD {
	m.Sec += sec
	return m.normalize()
}

// Sub returns m - o in seconds.
func (m MJD) Sub(o MJD) float64 {
	return float64(m.Day-o.Day)*secondsPerDay + (m.Sec - o.Sec)
}

// After reports whether m is later than o.
func (m MJD) After(o MJD) bool {
	return m.Sub(o) > 0
}

// Float returns fractional days.
func (m MJD) Float() float64 {
	return float64(m.Day) + m.Sec/secondsPerDay
}

func (m MJD) String() string {
	return fmt.Sprintf("%d+%.9fs", m.Day, m.Sec)
}

func (m MJD) normalize() MJD {
	if m.Sec >= 0 && m.Sec < secondsPerDay {
		return m
	}
	d := math.Floor(m.Sec / secondsPerDay)
	m.Day += int64(d)
	m.Sec -= d * secondsPerDay
	return m
}

// Observation describes a stream of samples. Every container carries one.
type Observation struct {
	Rate            float64 // samples per second
	Start           MJD     // time of the first sample
	NChan           int
	NPol            int
	NDim            int
	NBit            int
	CentreFrequency float64 // MHz
	Bandwidth       float64 // MHz
	Order           Order
	NDat            int // number of time samples
}

// AcceptFunc decides whether a mismatch of the named field is tolerated.
type AcceptFunc func(field string) bool

// Mismatch returns the reason why obs and o cannot be combined, or an
// empty string if they can. Start time and sample count are never
// compared. If accept is not nil, it may tolerate individual fields.
func (obs Observation) Mismatch(o Observation, accept AcceptFunc) string {
	check := []struct {
		field string
		equal bool
		a, b  interface{}
	}{
		{"rate", obs.Rate == o.Rate, obs.Rate, o.Rate},
		{"nchan", obs.NChan == o.NChan, obs.NChan, o.NChan},
		{"npol", obs.NPol == o.NPol, obs.NPol, o.NPol},
		{"ndim", obs.NDim == o.NDim, obs.NDim, o.NDim},
		{"nbit", obs.NBit == o.NBit, obs.NBit, o.NBit},
		{"centre frequency", obs.CentreFrequency == o.CentreFrequency, obs.CentreFrequency, o.CentreFrequency},
		{"bandwidth", obs.Bandwidth == o.Bandwidth, obs.Bandwidth, o.Bandwidth},
		{"order", obs.Order == o.Order, obs.Order, o.Order},
	}
	for _, c := range check {
		if c.equal || (accept != nil && accept(c.field)) {
			continue
		}
		return fmt.Sprintf("%s mismatch: %v != %v", c.field, c.a, c.b)
	}
	return ""
}

// Combinable reports whether obs and o describe the same kind of stream.
func (obs Observation) Combinable(o Observation) bool {
	return obs.Mismatch(o, nil) == ""
}

// Duration returns the length of ndat samples in seconds.
func (obs Observation) Duration(ndat int) float64 {
	if obs.Rate == 0 {
		return 0
	}
	return float64(ndat) / obs.Rate
}

// TimeOf returns the time of the leading edge of sample idat.
func (obs Observation) TimeOf(idat int) MJD {
	return obs.Start.Add(obs.Duration(idat))
}

// EndTime returns the time of the tail edge of the last sample.
func (obs Observation) EndTime() MJD {
	return obs.TimeOf(obs.NDat)
}

// NFloat returns the number of values in one time sample.
func (obs Observation) NFloat() int {
	return obs.NChan * obs.NPol * obs.NDim
}

// NBytes returns the number of bytes required to store ndat digitized
// samples.
func (obs Observation) NBytes(ndat int) int {
	return (ndat*obs.NFloat()*obs.NBit + 7) / 8
}

// validate reports a reason why obs cannot describe a stream.
func (obs Observation) validate() string {
	switch {
	case obs.NChan < 1:
		return fmt.Sprintf("nchan=%d", obs.NChan)
	case obs.NPol < 1:
		return fmt.Sprintf("npol=%d", obs.NPol)
	case obs.NDim < 1:
		return fmt.Sprintf("ndim=%d", obs.NDim)
	case obs.Rate <= 0:
		return fmt.Sprintf("rate=%v", obs.Rate)
	case obs.NDat < 0:
		return fmt.Sprintf("ndat=%d", obs.NDat)
	}
	return ""
}
