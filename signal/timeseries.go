package signal

import (
	"math"

	"github.com/dudk/pulsefold/fault"
)

// TimeSeries stores floating point samples addressed by channel,
// polarization, time and dimension. In OrderFPT every channel and
// polarization pair occupies its own block of subsize floats; in
// OrderTFP there is a single block holding whole time samples.
//
// The data origin may be offset from the start of each block by Seek,
// which drops a processed prefix without moving memory.
type TimeSeries struct {
	Observation

	buffer  []float32
	owned   bool
	subsize int // floats per block
	seek    int // samples between the start of a block and the origin
}

// NewTimeSeries returns an empty container for data described by obs.
func NewTimeSeries(obs Observation) *TimeSeries {
	obs.NBit = 32
	obs.NDat = 0
	return &TimeSeries{Observation: obs}
}

// Samples returns the number of time samples.
func (ts *TimeSeries) Samples() int {
	return ts.NDat
}

// Descriptor returns the stream descriptor of ts.
func (ts *TimeSeries) Descriptor() Observation {
	return ts.Observation
}

// Size returns the size of the allocation in floats.
func (ts *TimeSeries) Size() int {
	return len(ts.buffer)
}

// Subsize returns the number of floats reserved for each block.
func (ts *TimeSeries) Subsize() int {
	return ts.subsize
}

// Owned reports whether ts owns its allocation.
func (ts *TimeSeries) Owned() bool {
	return ts.owned
}

// Stride returns the number of floats between consecutive time samples of
// one channel and polarization.
func (ts *TimeSeries) Stride() int {
	if ts.Order == OrderTFP {
		return ts.NFloat()
	}
	return ts.NDim
}

func (ts *TimeSeries) nblock() int {
	if ts.Order == OrderTFP {
		return 1
	}
	return ts.NChan * ts.NPol
}

// Capacity returns the number of samples which fit after the origin.
func (ts *TimeSeries) Capacity() int {
	stride := ts.Stride()
	if stride == 0 {
		return 0
	}
	return ts.subsize/stride - ts.seek
}

// Full reports whether every sample after the origin is in use.
func (ts *TimeSeries) Full() bool {
	return ts.Capacity() == ts.NDat
}

// Resize allocates space for ndat samples after the origin is reset and
// sets NDat. An owned allocation is reused if it is large enough.
// Addresses into the previous allocation are invalid afterwards.
func (ts *TimeSeries) Resize(ndat int) {
	subsize := ndat * ts.Stride()
	n := subsize * ts.nblock()
	if !ts.owned || cap(ts.buffer) < n {
		ts.buffer = make([]float32, n)
		ts.owned = true
	}
	ts.buffer = ts.buffer[:n]
	ts.subsize = subsize
	ts.seek = 0
	ts.NDat = ndat
}

// Attach moves an owned allocation into ts, releasing the current one.
// The allocation is split into blocks according to the descriptor and
// NDat is set to the resulting capacity.
func (ts *TimeSeries) Attach(o *Owned[float32]) error {
	if reason := ts.validate(); reason != "" {
		return fault.InvalidState("TimeSeries.Attach", "%s", reason)
	}
	ts.use(o.Take(), true)
	return nil
}

// Alias points ts at caller-managed memory without taking ownership.
func (ts *TimeSeries) Alias(buf []float32) error {
	if reason := ts.validate(); reason != "" {
		return fault.InvalidState("TimeSeries.Alias", "%s", reason)
	}
	ts.use(buf, false)
	return nil
}

func (ts *TimeSeries) use(buf []float32, owned bool) {
	stride := ts.Stride()
	ts.buffer = buf
	ts.owned = owned
	ts.subsize = len(buf) / ts.nblock() / stride * stride
	ts.seek = 0
	ts.NDat = ts.Capacity()
}

// Seek moves the origin by offset samples inside the allocation. Positive
// offsets drop samples from the front, negative offsets restore them.
// NDat and Start are adjusted accordingly.
func (ts *TimeSeries) Seek(offset int) error {
	seek := ts.seek + offset
	if seek < 0 || seek*ts.Stride() > ts.subsize {
		return fault.InvalidState("TimeSeries.Seek", "offset %d moves origin to %d outside [0, %d]", offset, seek, ts.subsize/max(ts.Stride(), 1))
	}
	ts.seek = seek
	ts.NDat = min(max(ts.NDat-offset, 0), ts.Capacity())
	ts.Start = ts.Start.Add(ts.Duration(offset))
	return nil
}

// Datptr returns the floats of channel ichan and polarization ipol from
// the origin to the end of the block. In OrderTFP the returned slice
// starts at the requested value and samples are Stride floats apart.
func (ts *TimeSeries) Datptr(ichan, ipol int) []float32 {
	if ts.Order == OrderTFP {
		from := ts.seek*ts.Stride() + (ichan*ts.NPol+ipol)*ts.NDim
		return ts.buffer[from:ts.subsize]
	}
	block := (ichan*ts.NPol + ipol) * ts.subsize
	return ts.buffer[block+ts.seek*ts.NDim : block+ts.subsize]
}

// Index returns the position of a value in Data.
func (ts *TimeSeries) Index(ichan, ipol, idat, idim int) int {
	if ts.Order == OrderTFP {
		return (ts.seek+idat)*ts.Stride() + (ichan*ts.NPol+ipol)*ts.NDim + idim
	}
	return (ichan*ts.NPol+ipol)*ts.subsize + (ts.seek+idat)*ts.NDim + idim
}

// At returns a single value.
func (ts *TimeSeries) At(ichan, ipol, idat, idim int) float32 {
	return ts.buffer[ts.Index(ichan, ipol, idat, idim)]
}

// Set assigns a single value.
func (ts *TimeSeries) Set(ichan, ipol, idat, idim int, v float32) {
	ts.buffer[ts.Index(ichan, ipol, idat, idim)] = v
}

// Data returns the whole allocation. Use Index to address it.
func (ts *TimeSeries) Data() []float32 {
	return ts.buffer
}

// span returns the floats of block from sample idat, count samples long.
func (ts *TimeSeries) span(block, idat, count int) []float32 {
	stride := ts.Stride()
	from := block*ts.subsize + (ts.seek+idat)*stride
	return ts.buffer[from : from+count*stride]
}

// Append copies as many samples of o as fit in the remaining capacity and
// returns their number. Zero means nothing was copied and ts is assumed
// full; a nonzero count less than o.NDat also means ts is now full.
func (ts *TimeSeries) Append(o *TimeSeries) (int, error) {
	room := ts.Capacity() - ts.NDat
	if room <= 0 || o.NDat == 0 {
		return 0, nil
	}
	if reason := ts.shapeMismatch(o); reason != "" {
		return 0, fault.InvalidState("TimeSeries.Append", "%s", reason)
	}
	if ts.NDat == 0 {
		obs := o.Observation
		obs.NDat = 0
		ts.Observation = obs
	} else {
		if reason := ts.Mismatch(o.Observation, nil); reason != "" {
			return 0, fault.InvalidState("TimeSeries.Append", "%s", reason)
		}
		if gap := o.Start.Sub(ts.EndTime()); math.Abs(gap) > 0.5/ts.Rate {
			return 0, fault.InvalidState("TimeSeries.Append", "%g s gap between end %v and start %v", gap, ts.EndTime(), o.Start)
		}
	}
	n := min(room, o.NDat)
	for b := 0; b < ts.nblock(); b++ {
		copy(ts.span(b, ts.NDat, n), o.span(b, 0, n))
	}
	ts.NDat += n
	return n, nil
}

// CopyFromFront copies the first n samples of src into the front of ts.
// Metadata of ts is not updated. The source and destination ranges must
// not overlap.
func (ts *TimeSeries) CopyFromFront(src *TimeSeries, n int) error {
	return ts.copyFrom(src, 0, n, "TimeSeries.CopyFromFront")
}

// CopyFromBack copies the last n samples of src into the front of ts.
// Metadata of ts is not updated. The source and destination ranges must
// not overlap.
func (ts *TimeSeries) CopyFromBack(src *TimeSeries, n int) error {
	return ts.copyFrom(src, src.NDat-n, n, "TimeSeries.CopyFromBack")
}

func (ts *TimeSeries) copyFrom(src *TimeSeries, from, n int, op string) error {
	if reason := ts.shapeMismatch(src); reason != "" {
		return fault.InvalidState(op, "%s", reason)
	}
	if n < 0 || n > src.NDat {
		return fault.InvalidState(op, "%d samples requested from %d", n, src.NDat)
	}
	if n > ts.Capacity() {
		return fault.InvalidState(op, "%d samples exceed capacity %d", n, ts.Capacity())
	}
	for b := 0; b < ts.nblock(); b++ {
		copy(ts.span(b, 0, n), src.span(b, from, n))
	}
	return nil
}

func (ts *TimeSeries) shapeMismatch(o *TimeSeries) string {
	return ts.Mismatch(o.Observation, func(field string) bool {
		switch field {
		case "nchan", "npol", "ndim", "order":
			return false
		}
		return true
	})
}

// Zero sets every value after the origin to zero.
func (ts *TimeSeries) Zero() {
	for b := 0; b < ts.nblock(); b++ {
		clear(ts.span(b, 0, ts.Capacity()))
	}
}

// Validate returns nil if ts can be consumed by a stage.
func (ts *TimeSeries) Validate() error {
	if reason := ts.validate(); reason != "" {
		return fault.InvalidState("TimeSeries.Validate", "%s", reason)
	}
	if ts.NBit != 32 {
		return fault.InvalidState("TimeSeries.Validate", "nbit=%d", ts.NBit)
	}
	if ts.NDat > ts.Capacity() {
		return fault.InvalidState("TimeSeries.Validate", "ndat=%d exceeds capacity %d", ts.NDat, ts.Capacity())
	}
	if ts.nblock()*ts.subsize > len(ts.buffer) {
		return fault.InvalidState("TimeSeries.Validate", "%d blocks of %d floats exceed allocation of %d", ts.nblock(), ts.subsize, len(ts.buffer))
	}
	return nil
}
