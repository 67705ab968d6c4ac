package signal_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
)

var obs = signal.Observation{
	Rate:            1000,
	Start:           signal.NewMJD(55000.5),
	NChan:           2,
	NPol:            2,
	NDim:            1,
	CentreFrequency: 1400,
	Bandwidth:       64,
}

// ramp returns a series where every value encodes its position.
func ramp(o signal.Observation, ndat int, from float32) *signal.TimeSeries {
	ts := signal.NewTimeSeries(o)
	ts.Resize(ndat)
	for ichan := 0; ichan < o.NChan; ichan++ {
		for ipol := 0; ipol < o.NPol; ipol++ {
			for idat := 0; idat < ndat; idat++ {
				for idim := 0; idim < o.NDim; idim++ {
					ts.Set(ichan, ipol, idat, idim, from+float32(idat)+float32(100*ichan+10*ipol))
				}
			}
		}
	}
	return ts
}

func TestMJD(t *testing.T) {
	m := signal.NewMJD(55000.25)
	assert.Equal(t, int64(55000), m.Day)
	assert.InDelta(t, 21600, m.Sec, 1e-6)

	later := m.Add(86400 * 1.5)
	assert.Equal(t, int64(55001), later.Day)
	assert.InDelta(t, 129600, later.Sub(m), 1e-6)
	assert.True(t, later.After(m))

	earlier := m.Add(-43200)
	assert.Equal(t, int64(54999), earlier.Day)
	assert.InDelta(t, 64800, earlier.Sec, 1e-6)
}

func TestObservationMismatch(t *testing.T) {
	tests := []struct {
		description string
		modify      func(*signal.Observation)
		accept      signal.AcceptFunc
		combinable  bool
	}{
		{
			description: "start and ndat are ignored",
			modify: func(o *signal.Observation) {
				o.Start = o.Start.Add(10)
				o.NDat = 7
			},
			combinable: true,
		},
		{
			description: "nchan differs",
			modify:      func(o *signal.Observation) { o.NChan = 4 },
		},
		{
			description: "rate differs",
			modify:      func(o *signal.Observation) { o.Rate = 2000 },
		},
		{
			description: "rate differs but accepted",
			modify:      func(o *signal.Observation) { o.Rate = 2000 },
			accept:      func(field string) bool { return field == "rate" },
			combinable:  true,
		},
	}
	for _, test := range tests {
		other := obs
		test.modify(&other)
		reason := obs.Mismatch(other, test.accept)
		assert.Equal(t, test.combinable, reason == "", test.description)
	}
}

func TestTimeSeriesResize(t *testing.T) {
	ts := signal.NewTimeSeries(obs)
	ts.Resize(16)
	assert.Equal(t, 16, ts.NDat)
	assert.Equal(t, 16, ts.Capacity())
	assert.Equal(t, 16, ts.Subsize())
	assert.Equal(t, 64, ts.Size())
	assert.True(t, ts.Full())
	assert.True(t, ts.Owned())
	assert.NoError(t, ts.Validate())

	// smaller resize reuses the allocation
	data := ts.Data()
	ts.Resize(8)
	assert.Equal(t, &data[0], &ts.Data()[0])
	assert.Equal(t, 32, ts.Size())
}

func TestTimeSeriesAppend(t *testing.T) {
	tests := []struct {
		description string
		capacity    int
		used        int
		appended    int
		expected    int
		full        bool
	}{
		{
			description: "exact fit",
			capacity:    8,
			appended:    8,
			expected:    8,
			full:        true,
		},
		{
			description: "room left",
			capacity:    10,
			appended:    8,
			expected:    8,
		},
		{
			description: "partial copy",
			capacity:    10,
			used:        4,
			appended:    8,
			expected:    6,
			full:        true,
		},
		{
			description: "zero capacity",
			capacity:    0,
			appended:    8,
			expected:    0,
			full:        true,
		},
	}
	for _, test := range tests {
		dst := signal.NewTimeSeries(obs)
		dst.Resize(test.capacity)
		dst.NDat = 0
		if test.used > 0 {
			n, err := dst.Append(ramp(obs, test.used, 0))
			require.NoError(t, err, test.description)
			require.Equal(t, test.used, n, test.description)
		}
		src := ramp(obs, test.appended, float32(test.used))
		src.Start = obs.TimeOf(test.used)

		n, err := dst.Append(src)
		assert.NoError(t, err, test.description)
		assert.Equal(t, test.expected, n, test.description)
		assert.Equal(t, test.used+test.expected, dst.NDat, test.description)
		assert.Equal(t, test.full, dst.Full(), test.description)
		for idat := 0; idat < dst.NDat; idat++ {
			assert.Equal(t, float32(idat+110), dst.At(1, 1, idat, 0), test.description)
		}
	}
}

func TestTimeSeriesAppendGap(t *testing.T) {
	dst := signal.NewTimeSeries(obs)
	dst.Resize(16)
	dst.NDat = 0
	_, err := dst.Append(ramp(obs, 4, 0))
	require.NoError(t, err)

	src := ramp(obs, 4, 0)
	src.Start = obs.TimeOf(6)
	_, err = dst.Append(src)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	other := obs
	other.NChan = 1
	_, err = dst.Append(ramp(other, 4, 0))
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
}

func TestTimeSeriesSeek(t *testing.T) {
	ts := ramp(obs, 10, 0)
	require.NoError(t, ts.Seek(4))
	assert.Equal(t, 6, ts.NDat)
	assert.Equal(t, 6, ts.Capacity())
	assert.Equal(t, float32(4), ts.At(0, 0, 0, 0))
	assert.Equal(t, float32(114), ts.At(1, 1, 0, 0))
	assert.Equal(t, float32(4), ts.Datptr(0, 0)[0])
	assert.InDelta(t, 0.004, ts.Start.Sub(obs.Start), 1e-9)

	require.NoError(t, ts.Seek(-4))
	assert.Equal(t, 10, ts.NDat)
	assert.Equal(t, float32(0), ts.At(0, 0, 0, 0))

	assert.True(t, errors.Is(ts.Seek(-1), fault.ErrInvalidState))
	assert.True(t, errors.Is(ts.Seek(11), fault.ErrInvalidState))
}

func TestTimeSeriesOrderTFP(t *testing.T) {
	o := obs
	o.Order = signal.OrderTFP
	o.NDim = 2
	ts := ramp(o, 4, 0)
	assert.Equal(t, 8, ts.Stride())
	assert.Equal(t, 32, ts.Size())
	// chan 1 pol 0 of sample 2
	assert.Equal(t, float32(102), ts.Data()[2*8+2*2])
	p := ts.Datptr(1, 1)
	assert.Equal(t, float32(110), p[0])
	assert.Equal(t, float32(111), p[ts.Stride()])
}

func TestTimeSeriesCopy(t *testing.T) {
	src := ramp(obs, 10, 0)
	dst := signal.NewTimeSeries(obs)
	dst.Resize(4)

	require.NoError(t, dst.CopyFromBack(src, 3))
	assert.Equal(t, []float32{7, 8, 9, 0}, dst.Datptr(0, 0))
	// metadata is left to the caller
	assert.Equal(t, 4, dst.NDat)

	require.NoError(t, dst.CopyFromFront(src, 4))
	assert.Equal(t, []float32{110, 111, 112, 113}, dst.Datptr(1, 1))

	assert.True(t, errors.Is(dst.CopyFromFront(src, 5), fault.ErrInvalidState))
	assert.True(t, errors.Is(dst.CopyFromBack(src, 11), fault.ErrInvalidState))
}

func TestTimeSeriesOwnership(t *testing.T) {
	ts := signal.NewTimeSeries(obs)
	owned := signal.Own(make([]float32, 40))
	require.NoError(t, ts.Attach(owned))
	assert.Equal(t, 0, owned.Len())
	assert.Nil(t, owned.Take())
	assert.True(t, ts.Owned())
	assert.Equal(t, 10, ts.NDat)

	external := make([]float32, 20)
	require.NoError(t, ts.Alias(external))
	assert.False(t, ts.Owned())
	assert.Equal(t, 5, ts.NDat)
	ts.Set(0, 0, 0, 0, 3)
	assert.Equal(t, float32(3), external[0])

	// resize of an alias never writes into caller memory
	ts.Resize(2)
	ts.Set(0, 0, 0, 0, 4)
	assert.True(t, ts.Owned())
	assert.Equal(t, float32(3), external[0])

	empty := signal.NewTimeSeries(signal.Observation{})
	assert.True(t, errors.Is(empty.Alias(external), fault.ErrInvalidState))
}

func TestBitSeries(t *testing.T) {
	o := obs
	o.NBit = 8
	b := signal.NewBitSeries(o)
	b.Resize(4)
	assert.Equal(t, 16, b.Size())
	assert.Equal(t, 4, b.Capacity())
	assert.NoError(t, b.Validate())

	b.SetPosition("reader", 128)
	sample, err := b.InputSample("reader")
	assert.NoError(t, err)
	assert.Equal(t, int64(128), sample)
	_, err = b.InputSample("other")
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	p, err := b.Datptr(1)
	require.NoError(t, err)
	assert.Equal(t, 12, len(p))

	raw := make([]byte, 8)
	b.Alias(raw)
	assert.False(t, b.Owned())
	assert.Equal(t, 2, b.NDat)

	more := signal.NewBitSeries(o)
	more.Attach(signal.Own([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, b.Append(more))
	assert.Equal(t, 4, b.NDat)
	assert.True(t, b.Owned())
	assert.Equal(t, byte(8), b.Data()[15])
	// appending copies, the alias is untouched
	assert.Equal(t, 8, len(raw))

	sub := signal.Observation{NChan: 1, NPol: 1, NDim: 1, NBit: 2, Rate: 1}
	two := signal.NewBitSeries(sub)
	two.Resize(8)
	assert.Equal(t, 2, two.Size())
	_, err = two.Datptr(3)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
}
