package filterbank_test

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/pulsefold/device"
	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/filterbank"
	"github.com/dudk/pulsefold/log"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/transform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var obs = signal.Observation{
	Rate:            1024,
	Start:           signal.NewMJD(56000),
	NChan:           1,
	NPol:            1,
	NDim:            2,
	CentreFrequency: 1400,
	Bandwidth:       16,
}

// spy counts engine invocations.
type spy struct {
	filterbank.Engine
	performed int
}

func (s *spy) Perform(ctx context.Context, in [][]float32, out filterbank.Output) error {
	s.performed++
	return s.Engine.Perform(ctx, in, out)
}

// tone returns complex samples of a tone at bin k of an n point transform.
func tone(o signal.Observation, ndat, k, n int) *signal.TimeSeries {
	ts := signal.NewTimeSeries(o)
	ts.Resize(ndat)
	for ichan := 0; ichan < o.NChan; ichan++ {
		for ipol := 0; ipol < o.NPol; ipol++ {
			for idat := 0; idat < ndat; idat++ {
				arg := 2 * math.Pi * float64(k*idat) / float64(n)
				if o.NDim == 1 {
					ts.Set(ichan, ipol, idat, 0, float32(math.Cos(arg)))
					continue
				}
				ts.Set(ichan, ipol, idat, 0, float32(math.Cos(arg)))
				ts.Set(ichan, ipol, idat, 1, float32(math.Sin(arg)))
			}
		}
	}
	return ts
}

func noise(o signal.Observation, ndat int, seed int64) *signal.TimeSeries {
	r := rand.New(rand.NewSource(seed))
	ts := signal.NewTimeSeries(o)
	ts.Resize(ndat)
	for i := range ts.Data() {
		ts.Data()[i] = float32(r.NormFloat64())
	}
	return ts
}

func newFilterbank(cfg filterbank.Config, engine filterbank.Engine) *filterbank.Filterbank {
	return filterbank.New(cfg, engine, transform.WithLogger(log.Silent()))
}

func run(t *testing.T, f *filterbank.Filterbank, in *signal.TimeSeries) *signal.TimeSeries {
	t.Helper()
	out := signal.NewTimeSeries(signal.Observation{})
	require.NoError(t, f.SetInput(in))
	require.NoError(t, f.SetOutput(out))
	require.NoError(t, f.Execute(context.Background()))
	return out
}

func magnitude(ts *signal.TimeSeries, ichan, ipol, idat int) float64 {
	return cmplx.Abs(complex(float64(ts.At(ichan, ipol, idat, 0)), float64(ts.At(ichan, ipol, idat, 1))))
}

func TestShortBlock(t *testing.T) {
	engine := &spy{Engine: filterbank.NewCPUEngine()}
	f := newFilterbank(filterbank.Config{NChan: 8, FreqRes: 1}, engine)
	_, err := f.Prepare(obs)
	require.NoError(t, err)
	require.Equal(t, 8, f.MinimumSamples())
	assert.Equal(t, 0, f.MinimumSamplesLost())

	in := tone(obs, f.MinimumSamples()-1, 1, 8)
	out := signal.NewTimeSeries(signal.Observation{})
	require.NoError(t, f.SetInput(in))
	require.NoError(t, f.SetOutput(out))
	err = f.Execute(context.Background())
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
	assert.Equal(t, 0, engine.performed)
	assert.Equal(t, 0, out.NDat)
}

func TestPrepare(t *testing.T) {
	real := obs
	real.NDim = 1
	wide := obs
	wide.NChan = 2
	tests := []struct {
		description string
		cfg         filterbank.Config
		in          signal.Observation
		nsampFFT    int
		lost        int
		rate        float64
		unsupported bool
	}{
		{
			description: "complex input",
			cfg:         filterbank.Config{NChan: 8, FreqRes: 1},
			in:          obs,
			nsampFFT:    8,
			rate:        128,
		},
		{
			description: "real input",
			cfg:         filterbank.Config{NChan: 8, FreqRes: 1},
			in:          real,
			nsampFFT:    16,
			rate:        64,
		},
		{
			description: "overlap",
			cfg:         filterbank.Config{NChan: 4, FreqRes: 8, Overlap: 2},
			in:          wide,
			nsampFFT:    16,
			lost:        4,
			rate:        512,
		},
		{
			description: "channels do not divide",
			cfg:         filterbank.Config{NChan: 3, FreqRes: 1},
			in:          wide,
			unsupported: true,
		},
		{
			description: "overlap exceeds resolution",
			cfg:         filterbank.Config{NChan: 4, FreqRes: 2, Overlap: 2},
			in:          obs,
			unsupported: true,
		},
	}
	for _, test := range tests {
		f := newFilterbank(test.cfg, filterbank.NewCPUEngine())
		out, err := f.Prepare(test.in)
		if test.unsupported {
			assert.True(t, errors.Is(err, fault.ErrUnsupported), test.description)
			continue
		}
		require.NoError(t, err, test.description)
		assert.Equal(t, test.nsampFFT, f.MinimumSamples(), test.description)
		assert.Equal(t, test.lost, f.MinimumSamplesLost(), test.description)
		assert.Equal(t, test.rate, out.Rate, test.description)
		assert.Equal(t, test.cfg.NChan, out.NChan, test.description)
		assert.Equal(t, 2, out.NDim, test.description)
	}
}

func TestComplexTone(t *testing.T) {
	// bin k of 8 lands in channel (k+4)%8 as the lowest frequency comes first
	for _, k := range []int{-4, -1, 0, 1, 3} {
		f := newFilterbank(filterbank.Config{NChan: 8, FreqRes: 1}, filterbank.NewCPUEngine())
		out := run(t, f, tone(obs, 32, k, 8))
		require.Equal(t, 4, out.NDat)
		require.Equal(t, 8, out.NChan)
		expected := (k + 4 + 8) % 8
		for ichan := 0; ichan < 8; ichan++ {
			for idat := 0; idat < out.NDat; idat++ {
				if ichan == expected {
					assert.InDelta(t, 1, magnitude(out, ichan, 0, idat), 1e-5, "bin %d", k)
				} else {
					assert.InDelta(t, 0, magnitude(out, ichan, 0, idat), 1e-5, "bin %d channel %d", k, ichan)
				}
			}
		}
	}
}

func TestRealTone(t *testing.T) {
	real := obs
	real.NDim = 1
	f := newFilterbank(filterbank.Config{NChan: 8, FreqRes: 1}, filterbank.NewCPUEngine())
	out := run(t, f, tone(real, 64, 3, 16))
	require.Equal(t, 4, out.NDat)
	for idat := 0; idat < out.NDat; idat++ {
		assert.InDelta(t, 0.5, magnitude(out, 3, 0, idat), 1e-5)
		assert.InDelta(t, 0, magnitude(out, 2, 0, idat), 1e-5)
		assert.InDelta(t, 0, magnitude(out, 4, 0, idat), 1e-5)
	}
}

func TestOverlapDiscard(t *testing.T) {
	cfg := filterbank.Config{NChan: 2, FreqRes: 4, Overlap: 1}
	f := newFilterbank(cfg, filterbank.NewCPUEngine())
	in := noise(obs, 20, 1)
	out := run(t, f, in)
	// blocks of 8 samples advance by 6
	assert.Equal(t, 9, out.NDat)
	assert.Equal(t, obs.Rate/2, out.Rate)
	assert.InDelta(t, 1/out.Rate, out.Start.Sub(in.Start), 1e-9)
	assert.Equal(t, 8, f.MinimumSamples())
	assert.Equal(t, 2, f.MinimumSamplesLost())
}

func TestDeviceEngine(t *testing.T) {
	dual := obs
	dual.NPol = 2
	dual.NChan = 2
	tests := []struct {
		description string
		cfg         filterbank.Config
		ndim        int
	}{
		{
			description: "complex frequency-major",
			cfg:         filterbank.Config{NChan: 8, FreqRes: 4, Overlap: 1},
			ndim:        2,
		},
		{
			description: "real time-major",
			cfg:         filterbank.Config{NChan: 4, FreqRes: 2, Order: signal.OrderTFP},
			ndim:        1,
		},
	}
	for _, test := range tests {
		o := dual
		o.NDim = test.ndim
		in := noise(o, 64, 7)

		expected := run(t, newFilterbank(test.cfg, filterbank.NewCPUEngine()), in)

		stream := device.NewStream(device.WithLogger(log.Silent()))
		engine := filterbank.NewDeviceEngine(stream)
		assert.True(t, engine.DualPol())
		out := run(t, newFilterbank(test.cfg, engine), in)
		require.NoError(t, stream.Close())

		require.Equal(t, expected.NDat, out.NDat, test.description)
		assert.Equal(t, test.cfg.Order, out.Order, test.description)
		for ichan := 0; ichan < out.NChan; ichan++ {
			for ipol := 0; ipol < out.NPol; ipol++ {
				for idat := 0; idat < out.NDat; idat++ {
					for idim := 0; idim < 2; idim++ {
						assert.InDelta(t, expected.At(ichan, ipol, idat, idim), out.At(ichan, ipol, idat, idim), 1e-5, test.description)
					}
				}
			}
		}
	}
}

func TestDeviceEngineClosed(t *testing.T) {
	stream := device.NewStream(device.WithLogger(log.Silent()))
	require.NoError(t, stream.Close())
	f := newFilterbank(filterbank.Config{NChan: 8, FreqRes: 1}, filterbank.NewDeviceEngine(stream))
	in := tone(obs, 8, 1, 8)
	out := signal.NewTimeSeries(signal.Observation{})
	require.NoError(t, f.SetInput(in))
	require.NoError(t, f.SetOutput(out))
	assert.True(t, errors.Is(f.Execute(context.Background()), fault.ErrInvalidState))
}
