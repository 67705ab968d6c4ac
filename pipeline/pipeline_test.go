package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/pulsefold/config"
	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/input"
	"github.com/dudk/pulsefold/internal/state"
	"github.com/dudk/pulsefold/log"
	"github.com/dudk/pulsefold/pipeline"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/unload"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// 16 samples per second folded at 0.5s into 8 bins: absolute sample
// idat lands in bin idat%8.
func testConfig(threads int) config.Config {
	cfg := config.Default()
	cfg.Threads = threads
	cfg.BlockSize = 16
	cfg.Input.Rate = 16
	cfg.Input.Start = 56000
	cfg.Unpack.Scale = 1
	cfg.Fold.NBin = 8
	cfg.Fold.Period = 0.5
	return cfg
}

// ramp returns samples of value idat%8+1.
func ramp(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%8 + 1)
	}
	return data
}

// recorder checks that loads never overlap and records window positions.
type recorder struct {
	*input.Reader
	inflight   atomic.Int32
	overlapped atomic.Bool

	mu        sync.Mutex
	positions []int64
}

func newRecorder(t *testing.T, cfg config.Config, r io.Reader) *recorder {
	t.Helper()
	reader, err := input.NewReader(r, cfg.Input.Observation())
	require.NoError(t, err)
	return &recorder{Reader: reader}
}

func (r *recorder) Load(ctx context.Context, b *signal.BitSeries) error {
	if r.inflight.Add(1) > 1 {
		r.overlapped.Store(true)
	}
	defer r.inflight.Add(-1)
	err := r.Reader.Load(ctx, b)
	if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
		if pos, perr := b.InputSample(r.ID()); perr == nil {
			r.mu.Lock()
			r.positions = append(r.positions, pos)
			r.mu.Unlock()
		}
	}
	return err
}

func (r *recorder) sorted() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := append([]int64(nil), r.positions...)
	sort.Slice(p, func(i, j int) bool { return p[i] < p[j] })
	return p
}

func run(t *testing.T, o *pipeline.Orchestrator) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, o.Prepare(ctx))
	err := o.Run(ctx)
	ferr := o.Finish(ctx)
	assert.Equal(t, err == nil, ferr == nil)
	return err
}

func TestRun(t *testing.T) {
	tests := []struct {
		description string
		threads     int
		mergeEvery  int
		samples     int
		profiles    int
	}{
		{
			description: "single worker",
			threads:     1,
			samples:     64,
			profiles:    1,
		},
		{
			description: "four workers merged at the end",
			threads:     4,
			samples:     64,
			profiles:    1,
		},
		{
			description: "four workers merged every window",
			threads:     4,
			mergeEvery:  1,
			samples:     128,
			profiles:    2,
		},
		{
			description: "partial last window",
			threads:     3,
			samples:     72,
			profiles:    1,
		},
	}
	for _, test := range tests {
		cfg := testConfig(test.threads)
		cfg.MergeEvery = test.mergeEvery
		in := newRecorder(t, cfg, bytes.NewReader(ramp(test.samples)))
		out := &unload.Memory{}
		o, err := pipeline.New(cfg, in, out, pipeline.WithLogger(log.Silent()))
		require.NoError(t, err, test.description)

		require.NoError(t, run(t, o), test.description)
		assert.False(t, in.overlapped.Load(), test.description)
		for i, pos := range in.sorted() {
			assert.Equal(t, int64(16*i), pos, test.description)
		}
		for _, w := range o.Workers() {
			assert.Equal(t, state.Finished, w.State(), test.description)
		}

		profiles := out.Profiles()
		require.Len(t, profiles, test.profiles, test.description)
		var total uint64
		var integration float64
		for _, ps := range profiles {
			total += ps.TotalHits()
			integration += ps.IntegrationLength()
			hits := ps.Hits()
			for ibin := range hits {
				assert.Equal(t, hits[0], hits[ibin], test.description)
				assert.Equal(t, float32(hits[ibin])*float32(ibin+1), ps.Amps(0, 0)[ibin], test.description)
			}
		}
		assert.Equal(t, uint64(test.samples), total, test.description)
		assert.InDelta(t, float64(test.samples)/16, integration, 1e-9, test.description)
		assert.Equal(t, signal.NewMJD(56000), profiles[0].Start, test.description)
	}
}

func TestRunRounds(t *testing.T) {
	cfg := testConfig(2)
	cfg.MergeEvery = 2
	in := newRecorder(t, cfg, bytes.NewReader(ramp(160)))
	out := &unload.Memory{}
	o, err := pipeline.New(cfg, in, out, pipeline.WithLogger(log.Silent()))
	require.NoError(t, err)
	require.NoError(t, run(t, o))

	// 10 windows: two full rounds of 4 and a partial one of 2
	profiles := out.Profiles()
	require.Len(t, profiles, 3)
	start := signal.NewMJD(56000)
	for i, expected := range []uint64{64, 64, 32} {
		assert.Equal(t, expected, profiles[i].TotalHits())
		assert.InDelta(t, float64(4*i), profiles[i].Start.Sub(start), 1e-9)
	}
}

func noise(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestDeviceMatchesCPU(t *testing.T) {
	data := noise(256, 7)
	fold := func(device bool) []*signal.PhaseSeries {
		cfg := testConfig(2)
		cfg.Device = device
		cfg.MergeEvery = 2
		cfg.Unpack.Scale = 0
		cfg.Filterbank.NChan = 2
		in := newRecorder(t, cfg, bytes.NewReader(data))
		out := &unload.Memory{}
		o, err := pipeline.New(cfg, in, out, pipeline.WithLogger(log.Silent()), pipeline.WithMetrics())
		require.NoError(t, err)
		require.NoError(t, run(t, o))
		assert.Equal(t, 4, o.MinimumSamples())
		return out.Profiles()
	}
	cpu, dev := fold(false), fold(true)
	// 16 windows, 8 per worker, merged by 2
	require.Len(t, cpu, 4)
	require.Len(t, dev, len(cpu))
	for i := range cpu {
		assert.Equal(t, cpu[i].Hits(), dev[i].Hits())
		assert.Equal(t, 2, dev[i].NChan)
		for ichan := 0; ichan < 2; ichan++ {
			assert.InDeltaSlice(t, cpu[i].Amps(ichan, 0), dev[i].Amps(ichan, 0), 1e-4)
		}
	}
}

func TestInputFailure(t *testing.T) {
	cfg := testConfig(2)
	r := io.MultiReader(bytes.NewReader(ramp(32)), iotest.ErrReader(errors.New("disk")))
	in := newRecorder(t, cfg, r)
	o, err := pipeline.New(cfg, in, &unload.Memory{}, pipeline.WithLogger(log.Silent()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, o.Prepare(ctx))
	err = o.Run(ctx)
	assert.True(t, errors.Is(err, fault.ErrIO))
	err = o.Finish(ctx)
	assert.True(t, errors.Is(err, fault.ErrIO))
	// repeated finish reports the same failure
	assert.True(t, errors.Is(o.Finish(ctx), fault.ErrIO))
}

type unloaderFunc func(context.Context, *signal.PhaseSeries) error

func (fn unloaderFunc) Unload(ctx context.Context, ps *signal.PhaseSeries) error {
	return fn(ctx, ps)
}

func TestUnloadFailure(t *testing.T) {
	tests := []struct {
		description string
		unload      unloaderFunc
		expected    error
	}{
		{
			description: "error",
			unload: func(context.Context, *signal.PhaseSeries) error {
				return fault.IO("test", errors.New("full"))
			},
			expected: fault.ErrIO,
		},
		{
			description: "panic",
			unload: func(context.Context, *signal.PhaseSeries) error {
				panic("unload")
			},
			expected: fault.ErrInvalidState,
		},
	}
	for _, test := range tests {
		cfg := testConfig(2)
		cfg.MergeEvery = 1
		in := newRecorder(t, cfg, bytes.NewReader(ramp(64)))
		o, err := pipeline.New(cfg, in, test.unload, pipeline.WithLogger(log.Silent()))
		require.NoError(t, err, test.description)
		err = run(t, o)
		assert.True(t, errors.Is(err, test.expected), test.description)
	}
}

// blocking never yields a window until it's canceled.
type blocking struct {
	*input.Reader
	entered chan struct{}
	once    sync.Once
}

func (b *blocking) Load(ctx context.Context, _ *signal.BitSeries) error {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func TestFinishCancels(t *testing.T) {
	cfg := testConfig(3)
	reader, err := input.NewReader(bytes.NewReader(nil), cfg.Input.Observation())
	require.NoError(t, err)
	in := &blocking{Reader: reader, entered: make(chan struct{})}
	out := &unload.Memory{}
	o, err := pipeline.New(cfg, in, out, pipeline.WithLogger(log.Silent()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, o.Prepare(ctx))
	result := make(chan error, 1)
	go func() {
		result <- o.Run(ctx)
	}()
	<-in.entered

	// workers can't be replaced while running
	assert.True(t, errors.Is(o.SetThreads(2), fault.ErrInvalidState))

	assert.NoError(t, o.Finish(ctx))
	assert.True(t, errors.Is(<-result, context.Canceled))
	assert.Empty(t, out.Profiles())
	for _, w := range o.Workers() {
		assert.Equal(t, state.Finished, w.State())
	}
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(2)
	in := newRecorder(t, cfg, bytes.NewReader(ramp(32)))
	o, err := pipeline.New(cfg, in, &unload.Memory{}, pipeline.WithLogger(log.Silent()))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, errors.Is(o.Run(ctx), fault.ErrInvalidState))
	assert.True(t, errors.Is(o.Finish(ctx), fault.ErrInvalidState))

	require.NoError(t, o.SetThreads(3))
	assert.Len(t, o.Workers(), 3)
	for _, w := range o.Workers() {
		assert.Equal(t, state.Idle, w.State())
	}
	require.NoError(t, o.Prepare(ctx))
	for _, w := range o.Workers() {
		assert.Equal(t, state.Prepared, w.State())
	}
	// finish without run
	require.NoError(t, o.Finish(ctx))
	for _, w := range o.Workers() {
		assert.Equal(t, state.Finished, w.State())
	}
	assert.True(t, errors.Is(o.Run(ctx), fault.ErrInvalidState))

	_, err = pipeline.New(cfg, nil, &unload.Memory{})
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
	cfg.Threads = 0
	_, err = pipeline.New(cfg, in, &unload.Memory{})
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
}

func TestBlockSize(t *testing.T) {
	tests := []struct {
		description string
		requested   int
		overlap     int
		expected    int
		err         error
	}{
		{
			description: "minimum",
			expected:    4,
		},
		{
			description: "aligned down",
			requested:   18,
			expected:    16,
		},
		{
			description: "too small",
			requested:   3,
			err:         fault.ErrInvalidState,
		},
		{
			description: "with overlap",
			requested:   41,
			overlap:     1,
			// fft of 8 samples, 4 lost, steps of 4
			expected: 40,
		},
	}
	for _, test := range tests {
		cfg := testConfig(1)
		cfg.BlockSize = test.requested
		cfg.Filterbank.NChan = 2
		if test.overlap > 0 {
			cfg.Filterbank.FreqRes = 2
			cfg.Filterbank.Overlap = test.overlap
		}
		in := newRecorder(t, cfg, bytes.NewReader(nil))
		o, err := pipeline.New(cfg, in, &unload.Memory{}, pipeline.WithLogger(log.Silent()))
		require.NoError(t, err, test.description)
		err = o.Prepare(context.Background())
		if test.err != nil {
			assert.True(t, errors.Is(err, test.err), test.description)
		} else {
			require.NoError(t, err, test.description)
			assert.Equal(t, test.expected, in.BlockSize(), test.description)
		}
	}
}
