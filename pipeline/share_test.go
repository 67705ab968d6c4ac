package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/log"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/unload"
)

var obs = signal.Observation{
	Rate:  16,
	Start: signal.NewMJD(56000),
	NChan: 1,
	NPol:  1,
	NDim:  1,
}

// profile returns a profile of one second starting at offset seconds.
func profile(offset float64) *signal.PhaseSeries {
	ps := signal.NewPhaseSeries(obs, 4)
	ps.SetFoldingPeriod(0.25)
	for i := range ps.Hits() {
		ps.Hits()[i] = 4
		ps.Amps(0, 0)[i] = 1
	}
	o := obs
	o.Start = obs.Start.Add(offset)
	o.NDat = 16
	ps.Integrate(o)
	return ps
}

func TestMergerRounds(t *testing.T) {
	ctx := context.Background()
	out := &unload.Memory{}
	m := newMerger(3, out, log.Silent())
	shares := []*Share{m.share(0), m.share(1), m.share(2)}

	require.NoError(t, shares[0].Contribute(ctx, 0, profile(0)))
	require.NoError(t, shares[1].Contribute(ctx, 0, profile(1)))
	require.NoError(t, shares[0].Contribute(ctx, 1, profile(3)))
	assert.Empty(t, out.Profiles())

	// the last contribution completes round 0 only
	require.NoError(t, shares[2].Contribute(ctx, 0, profile(2)))
	require.Len(t, out.Profiles(), 1)
	assert.Equal(t, uint64(48), out.Profiles()[0].TotalHits())
	assert.InDelta(t, 3.0, out.Profiles()[0].IntegrationLength(), 1e-9)

	// done workers don't hold a round back
	require.NoError(t, shares[1].Done(ctx))
	require.NoError(t, shares[2].Done(ctx))
	require.Len(t, out.Profiles(), 2)
	assert.Equal(t, uint64(16), out.Profiles()[1].TotalHits())
	assert.Equal(t, obs.Start.Add(3), out.Profiles()[1].Start)

	// contribution copies are unloaded, caller keeps its profile
	ps := profile(4)
	require.NoError(t, shares[0].Contribute(ctx, 2, ps))
	ps.Zero()
	require.Len(t, out.Profiles(), 3)
	assert.Equal(t, uint64(16), out.Profiles()[2].TotalHits())
}

func TestMergerInvalid(t *testing.T) {
	ctx := context.Background()
	m := newMerger(2, &unload.Memory{}, log.Silent())
	s := m.share(0)

	assert.True(t, errors.Is(s.Contribute(ctx, 1, profile(0)), fault.ErrInvalidState))
	require.NoError(t, s.Contribute(ctx, 0, profile(0)))
	assert.True(t, errors.Is(s.Contribute(ctx, 0, profile(0)), fault.ErrInvalidState))
	require.NoError(t, s.Done(ctx))
	assert.True(t, errors.Is(s.Contribute(ctx, 1, profile(0)), fault.ErrInvalidState))

	other := signal.NewPhaseSeries(obs, 8)
	other.SetFoldingPeriod(0.25)
	other.Hits()[0] = 1
	o := obs
	o.NDat = 1
	other.Integrate(o)
	// nbin mismatch is detected on merge
	assert.True(t, errors.Is(m.share(1).Contribute(ctx, 0, other), fault.ErrInvalidState))
	assert.NoError(t, m.flush(ctx))
}

func TestMergerFlush(t *testing.T) {
	ctx := context.Background()
	out := &unload.Memory{}
	m := newMerger(2, out, log.Silent())

	require.NoError(t, m.share(0).Contribute(ctx, 0, profile(0)))
	require.NoError(t, m.share(0).Contribute(ctx, 1, profile(2)))
	empty := signal.NewPhaseSeries(obs, 4)
	empty.SetFoldingPeriod(0.25)
	require.NoError(t, m.share(0).Contribute(ctx, 2, empty))
	assert.Empty(t, out.Profiles())

	require.NoError(t, m.flush(ctx))
	profiles := out.Profiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, obs.Start, profiles[0].Start)
	assert.Equal(t, obs.Start.Add(2), profiles[1].Start)
	require.NoError(t, m.flush(ctx))
	assert.Len(t, out.Profiles(), 2)
}

func TestMergerUnloadPanic(t *testing.T) {
	m := newMerger(1, unloaderFunc(func(context.Context, *signal.PhaseSeries) error {
		panic("full")
	}), log.Silent())
	err := m.share(0).Contribute(context.Background(), 0, profile(0))
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
}

type unloaderFunc func(context.Context, *signal.PhaseSeries) error

func (fn unloaderFunc) Unload(ctx context.Context, ps *signal.PhaseSeries) error {
	return fn(ctx, ps)
}
