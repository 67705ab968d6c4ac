package pipeline

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/unload"
)

// Share is the handle a worker uses to pass profiles to the merge
// schedule.
type Share struct {
	worker int
	merger *merger
}

// Contribute hands the profile of round to the schedule. A copy is kept,
// so the caller may reuse ps after return.
func (s *Share) Contribute(ctx context.Context, round int, ps *signal.PhaseSeries) error {
	return s.merger.contribute(ctx, s.worker, round, ps)
}

// Done tells the schedule that the worker will not contribute anymore.
func (s *Share) Done(ctx context.Context) error {
	return s.merger.done(ctx, s.worker)
}

// merger collects per-worker profiles by round. A round is complete when
// every worker has contributed to it or is done. Complete rounds are
// merged in worker order and unloaded strictly in round order.
type merger struct {
	mu       sync.Mutex
	out      unload.Unloader
	logger   logrus.FieldLogger
	rounds   map[int][]*signal.PhaseSeries // contributions by round and worker
	reported []int                         // number of rounds each worker contributed
	finished []bool
	next     int // next round to unload
}

func newMerger(workers int, out unload.Unloader, logger logrus.FieldLogger) *merger {
	return &merger{
		out:      out,
		logger:   logger,
		rounds:   make(map[int][]*signal.PhaseSeries),
		reported: make([]int, workers),
		finished: make([]bool, workers),
	}
}

func (m *merger) share(worker int) *Share {
	return &Share{worker: worker, merger: m}
}

func (m *merger) contribute(ctx context.Context, worker, round int, ps *signal.PhaseSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.finished[worker]:
		return fault.InvalidState("pipeline.Share", "worker %d is done", worker)
	case round < m.next:
		return fault.InvalidState("pipeline.Share", "round %d is already unloaded", round)
	case round != m.reported[worker]:
		return fault.InvalidState("pipeline.Share", "worker %d contributed round %d, expected %d", worker, round, m.reported[worker])
	}
	contributions, ok := m.rounds[round]
	if !ok {
		contributions = make([]*signal.PhaseSeries, len(m.reported))
		m.rounds[round] = contributions
	}
	if !ps.Empty() {
		contributions[worker] = ps.Clone()
	}
	m.reported[worker]++
	return m.unloadComplete(ctx)
}

func (m *merger) done(ctx context.Context, worker int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[worker] = true
	return m.unloadComplete(ctx)
}

// complete reports whether no more contributions to round are expected.
func (m *merger) complete(round int) bool {
	for w, n := range m.reported {
		if n <= round && !m.finished[w] {
			return false
		}
	}
	return true
}

func (m *merger) unloadComplete(ctx context.Context) error {
	for {
		if _, ok := m.rounds[m.next]; !ok || !m.complete(m.next) {
			return nil
		}
		if err := m.unloadNext(ctx); err != nil {
			return err
		}
	}
}

// flush unloads every pending round, complete or not.
func (m *merger) flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.rounds) > 0 {
		if _, ok := m.rounds[m.next]; !ok {
			m.next++
			continue
		}
		if err := m.unloadNext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *merger) unloadNext(ctx context.Context) error {
	round := m.next
	contributions := m.rounds[round]
	delete(m.rounds, round)
	m.next++

	var merged *signal.PhaseSeries
	for _, ps := range contributions {
		if ps == nil {
			continue
		}
		if merged == nil {
			merged = ps
			continue
		}
		if err := merged.Add(ps); err != nil {
			return err
		}
	}
	if merged == nil || merged.Empty() {
		m.logger.Debugf("round %d is empty", round)
		return nil
	}
	m.logger.Debugf("round %d unloaded: %d hits in %.3fs", round, merged.TotalHits(), merged.IntegrationLength())
	return m.unload(ctx, merged)
}

func (m *merger) unload(ctx context.Context, ps *signal.PhaseSeries) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fault.Recovered("pipeline.Unload", v)
		}
	}()
	return m.out.Unload(ctx, ps)
}
