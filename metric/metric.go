// Package metric measures pulsefold components. Meters are grouped by the
// type of the measured component and exported through Registry.
package metric

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dudk/pulsefold/signal"
)

const (
	// MessageCounter measures number of processed blocks.
	MessageCounter = "Messages"
	// SampleCounter measures number of samples.
	SampleCounter = "Samples"
	// LatencyCounter measures latency between processing calls.
	LatencyCounter = "Latency"
	// DurationCounter counts what's the duration of signal.
	DurationCounter = "Duration"
	// ComponentCounter counts number of metered instances.
	ComponentCounter = "Components"
)

const (
	namespace      = "pulsefold"
	subsystem      = "component"
	componentLabel = "component"
)

// Registry holds all pulsefold metrics.
var Registry = prometheus.NewRegistry()

var (
	components = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "instances_total",
		Help:      "Number of metered component instances",
	}, []string{componentLabel})
	messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "blocks_total",
		Help:      "Number of processed blocks",
	}, []string{componentLabel})
	samples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "samples_total",
		Help:      "Number of processed time samples",
	}, []string{componentLabel})
	durations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "signal_seconds_total",
		Help:      "Duration of processed signal",
	}, []string{componentLabel})
	latencies = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "latency_seconds",
		Help:      "Time between the two latest processing calls",
	}, []string{componentLabel})

	counters = []string{
		MessageCounter,
		SampleCounter,
		LatencyCounter,
		DurationCounter,
		ComponentCounter,
	}

	known = struct {
		sync.Mutex
		m map[string]struct{}
	}{
		m: make(map[string]struct{}),
	}
)

func init() {
	Registry.MustRegister(components, messages, samples, durations, latencies)
}

// Get metrics values for provided component type.
func Get(component interface{}) map[string]string {
	return getCounters(getType(component))
}

// GetAll returns counters for all measured components.
func GetAll() map[string]map[string]string {
	known.Lock()
	types := make([]string, 0, len(known.m))
	for component := range known.m {
		types = append(types, component)
	}
	known.Unlock()

	m := make(map[string]map[string]string, len(types))
	for _, component := range types {
		m[component] = getCounters(component)
	}
	return m
}

func getCounters(componentType string) map[string]string {
	known.Lock()
	_, ok := known.m[componentType]
	known.Unlock()
	if !ok {
		return map[string]string{}
	}
	return map[string]string{
		MessageCounter:   fmt.Sprintf("%v", value(messages.WithLabelValues(componentType))),
		SampleCounter:    fmt.Sprintf("%v", value(samples.WithLabelValues(componentType))),
		ComponentCounter: fmt.Sprintf("%v", value(components.WithLabelValues(componentType))),
		LatencyCounter:   seconds(value(latencies.WithLabelValues(componentType))).String(),
		DurationCounter:  seconds(value(durations.WithLabelValues(componentType))).String(),
	}
}

// Counters returns the names of all counters.
func Counters() []string {
	return counters
}

// ResetFunc returns new Measure closure. This closure is needed to postpone metrics
// capture until component is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when a block of samples is processed.
type MeasureFunc func(samples int64)

// Meter creates new meter closure to capture component counters.
func Meter(component interface{}, sampleRate float64) ResetFunc {
	t := getType(component)
	known.Lock()
	known.m[t] = struct{}{}
	known.Unlock()
	components.WithLabelValues(t).Inc()
	var (
		message  = messages.WithLabelValues(t)
		sample   = samples.WithLabelValues(t)
		duration = durations.WithLabelValues(t)
		latency  = latencies.WithLabelValues(t)
	)
	return func() MeasureFunc {
		calledAt := time.Now()
		var (
			bufferSize     int64
			bufferDuration time.Duration
		)
		return func(s int64) {
			latency.Set(time.Since(calledAt).Seconds())
			message.Inc()
			sample.Add(float64(s))
			// recalculate buffer duration only when buffer size has changed
			if bufferSize != s {
				bufferSize = s
				bufferDuration = signal.DurationOf(sampleRate, int(s))
			}
			duration.Add(bufferDuration.Seconds())
			calledAt = time.Now()
		}
	}
}

// Measure is a shortcut for meters which are started immediately.
func (fn ResetFunc) Measure() MeasureFunc {
	if fn == nil {
		return func(int64) {}
	}
	return fn()
}

func getType(component interface{}) string {
	rv := reflect.ValueOf(component)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	return rv.Type().String()
}

type metric interface {
	Write(*dto.Metric) error
}

func value(m metric) float64 {
	var d dto.Metric
	if err := m.Write(&d); err != nil {
		return 0
	}
	switch {
	case d.Counter != nil:
		return d.Counter.GetValue()
	case d.Gauge != nil:
		return d.Gauge.GetValue()
	}
	return 0
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
