// Package transform provides the generic stage every pipeline step is
// built on. A Transformation references an input and an output container,
// checks them against its placement discipline and runs a kernel on them.
package transform

import (
	"context"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/log"
	"github.com/dudk/pulsefold/metric"
	"github.com/dudk/pulsefold/signal"
)

// Placement defines whether a stage writes into its input.
type Placement int

const (
	// InPlace stages require the input and output to be the same container.
	InPlace Placement = iota
	// OutOfPlace stages require distinct input and output containers.
	OutOfPlace
	// AnyPlace stages accept either.
	AnyPlace
)

func (p Placement) String() string {
	switch p {
	case InPlace:
		return "in-place"
	case OutOfPlace:
		return "out-of-place"
	case AnyPlace:
		return "any-place"
	}
	return "unknown"
}

// Container is the capability set a stage needs from its buffers.
type Container interface {
	Samples() int
	Validate() error
}

// Kernel performs the numerical work of a stage.
type Kernel[In, Out Container] func(ctx context.Context, in In, out Out) error

// Operation is a prepared step of a pipeline.
type Operation interface {
	// Name identifies the stage in logs and errors.
	Name() string
	// Prepare configures the stage for the input stream described by in
	// and returns the descriptor of its output stream.
	Prepare(in signal.Observation) (signal.Observation, error)
	// Execute processes the current input.
	Execute(ctx context.Context) error
	// MinimumSamples returns the smallest input block the stage accepts.
	MinimumSamples() int
}

type settings struct {
	logger logrus.FieldLogger
	meter  bool
	rate   float64
}

// Option configures a Transformation.
type Option func(*settings)

// WithLogger sets the logger of the stage.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithMeter enables metrics of the stage. Sample rate is used to compute
// processed signal duration.
func WithMeter(sampleRate float64) Option {
	return func(s *settings) {
		s.meter = true
		s.rate = sampleRate
	}
}

// Transformation is a stage with input of type In and output of type Out.
// It never owns the memory of its containers.
type Transformation[In, Out Container] struct {
	name      string
	placement Placement
	kernel    Kernel[In, Out]

	input     In
	output    Out
	hasInput  bool
	hasOutput bool

	checkInput  func(In) error
	checkOutput func(Out) error

	logger  logrus.FieldLogger
	measure metric.MeasureFunc
}

// New returns a stage which runs kernel with the given placement.
func New[In, Out Container](name string, placement Placement, kernel Kernel[In, Out], options ...Option) *Transformation[In, Out] {
	s := settings{logger: log.GetLogger()}
	for _, option := range options {
		option(&s)
	}
	t := &Transformation[In, Out]{
		name:      name,
		placement: placement,
		kernel:    kernel,
		logger:    s.logger.WithField("stage", name),
		measure:   func(int64) {},
	}
	if s.meter {
		t.measure = metric.Meter(t, s.rate).Measure()
	}
	return t
}

// Name returns the name of the stage.
func (t *Transformation[In, Out]) Name() string {
	return t.name
}

// Placement returns the placement discipline of the stage.
func (t *Transformation[In, Out]) Placement() Placement {
	return t.placement
}

// Logger returns the logger of the stage.
func (t *Transformation[In, Out]) Logger() logrus.FieldLogger {
	return t.logger
}

// CheckInput sets a hook which rejects unsuitable inputs.
func (t *Transformation[In, Out]) CheckInput(fn func(In) error) {
	t.checkInput = fn
}

// CheckOutput sets a hook which rejects unsuitable outputs.
func (t *Transformation[In, Out]) CheckOutput(fn func(Out) error) {
	t.checkOutput = fn
}

// SetInput sets the container the stage reads from.
func (t *Transformation[In, Out]) SetInput(in In) error {
	if isNil(in) {
		return fault.InvalidState(t.name+".SetInput", "nil input")
	}
	if t.checkInput != nil {
		if err := t.checkInput(in); err != nil {
			return fault.InvalidState(t.name+".SetInput", "%v", err)
		}
	}
	if t.hasOutput {
		if err := t.checkPair(in, t.output); err != nil {
			return err
		}
	}
	t.input, t.hasInput = in, true
	return nil
}

// SetOutput sets the container the stage writes into.
func (t *Transformation[In, Out]) SetOutput(out Out) error {
	if isNil(out) {
		return fault.InvalidState(t.name+".SetOutput", "nil output")
	}
	if t.checkOutput != nil {
		if err := t.checkOutput(out); err != nil {
			return fault.InvalidState(t.name+".SetOutput", "%v", err)
		}
	}
	if t.hasInput {
		if err := t.checkPair(t.input, out); err != nil {
			return err
		}
	}
	t.output, t.hasOutput = out, true
	return nil
}

func (t *Transformation[In, Out]) checkPair(in In, out Out) error {
	same := any(in) == any(out)
	switch {
	case t.placement == InPlace && !same:
		return fault.InvalidState(t.name, "in-place stage requires the same input and output")
	case t.placement == OutOfPlace && same:
		return fault.InvalidState(t.name, "out-of-place stage requires distinct input and output")
	}
	return nil
}

// Input returns the current input and whether it is set.
func (t *Transformation[In, Out]) Input() (In, bool) {
	return t.input, t.hasInput
}

// Output returns the current output and whether it is set.
func (t *Transformation[In, Out]) Output() (Out, bool) {
	return t.output, t.hasOutput
}

// Execute validates the containers and runs the kernel. Cheap checks
// precede the kernel invocation.
func (t *Transformation[In, Out]) Execute(ctx context.Context) error {
	if t.placement == InPlace {
		t.mirror()
	}
	if !t.hasInput {
		return fault.InvalidState(t.name, "no input")
	}
	if n := t.input.Samples(); n < 1 {
		return fault.InvalidState(t.name, "input holds %d samples", n)
	}
	if err := t.input.Validate(); err != nil {
		return fault.InvalidState(t.name, "input: %v", err)
	}
	if t.placement != InPlace && !t.hasOutput {
		return fault.InvalidState(t.name, "no output")
	}
	samples := t.input.Samples()
	if err := t.kernel(ctx, t.input, t.output); err != nil {
		return err
	}
	if t.placement != InPlace {
		if err := t.output.Validate(); err != nil {
			return fault.InvalidState(t.name, "output: %v", err)
		}
	}
	t.measure(int64(samples))
	t.logger.Debugf("executed on %d samples", samples)
	return nil
}

// mirror copies the only set container of an in-place stage onto the
// other end.
func (t *Transformation[In, Out]) mirror() {
	switch {
	case t.hasInput && !t.hasOutput:
		if out, ok := any(t.input).(Out); ok {
			t.output, t.hasOutput = out, true
		}
	case t.hasOutput && !t.hasInput:
		if in, ok := any(t.output).(In); ok {
			t.input, t.hasInput = in, true
		}
	}
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
