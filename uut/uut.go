// Package uut defines the facade the harness expects from every compiled
// design (the unit under test) and the wrapper that owns one.
package uut

import (
	"errors"

	"github.com/picotb/picotb/trace"
)

// Design is the contract a compiled design presents: a two-phase evaluator,
// a tracing hook and a finalizer. Pin storage is plain addressable cells
// (uint8/uint16/uint32 struct fields) so clock domains and models wire to
// them by pointer.
//
// The two-phase split exists so combinational dependencies between multiple
// designs settle correctly: the harness runs every EvalStep before any
// EvalEndStep.
type Design interface {
	// Name identifies the instance in logs and traces.
	Name() string
	// EvalStep runs the first half of one evaluation.
	EvalStep()
	// EvalEndStep completes the evaluation started by EvalStep.
	EvalEndStep()
	// Trace registers the design's signals with the sink. levels bounds
	// hierarchy depth for designs that have one; 0 means everything.
	Trace(v *trace.VCD, levels int) error
	// Final releases whatever the design holds. Called once when the
	// harness shuts down.
	Final()
}

// Module wraps one Design instance. The wrapper owns the design's lifecycle
// and is what harness registries hold; deduplication is by wrapper identity.
type Module struct {
	d Design
}

// New returns a wrapper owning the given design.
func New(d Design) (*Module, error) {
	if d == nil {
		return nil, errors.New("uut: nil design")
	}
	return &Module{d: d}, nil
}

// Design returns the raw wrapped design, for pin access by drivers.
func (m *Module) Design() Design {
	return m.d
}

// Name returns the wrapped design's instance name.
func (m *Module) Name() string {
	return m.d.Name()
}

// EvalStep runs the step half of the design's evaluator.
func (m *Module) EvalStep() {
	m.d.EvalStep()
}

// EvalEndStep runs the end-step half of the design's evaluator.
func (m *Module) EvalEndStep() {
	m.d.EvalEndStep()
}

// Trace registers the design with a trace sink.
func (m *Module) Trace(v *trace.VCD, levels int) error {
	return m.d.Trace(v, levels)
}

// Final finalizes the wrapped design.
func (m *Module) Final() {
	m.d.Final()
}
