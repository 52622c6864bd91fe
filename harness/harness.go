// Package harness drives one or more compiled designs and behavioral models
// in lock-step across multiple clock domains. The bench owns absolute
// simulated time: every Eval settles all participants at the current instant,
// then advances time to the globally nearest clock edge and applies that edge
// to every domain that ties on it. No edge is ever skipped and the ordering
// of events across domains is deterministic.
package harness

import (
	"errors"
	"fmt"
	"math"

	"github.com/charmbracelet/log"

	"github.com/picotb/picotb/clock"
	"github.com/picotb/picotb/model"
	"github.com/picotb/picotb/trace"
	"github.com/picotb/picotb/uut"
)

// kSettlePasses bounds the model/module fixed point loop inside Eval. One
// pass reruns the designs after the models so model-driven pin updates settle
// in the same cycle; the second catches a model output feeding combinational
// design logic that feeds the model again.
const kSettlePasses = 2

// Bench is the test harness. It owns the simulation context and the
// registries of clock domains, design wrappers and behavioral models.
type Bench struct {
	ctx          *Context
	domains      []*clock.Domain
	modules      []*uut.Module
	models       []model.Model
	tracer       *trace.VCD
	enableTrace  bool
	runtimeLimit uint64
	// clockLock trips on the first Eval. Domains joining after that would
	// break the synchronicity assumption that time zero aligns them all.
	clockLock bool
}

// New returns a bench holding a fresh simulation context. args are forwarded
// to the context verbatim. runtimeLimit is in ps; zero means unbounded, the
// run then stops only on an external finish.
func New(args []string, runtimeLimit uint64) *Bench {
	if runtimeLimit == 0 {
		runtimeLimit = math.MaxUint64
	}
	return &Bench{
		ctx:          NewContext(args),
		runtimeLimit: runtimeLimit,
	}
}

// Context returns the shared simulation context.
func (b *Bench) Context() *Context {
	return b.ctx
}

// Tracer returns the installed trace sink, or nil if none has been set.
func (b *Bench) Tracer() *trace.VCD {
	return b.tracer
}

// AddDomain registers a clock domain. Fatal once the first Eval has run:
// every domain's schedule is anchored at time zero and a late joiner would
// fire edges in the past. Duplicates coalesce.
func (b *Bench) AddDomain(d *clock.Domain) error {
	if b.clockLock {
		return errors.New("harness: cannot add a clock domain after the first Eval")
	}
	if d == nil {
		return errors.New("harness: nil clock domain")
	}
	for _, have := range b.domains {
		if have == d {
			return nil
		}
	}
	b.domains = append(b.domains, d)
	return nil
}

// AddModule registers a design wrapper. Fatal once a trace sink has been
// opened - the sink cannot declare new signals after its header is written.
// Duplicates coalesce.
func (b *Bench) AddModule(m *uut.Module) error {
	if m == nil {
		return errors.New("harness: nil module")
	}
	if b.tracer != nil {
		return fmt.Errorf("harness: module %q will not be traced after the sink has been opened", m.Name())
	}
	for _, have := range b.modules {
		if have == m {
			return nil
		}
	}
	b.modules = append(b.modules, m)
	return nil
}

// AddModel registers a behavioral model. Duplicates coalesce.
func (b *Bench) AddModel(m model.Model) error {
	if m == nil {
		return errors.New("harness: nil model")
	}
	for _, have := range b.models {
		if have == m {
			return nil
		}
	}
	b.models = append(b.models, m)
	return nil
}

// VCDTraceSet lazily creates the trace sink, registers every module currently
// known, and opens the dump file.
func (b *Bench) VCDTraceSet(path string) error {
	if path == "" {
		return nil
	}
	if b.tracer != nil {
		return nil
	}
	log.Debug("harness: set trace file", "path", path)
	t := trace.New()
	for _, m := range b.modules {
		if err := m.Trace(t, 0); err != nil {
			return fmt.Errorf("harness: tracing module %q: %v", m.Name(), err)
		}
	}
	if err := t.Open(path); err != nil {
		return err
	}
	b.tracer = t
	return nil
}

// SetTracing toggles dumping. If no sink is installed yet and a path is given
// one is created first; toggling on without a sink or path is a no-op.
func (b *Bench) SetTracing(enabled bool, path string) error {
	if b.tracer == nil {
		if path == "" {
			log.Debug("harness: tracer not initialized, tracing stays off")
			return nil
		}
		if err := b.VCDTraceSet(path); err != nil {
			return err
		}
	}
	b.enableTrace = enabled
	return nil
}

// moduleEval runs one full two-phase pass: every step half, then every
// end-step half.
func (b *Bench) moduleEval() {
	for _, m := range b.modules {
		m.EvalStep()
	}
	for _, m := range b.modules {
		m.EvalEndStep()
	}
}

// modelEval evaluates every registered model once.
func (b *Bench) modelEval() error {
	for _, m := range b.models {
		if err := m.Eval(); err != nil {
			return err
		}
	}
	return nil
}

// Eval settles every participant at the current time, then advances to the
// nearest edge across all domains and applies it to each domain that ties on
// it. The first call locks the domain registry.
func (b *Bench) Eval() error {
	b.clockLock = true
	if len(b.domains) == 0 {
		return errors.New("harness: no clock domains registered")
	}

	// Designs settle first in case the models sample their outputs, then
	// bounded model/design passes settle any pins the models drive.
	b.moduleEval()
	for i := 0; i < kSettlePasses; i++ {
		if err := b.modelEval(); err != nil {
			return err
		}
		b.moduleEval()
	}

	if b.tracer != nil && b.enableTrace {
		if err := b.tracer.Dump(b.ctx.Time()); err != nil {
			return err
		}
		if err := b.tracer.Flush(); err != nil {
			return err
		}
	}

	// Nearest next edge across all domains wins; every domain that ties
	// at the minimum fires. A single settled Eval means no distance can
	// be zero here.
	now := b.ctx.Time()
	ttne := uint64(0)
	for _, d := range b.domains {
		t, err := d.TimeToNextEdge(now)
		if err != nil {
			return err
		}
		if ttne == 0 || t < ttne {
			ttne = t
		}
	}
	var firing []*clock.Domain
	for _, d := range b.domains {
		t, err := d.TimeToNextEdge(now)
		if err != nil {
			return err
		}
		if t == ttne {
			firing = append(firing, d)
		}
	}

	b.ctx.AdvanceTime(ttne)
	// Firing order is registry order; drivers must not rely on it.
	for _, d := range firing {
		if err := d.UpdateNewClockEdge(b.ctx.Time()); err != nil {
			return err
		}
	}
	return nil
}

// EvalUntilClockEdge runs Eval until the sampler domain's level changes from
// its current value, then keeps going until the level equals desired. This is
// the primary way drivers synchronize with a design.
func (b *Bench) EvalUntilClockEdge(sampler *clock.Domain, desired uint8) error {
	current, err := sampler.ClockValue(b.ctx.Time())
	if err != nil {
		return err
	}
	for {
		if err := b.Eval(); err != nil {
			return err
		}
		v, err := sampler.ClockValue(b.ctx.Time())
		if err != nil {
			return err
		}
		if v != current {
			break
		}
	}
	for {
		v, err := sampler.ClockValue(b.ctx.Time())
		if err != nil {
			return err
		}
		if v == desired {
			return nil
		}
		if err := b.Eval(); err != nil {
			return err
		}
	}
}

// IsDone reports whether the runtime limit has been reached or an external
// finish was requested.
func (b *Bench) IsDone() bool {
	return b.ctx.Time() >= b.runtimeLimit || b.ctx.GotFinish()
}

// Close finalizes every design wrapper and closes the trace sink. Teardown
// order mirrors construction in reverse: models hold only borrowed pins and
// need nothing, the domain registry is dropped, designs finalize, the sink
// closes last so a final flush lands.
func (b *Bench) Close() error {
	b.models = nil
	b.domains = nil
	for _, m := range b.modules {
		m.Final()
	}
	b.modules = nil
	if b.tracer != nil {
		err := b.tracer.Close()
		b.tracer = nil
		return err
	}
	return nil
}
