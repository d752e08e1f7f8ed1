// Package pipeline implements the streaming processor chain: an ordered
// set of transforms over gcode.Line, wired by a builder that resolves
// per-processor dependencies and gives each processor a one-time chance
// to dry-run the chain ahead of it before going live.
package pipeline

import "github.com/crispyconductor/tightcnc-go/gcode"

// Processor is the minimal capability every chain member implements.
// Additional behavior — AddToChain, Init, Copy, Flush, Status, dry-run
// toggling — is expressed as optional interfaces below and probed with
// a type assertion, the same pattern the standard library uses for
// io.Closer/http.Flusher: a processor opts in by implementing the
// interface, not by inheriting from a base class.
type Processor interface {
	// Name is the processor's constant kind name, e.g. "movesplitter".
	Name() string
	// ID is this instance's stable identity; defaults to Name() but may
	// be overridden when a chain carries more than one of a kind.
	ID() string
	// Process consumes one line and returns zero or more lines to pass
	// downstream.
	Process(line *gcode.Line) ([]*gcode.Line, error)
}

// ChainAppender lets a processor splice itself and any dependencies
// into the chain at its position, instead of being appended as-is.
// Autolevel uses this to prepend a MoveSplitter tuned to its surface
// map's minimum spacing.
type ChainAppender interface {
	AddToChain() []Processor
}

// PreprocessFunc dry-runs every processor ahead of the owner through a
// freshly re-opened source, returning the resulting lines and the
// dry-run chain that produced them (so the caller can inspect peer
// status after the scan).
type PreprocessFunc func() (*PreprocessResult, error)

// PreprocessResult is what a PreprocessFunc invocation yields.
type PreprocessResult struct {
	Lines []*gcode.Line
	Chain *Chain
}

// Initializer is given exactly one chance, after chaining completes, to
// consume a PreprocessFunc and compute whatever state it needs from a
// full dry run of the lines ahead of it.
type Initializer interface {
	Init(preprocess PreprocessFunc) error
}

// Copier returns an already-initialized clone of the processor without
// re-running Init. The default when a processor does not implement
// Copier is to share the same instance (valid only for processors with
// no per-copy mutable state).
type Copier interface {
	Copy() (Processor, error)
}

// Flusher is called once when the upstream input ends, before the
// signal propagates further downstream.
type Flusher interface {
	Flush() ([]*gcode.Line, error)
}

// StatusProvider's Status is merged onto every line this processor
// emits, under annotations[ID()]. A nil return adds nothing.
type StatusProvider interface {
	Status() interface{}
}

// DryRunnable lets the preprocess machinery mark a copy as a dry run,
// so the processor can skip side effects (writing files, driving
// hardware) it would otherwise perform.
type DryRunnable interface {
	SetDryRun(bool)
	DryRun() bool
}

// Base is an embeddable helper providing the common bookkeeping most
// processors need: identity and the dry-run flag. It does not implement
// Process — every concrete processor supplies its own.
type Base struct {
	IDValue   string
	NameValue string
	dryRun    bool
}

// NewBase returns a Base whose ID defaults to name.
func NewBase(name string) Base {
	return Base{IDValue: name, NameValue: name}
}

func (b *Base) Name() string { return b.NameValue }

func (b *Base) ID() string {
	if b.IDValue == "" {
		return b.NameValue
	}
	return b.IDValue
}

func (b *Base) SetDryRun(v bool) { b.dryRun = v }
func (b *Base) DryRun() bool     { return b.dryRun }
