package processors

import (
	"sync"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/pipeline"
)

// RuntimeOverride scales commanded feed rates by a live-adjustable
// multiplier and throttles how far the pipeline is allowed to run
// ahead of what the controller has actually executed, so an operator
// changing the multiplier takes effect soon rather than after whatever
// is already buffered downstream finishes.
type RuntimeOverride struct {
	pipeline.Base

	MaxBuffered int

	mu         sync.Mutex
	cond       *sync.Cond
	multiplier float64
	buffered   int
}

// NewRuntimeOverride returns an override processor that lets at most
// maxBuffered lines sit between emission and execution. maxBuffered<=0
// disables the throttle.
func NewRuntimeOverride(maxBuffered int) *RuntimeOverride {
	ro := &RuntimeOverride{
		Base:        pipeline.NewBase("runtimeoverride"),
		MaxBuffered: maxBuffered,
		multiplier:  1,
	}
	ro.cond = sync.NewCond(&ro.mu)
	return ro
}

// SetMultiplier changes the live feed multiplier (1 = unmodified).
func (ro *RuntimeOverride) SetMultiplier(m float64) {
	ro.mu.Lock()
	ro.multiplier = m
	ro.mu.Unlock()
}

// Multiplier returns the current feed multiplier.
func (ro *RuntimeOverride) Multiplier() float64 {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	return ro.multiplier
}

func (ro *RuntimeOverride) Process(line *gcode.Line) ([]*gcode.Line, error) {
	ro.mu.Lock()
	for ro.MaxBuffered > 0 && ro.buffered >= ro.MaxBuffered {
		ro.cond.Wait()
	}
	ro.buffered++
	mult := ro.multiplier
	ro.mu.Unlock()

	if fv, ok := line.Get('F'); ok {
		line.Set('F', fv*mult)
	}

	line.HookSync("executed", func() {
		ro.mu.Lock()
		ro.buffered--
		ro.cond.Signal()
		ro.mu.Unlock()
	})

	return []*gcode.Line{line}, nil
}

func (ro *RuntimeOverride) Status() interface{} {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	return map[string]interface{}{
		"feedMultiplier": ro.multiplier,
		"buffered":       ro.buffered,
	}
}

func (ro *RuntimeOverride) Copy() (pipeline.Processor, error) {
	c := NewRuntimeOverride(ro.MaxBuffered)
	c.multiplier = ro.Multiplier()
	return c, nil
}
