package processors

import (
	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/pipeline"
)

// Identity is a null processor: it passes every line through unchanged.
// Useful as a chain placeholder and as a minimal example of the
// Processor interface.
type Identity struct {
	pipeline.Base
}

// NewIdentity returns a pass-through processor.
func NewIdentity() *Identity {
	return &Identity{Base: pipeline.NewBase("identity")}
}

func (i *Identity) Process(line *gcode.Line) ([]*gcode.Line, error) {
	return []*gcode.Line{line}, nil
}

func (i *Identity) Copy() (pipeline.Processor, error) {
	return NewIdentity(), nil
}
