package processors

import (
	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/pipeline"
	"github.com/crispyconductor/tightcnc-go/surfacemap"
)

// Autolevel adjusts commanded Z on absolute motion lines to follow a
// probed surface map. It prepends a MoveSplitter tuned to the map's
// minimum probe spacing, since a long move crossing several probe
// cells needs intermediate points to actually track the surface.
type Autolevel struct {
	pipeline.Base
	Map *surfacemap.Map

	vm *gcvm.VM
}

// NewAutolevel loads the surface map at mapPath and returns an
// Autolevel processor over it.
func NewAutolevel(mapPath string) (*Autolevel, error) {
	m, err := surfacemap.Load(mapPath)
	if err != nil {
		return nil, err
	}
	return newAutolevelFromMap(m), nil
}

// NewAutolevelFromMap builds an Autolevel directly from an in-memory
// map, bypassing the file format (used by tests and by callers that
// already hold a loaded map).
func NewAutolevelFromMap(m *surfacemap.Map) *Autolevel {
	return newAutolevelFromMap(m)
}

func newAutolevelFromMap(m *surfacemap.Map) *Autolevel {
	return &Autolevel{
		Base: pipeline.NewBase("autolevel"),
		Map:  m,
		vm:   gcvm.New(nil),
	}
}

// AddToChain prepends a MoveSplitter configured to the map's minimum
// probe spacing, so a long move crossing several cells gets enough
// intermediate points to track the surface.
func (a *Autolevel) AddToChain() []pipeline.Processor {
	spacing := a.Map.MinSpacing
	if spacing <= 0 {
		spacing = 1
	}
	return []pipeline.Processor{NewMoveSplitter(spacing), a}
}

func gLineIsCoordChanging(line *gcode.Line) bool {
	gv, ok := line.Get('G')
	if !ok {
		return false
	}
	return isCoordChangingCode(gv)
}

func (a *Autolevel) Process(line *gcode.Line) ([]*gcode.Line, error) {
	wasIncremental := a.vm.State.Incremental
	res, err := a.vm.Run(line)
	if err != nil {
		return nil, err
	}

	if !res.IsMotion || wasIncremental || gLineIsCoordChanging(line) {
		return []*gcode.Line{line}, nil
	}
	switch res.MotionCode {
	case "G0", "G1", "G2", "G3":
	default:
		return []*gcode.Line{line}, nil
	}

	x, y := a.vm.State.Pos[0], a.vm.State.Pos[1]
	z, ok := a.Map.PredictZ(x, y)
	if !ok {
		return []*gcode.Line{line}, nil
	}

	if cur, has := line.Get('Z'); has {
		line.Set('Z', cur+z)
	} else {
		line.Set('Z', round9(a.vm.State.Pos[2]+z))
	}
	return []*gcode.Line{line}, nil
}
