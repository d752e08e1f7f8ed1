package processors

import (
	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/pipeline"

	"github.com/pkg/errors"
)

// Controller is the minimal slice of a controller session a processor
// needs to pause the running job for operator intervention: wait for
// the machine to fully drain its motion queue, and suspend/restore the
// spindle and coolant outputs around that pause.
type Controller interface {
	WaitSync() error
	PauseSpindleCoolant() error
	ResumeSpindleCoolant() error
}

// ResumeWaiter blocks until an operator (or automation) signals that a
// paused tool change may continue.
type ResumeWaiter interface {
	WaitResume() error
}

// ToolChange intercepts tool-change and program-pause codes (Tn, M6,
// M0, M1, M60), drains the pipeline down to the controller, and runs
// pre/post macros around an operator pause. It applies
// ToolOffsets[current tool], where the current tool is the one named by
// the most recent T word, to subsequent Z words, unless the line
// carries G53.
type ToolChange struct {
	pipeline.Base

	Controller  Controller
	Resume      ResumeWaiter
	PreMacro    string
	PostMacro   string
	ToolOffsets map[int]float64

	VM *gcvm.VM

	currentTool int
}

// NewToolChange returns a tool-change processor wired to ctrl for the
// synchronization/spindle-coolant side effects and resume for blocking
// until the operator continues.
func NewToolChange(ctrl Controller, resume ResumeWaiter, vm *gcvm.VM) *ToolChange {
	return &ToolChange{
		Base:        pipeline.NewBase("toolchange"),
		Controller:  ctrl,
		Resume:      resume,
		ToolOffsets: map[int]float64{},
		VM:          vm,
	}
}

func isPauseCode(line *gcode.Line) (bool, bool) {
	if mv, ok := line.Get('M'); ok {
		switch mv {
		case 6, 0, 1, 60:
			return true, mv == 6
		}
	}
	return false, false
}

func (tc *ToolChange) Process(line *gcode.Line) ([]*gcode.Line, error) {
	isPause, isToolChange := isPauseCode(line)

	if tv, hasT := line.Get('T'); hasT && !isPause {
		tc.currentTool = int(tv)
		return []*gcode.Line{line}, nil
	}

	if zv, ok := line.Get('Z'); ok {
		if !g53OnLine(line) {
			if off, ok := tc.ToolOffsets[tc.currentTool]; ok {
				line.Set('Z', zv+off)
			}
		}
	}

	if !isPause {
		return []*gcode.Line{line}, nil
	}

	pre := tc.VM.State.Clone()

	if err := tc.Controller.WaitSync(); err != nil {
		return nil, errors.Wrap(err, "toolchange: wait for queue drain")
	}
	if err := tc.Controller.PauseSpindleCoolant(); err != nil {
		return nil, errors.Wrap(err, "toolchange: pause spindle/coolant")
	}

	var out []*gcode.Line
	out = append(out, parseMacroLines(tc.PreMacro)...)

	if tc.Resume != nil {
		if err := tc.Resume.WaitResume(); err != nil {
			return nil, errors.Wrap(err, "toolchange: waiting for resume")
		}
	}

	if err := tc.Controller.ResumeSpindleCoolant(); err != nil {
		return nil, errors.Wrap(err, "toolchange: resume spindle/coolant")
	}

	out = append(out, parseMacroLines(tc.PostMacro)...)
	out = append(out, tc.VM.SyncMachineToState(pre, []string{"spindle", "coolant"}, nil)...)
	out = append(out, restoreMoveLine(pre))

	if isToolChange {
		if tv, ok := line.Get('T'); ok {
			tc.currentTool = int(tv)
		}
	}
	out = append(out, line)
	return out, nil
}

func g53OnLine(line *gcode.Line) bool {
	gv, ok := line.Get('G')
	return ok && gv == 53
}

func restoreMoveLine(pre *gcvm.State) *gcode.Line {
	l := gcode.New()
	l.Set('G', 0)
	for i, letter := range pre.AxisLabels {
		l.Set(letter-'a'+'A', pre.Pos[i])
	}
	return l
}
