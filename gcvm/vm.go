package gcvm

import (
	"fmt"
	"math"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/util"
)

// InvalidArgument describes an unsupported motion mode or an axis letter
// the VM was not configured to track. Run does not return it:
// unrecognized G codes and letters outside AxisLabels are ignored.
type InvalidArgument struct {
	Reason string
}

func (e *InvalidArgument) Error() string { return "gcvm: " + e.Reason }

// VM interprets modal G-code against a State, advancing it one line at
// a time.
type VM struct {
	State *State

	// MaxFeed is the rapid (G0) traverse rate and the feed used to
	// convert inverse-time (G93) moves back into a duration.
	MaxFeed float64

	// Acceleration bounds how quickly the commanded feed can change
	// between consecutive moves; it drives the acceleration-penalty
	// term of the move-time estimate. It is intentionally a single
	// scalar, not per-axis: the model is approximate, and a single
	// constant keeps the estimate's shape legible.
	Acceleration float64

	// MinMoveTime clamps the estimated duration of any single move, in
	// seconds. Zero disables the clamp.
	MinMoveTime float64
}

// New returns a VM over a fresh State for the given axis labels (nil
// for the default x,y,z) with reasonable default tuning.
func New(axisLabels []byte) *VM {
	return &VM{
		State:        NewState(axisLabels),
		MaxFeed:      3000,
		Acceleration: 500,
	}
}

// RunResult summarizes the effect Run had on the VM's state.
type RunResult struct {
	IsMotion           bool
	MotionCode         string
	ChangedCoordOffsets []int
}

const epsilon = 1e-9

func codeEq(v, target float64) bool {
	return math.Abs(v-target) < epsilon
}

// isSimpleMotion reports whether line is exactly {motion-code? + F? +
// N? + axis-words}, in which case the modal scan can be skipped
// entirely. The set of legal letters is bounded to G (only with a
// motion value), F, N and the configured axis letters.
func (vm *VM) isSimpleMotion(line *gcode.Line) bool {
	for _, w := range line.Words() {
		switch w.Letter {
		case 'F', 'N':
			continue
		case 'G':
			if w.Value != 0 && w.Value != 1 && w.Value != 2 && w.Value != 3 {
				return false
			}
		default:
			if vm.State.AxisIndex(w.Letter) < 0 {
				return false
			}
		}
	}
	return true
}

func axisWords(st *State, line *gcode.Line) map[int]float64 {
	out := map[int]float64{}
	for i, letter := range st.AxisLabels {
		upper := letter
		if upper >= 'a' && upper <= 'z' {
			upper -= 'a' - 'A'
		}
		if v, ok := line.Get(upper); ok {
			out[i] = v
		}
	}
	return out
}

// Run advances the VM by one line of G-code.
func (vm *VM) Run(line *gcode.Line) (RunResult, error) {
	st := vm.State
	st.LineCounter++
	res := RunResult{}

	if v, ok := line.Get('N'); ok {
		st.Line = int(v)
	}
	if v, ok := line.Get('F'); ok {
		st.Feed = v
	}
	if v, ok := line.Get('S'); ok {
		vv := v
		st.SpindleSpeed = &vv
	}

	axes := axisWords(st, line)

	if vm.isSimpleMotion(line) {
		code := ""
		if gv, ok := line.Get('G'); ok {
			code = fmt.Sprintf("G%d", int(gv))
			st.MotionMode = &code
		} else if st.MotionMode != nil {
			code = *st.MotionMode
		} else {
			code = "G0"
			st.MotionMode = &code
		}
		if len(axes) > 0 {
			vm.dispatchMove(axes, code, &res)
		}
		return res, nil
	}

	dispatched := false

	if gv, ok := line.Get('G'); ok {
		switch {
		case codeEq(gv, 0) || codeEq(gv, 1) || codeEq(gv, 2) || codeEq(gv, 3):
			code := fmt.Sprintf("G%d", int(gv))
			st.MotionMode = &code
			if len(axes) > 0 {
				vm.dispatchMove(axes, code, &res)
				dispatched = true
			}
		case codeEq(gv, 80):
			st.MotionMode = nil
		case codeEq(gv, 17):
			st.ArcPlane = 0
		case codeEq(gv, 18):
			st.ArcPlane = 1
		case codeEq(gv, 19):
			st.ArcPlane = 2
		case codeEq(gv, 20):
			st.Units = "in"
		case codeEq(gv, 21):
			st.Units = "mm"
		case gv >= 54 && gv <= 59 && codeEq(gv, math.Trunc(gv)):
			idx := int(gv) - 54
			st.ActiveCoordSys = &idx
			st.recomputePos()
		case codeEq(gv, 90):
			st.Incremental = false
		case codeEq(gv, 91):
			st.Incremental = true
		case codeEq(gv, 93):
			st.InverseFeed = true
		case codeEq(gv, 94):
			st.InverseFeed = false
		case codeEq(gv, 53):
			prev := st.ActiveCoordSys
			st.ActiveCoordSys = nil
			if len(axes) > 0 {
				code := "G0"
				if st.MotionMode != nil {
					code = *st.MotionMode
				}
				vm.dispatchMove(axes, code, &res)
				dispatched = true
			}
			st.ActiveCoordSys = prev
			st.recomputePos()
		case codeEq(gv, 28), codeEq(gv, 30):
			slot := 0
			if codeEq(gv, 30) {
				slot = 1
			}
			vm.homeWithIntermediate(axes, slot)
			dispatched = true
		case codeEq(gv, 28.1):
			copy(st.StoredPositions[0], st.MPos)
		case codeEq(gv, 30.1):
			copy(st.StoredPositions[1], st.MPos)
		case codeEq(gv, 28.2), codeEq(gv, 28.3):
			for i := range axes {
				st.MPos[i] = 0
				st.Bounds.Extend(i, 0)
				st.MBounds.Extend(i, 0)
				st.HasMovedToAxes[i] = true
			}
			st.recomputePos()
			dispatched = true
		case codeEq(gv, 92):
			vm.setG92(axes)
		case codeEq(gv, 92.1):
			for i := range st.Offset {
				st.Offset[i] = 0
			}
			st.OffsetEnabled = false
			st.recomputePos()
		case codeEq(gv, 92.2):
			st.OffsetEnabled = false
			st.recomputePos()
		case codeEq(gv, 92.3):
			st.OffsetEnabled = true
			st.recomputePos()
		case codeEq(gv, 10):
			if lv, ok := line.Get('L'); ok && codeEq(lv, 2) {
				vm.g10L2(line, axes, &res)
			}
		case codeEq(gv, 4):
			if pv, ok := line.Get('P'); ok {
				st.TotalTime += pv
			}
		}
	}

	if mv, ok := line.Get('M'); ok {
		switch {
		case codeEq(mv, 2), codeEq(mv, 30):
			st.MotionMode = nil
			st.Spindle = false
			st.Coolant = 0
			st.Incremental = false
			st.InverseFeed = false
		case codeEq(mv, 3):
			st.Spindle = true
			st.SpindleDirection = 1
		case codeEq(mv, 4):
			st.Spindle = true
			st.SpindleDirection = -1
		case codeEq(mv, 5):
			st.Spindle = false
		case codeEq(mv, 7):
			st.Coolant = int(util.SetBit(byte(st.Coolant), 0, true))
		case codeEq(mv, 8):
			st.Coolant = int(util.SetBit(byte(st.Coolant), 1, true))
		case codeEq(mv, 9):
			st.Coolant = 0
		}
	}

	if !dispatched && len(axes) > 0 && !line.Has('G') {
		code := "G0"
		if st.MotionMode != nil {
			code = *st.MotionMode
		} else {
			st.MotionMode = &code
		}
		vm.dispatchMove(axes, code, &res)
	}

	return res, nil
}

func (vm *VM) dispatchMove(axes map[int]float64, code string, res *RunResult) {
	st := vm.State
	feed := st.Feed
	if code == "G0" {
		feed = vm.MaxFeed
	}
	targets := vm.resolveTargets(axes)
	vm.applyMove(targets, feed)
	res.IsMotion = true
	res.MotionCode = code
}

// resolveTargets turns a set of (axis index -> word value) pairs into
// absolute pos-space targets, honoring incremental mode.
func (vm *VM) resolveTargets(axes map[int]float64) map[int]float64 {
	st := vm.State
	out := make(map[int]float64, len(axes))
	for i, v := range axes {
		if st.Incremental {
			out[i] = st.Pos[i] + v
		} else {
			out[i] = v
		}
	}
	return out
}

// applyMove estimates travel time for a move to the given absolute
// pos-space targets (keyed by axis index; axes not present are held at
// their current position) and commits the resulting
// Pos/MPos/bounds/hasMoved state. The time model is approximate and
// controller-agnostic, not tied to any specific machine's actual motion
// profile.
func (vm *VM) applyMove(targets map[int]float64, feed float64) {
	st := vm.State
	n := len(st.AxisLabels)
	full := append([]float64(nil), st.Pos...)
	for i, v := range targets {
		full[i] = v
	}

	sumSq := 0.0
	for i := range targets {
		d := full[i] - st.Pos[i]
		sumSq += d * d
	}
	travel := math.Sqrt(sumSq)

	var moveSeconds float64
	if st.InverseFeed {
		minutes := feed
		if alt := travel / nonZero(vm.MaxFeed); alt > minutes {
			minutes = alt
		}
		moveSeconds = minutes * 60
	} else {
		axisFeed := make([]float64, n)
		if travel > 0 {
			for i := range targets {
				d := full[i] - st.Pos[i]
				axisFeed[i] = d / travel * feed
			}
		}
		maxPenalty := 0.0
		accel := nonZero(vm.Acceleration)
		for i := range targets {
			penalty := math.Abs(axisFeed[i]-st.axisFeed[i]) / accel
			if penalty > maxPenalty {
				maxPenalty = penalty
			}
		}
		accelDist := feed * 0.5 * accel * maxPenalty * maxPenalty
		accelDist = util.Clamp(accelDist, 0, travel)
		var minutes float64
		if feed > 0 {
			minutes = (travel-accelDist)/feed + maxPenalty
		}
		moveSeconds = minutes * 60
		for i := range targets {
			st.axisFeed[i] = axisFeed[i]
		}
	}
	if vm.MinMoveTime > 0 && moveSeconds < vm.MinMoveTime {
		moveSeconds = vm.MinMoveTime
	}
	st.TotalTime += moveSeconds

	// Bounds must cover the move's starting point as well as its
	// destination: a move from (0,0) to (10,0) passes through every x in
	// between, so the low bound is 0, not 10.
	oldPos := st.Pos
	oldMPos := append([]float64(nil), st.MPos...)

	st.Pos = full
	csOff := st.coordSysOffset()
	for i := range st.MPos {
		csp := st.Pos[i]
		if st.OffsetEnabled {
			csp -= st.Offset[i]
		}
		st.MPos[i] = csp + csOff[i]
	}
	for i := range targets {
		st.Bounds.Extend(i, oldPos[i])
		st.Bounds.Extend(i, st.Pos[i])
		st.MBounds.Extend(i, oldMPos[i])
		st.MBounds.Extend(i, st.MPos[i])
		if !st.Incremental {
			st.HasMovedToAxes[i] = true
		}
	}
}

func nonZero(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

// homeWithIntermediate implements G28/G30: move to the given
// intermediate point (on the axes named in the line), then to the
// corresponding stored machine position on those same axes.
func (vm *VM) homeWithIntermediate(axes map[int]float64, slot int) {
	st := vm.State
	if len(axes) > 0 {
		targets := vm.resolveTargets(axes)
		vm.applyMove(targets, vm.MaxFeed)
	}
	if len(axes) == 0 {
		return
	}
	stored := st.StoredPositions[slot]
	csOff := st.coordSysOffset()
	second := make(map[int]float64, len(axes))
	for i := range axes {
		csp := stored[i] - csOff[i]
		posTarget := csp
		if st.OffsetEnabled {
			posTarget = csp + st.Offset[i]
		}
		second[i] = posTarget
	}
	vm.applyMove(second, vm.MaxFeed)
}

// setG92 implements G92: record the offset that makes Pos read as the
// commanded value (or, for axes without a word, its current value) on
// each tracked axis.
func (vm *VM) setG92(axes map[int]float64) {
	st := vm.State
	csp := st.coordSysPos()
	for i := range st.AxisLabels {
		target := st.Pos[i]
		if v, ok := axes[i]; ok {
			target = v
		}
		st.Offset[i] = target - csp[i]
	}
	st.OffsetEnabled = true
	st.recomputePos()
}

// g10L2 implements G10 L2 P<n>: set coordinate-system n's offset from
// the given sparse coordinates while holding MPos constant.
func (vm *VM) g10L2(line *gcode.Line, axes map[int]float64, res *RunResult) {
	st := vm.State
	pv, ok := line.Get('P')
	if !ok {
		return
	}
	n := int(pv) - 1
	if n < 0 || n > 5 {
		return
	}
	for i, v := range axes {
		st.CoordSysOffsets[n][i] = st.MPos[i] - v
	}
	res.ChangedCoordOffsets = append(res.ChangedCoordOffsets, n)
	if st.ActiveCoordSys != nil && *st.ActiveCoordSys == n {
		st.recomputePos()
	}
}
