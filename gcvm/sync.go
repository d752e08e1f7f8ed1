package gcvm

import (
	"fmt"

	"github.com/crispyconductor/tightcnc-go/gcode"
)

// MachineSnapshot is the subset of live controller state a VM can be
// reconciled against: a status report reduced to the fields the VM
// understands, independent of any particular controller's wire format.
type MachineSnapshot struct {
	MPos             []float64
	Feed             float64
	Units            string
	Incremental      bool
	InverseFeed      bool
	ActiveCoordSys   *int
	Spindle          bool
	SpindleDirection int
	SpindleSpeed     *float64
	Coolant          int
	Line             int
}

func fieldWanted(name string, include, exclude []string) bool {
	if len(include) > 0 {
		for _, f := range include {
			if f == name {
				return true
			}
		}
		return false
	}
	for _, f := range exclude {
		if f == name {
			return false
		}
	}
	return true
}

// SyncStateFromController overwrites VM state fields with values taken
// from a machine snapshot (e.g. a controller's reduced status report).
// include/exclude name the fields to restrict the sync to; both nil/empty
// means every field. Only mpos is authoritative over machine position:
// Pos is rederived from it rather than trusted from the snapshot, since
// the snapshot does not carry the G92/coord-system math this VM owns.
func (vm *VM) SyncStateFromController(snap MachineSnapshot, include, exclude []string) {
	st := vm.State
	if fieldWanted("mpos", include, exclude) && len(snap.MPos) == len(st.MPos) {
		copy(st.MPos, snap.MPos)
	}
	if fieldWanted("feed", include, exclude) {
		st.Feed = snap.Feed
	}
	if fieldWanted("units", include, exclude) && snap.Units != "" {
		st.Units = snap.Units
	}
	if fieldWanted("incremental", include, exclude) {
		st.Incremental = snap.Incremental
	}
	if fieldWanted("inverse_feed", include, exclude) {
		st.InverseFeed = snap.InverseFeed
	}
	if fieldWanted("coord_sys", include, exclude) {
		st.ActiveCoordSys = snap.ActiveCoordSys
	}
	if fieldWanted("spindle", include, exclude) {
		st.Spindle = snap.Spindle
		st.SpindleDirection = snap.SpindleDirection
		if snap.SpindleSpeed != nil {
			v := *snap.SpindleSpeed
			st.SpindleSpeed = &v
		}
	}
	if fieldWanted("coolant", include, exclude) {
		st.Coolant = snap.Coolant
	}
	if fieldWanted("line", include, exclude) && snap.Line != 0 {
		st.Line = snap.Line
	}
	st.recomputePos()
}

// SyncMachineToState returns a sequence of G-code lines that imposes
// target's modal state (vm's own state when target is nil) on a machine.
// Every wanted aspect is emitted, whether or not the machine already
// matches it. include/exclude restrict which aspects are emitted; both
// nil/empty means every aspect.
func (vm *VM) SyncMachineToState(target *State, include, exclude []string) []*gcode.Line {
	if target == nil {
		target = vm.State
	}
	var out []*gcode.Line

	push := func(s string) {
		l, err := gcode.Parse(s)
		if err == nil {
			out = append(out, l)
		}
	}

	if fieldWanted("units", include, exclude) {
		if target.Units == "in" {
			push("G20")
		} else {
			push("G21")
		}
	}
	if fieldWanted("coord_sys", include, exclude) && target.ActiveCoordSys != nil {
		push(fmt.Sprintf("G%d", 54+*target.ActiveCoordSys))
	}
	if fieldWanted("incremental", include, exclude) {
		if target.Incremental {
			push("G91")
		} else {
			push("G90")
		}
	}
	if fieldWanted("inverse_feed", include, exclude) {
		if target.InverseFeed {
			push("G93")
		} else {
			push("G94")
		}
	}
	if fieldWanted("arc_plane", include, exclude) {
		push(fmt.Sprintf("G%d", 17+target.ArcPlane))
	}
	if fieldWanted("motion_mode", include, exclude) && target.MotionMode != nil {
		push(*target.MotionMode)
	}
	if fieldWanted("feed", include, exclude) && target.Feed != 0 {
		push(fmt.Sprintf("F%v", target.Feed))
	}
	if fieldWanted("spindle", include, exclude) {
		switch {
		case target.Spindle && target.SpindleDirection >= 0:
			push("M3")
		case target.Spindle:
			push("M4")
		default:
			push("M5")
		}
	}
	if fieldWanted("coolant", include, exclude) {
		switch target.Coolant {
		case 0:
			push("M9")
		default:
			if target.Coolant&1 != 0 {
				push("M7")
			}
			if target.Coolant&2 != 0 {
				push("M8")
			}
		}
	}
	return out
}
