package processors

import (
	"fmt"
	"os"
	"strings"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/pipeline"
	"github.com/crispyconductor/tightcnc-go/recovery"
)

type ringEntry struct {
	line *gcode.Line
	pre  *gcvm.State
}

// RecoveryReplay resumes a job from a recovery snapshot: it silently
// black-holes incoming lines (firing their lifecycle hooks immediately
// instead of passing them downstream) while tracking VM state and a
// ring buffer of the last BackUpLines lines, until cumulative time
// catches up with the snapshot's predicted-time offset. At that point
// it flushes a clearance move, a VM-sync back to the resumed modal
// state, a dwell, a return move, the buffered lines, and switches to
// plain passthrough for everything after.
type RecoveryReplay struct {
	pipeline.Base

	Path            string
	BackUpLines     int
	ClearanceMacro  string // gcode text, may reference {X} {Y} {Z}
	WorkpieceMacro  string
	VM              *gcvm.VM

	snapshot    recovery.File
	ring        []ringEntry
	maxDwell    float64
	passthrough bool
}

// NewRecoveryReplay returns a replay processor over vm. If no recovery
// file exists at path, the processor is inert and every line passes
// straight through.
func NewRecoveryReplay(path string, backUpLines int, clearanceMacro, workpieceMacro string, vm *gcvm.VM) *RecoveryReplay {
	return &RecoveryReplay{
		Base:           pipeline.NewBase("recoveryreplay"),
		Path:           path,
		BackUpLines:    backUpLines,
		ClearanceMacro: clearanceMacro,
		WorkpieceMacro: workpieceMacro,
		VM:             vm,
	}
}

func (rr *RecoveryReplay) Init(_ pipeline.PreprocessFunc) error {
	if _, statErr := os.Stat(rr.Path); os.IsNotExist(statErr) {
		rr.passthrough = true
		return nil
	}
	snap, err := recovery.Load(rr.Path)
	if err != nil {
		// A present-but-corrupt recovery file is treated the same as
		// absent: replay starts from line 0 rather than trusting
		// partial data.
		if err == recovery.ErrCorrupt {
			rr.passthrough = true
			return nil
		}
		return err
	}
	rr.snapshot = snap
	return nil
}

func substituteMacro(macro string, st *gcvm.State) string {
	r := strings.NewReplacer(
		"{X}", fmt.Sprintf("%v", axisOr(st, 0)),
		"{Y}", fmt.Sprintf("%v", axisOr(st, 1)),
		"{Z}", fmt.Sprintf("%v", axisOr(st, 2)),
	)
	return r.Replace(macro)
}

func axisOr(st *gcvm.State, i int) float64 {
	if i < len(st.Pos) {
		return st.Pos[i]
	}
	return 0
}

func parseMacroLines(macro string) []*gcode.Line {
	var out []*gcode.Line
	for _, raw := range strings.Split(macro, "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if l, err := gcode.Parse(raw); err == nil && !l.IsEmpty() {
			out = append(out, l)
		}
	}
	return out
}

func (rr *RecoveryReplay) Process(line *gcode.Line) ([]*gcode.Line, error) {
	if rr.passthrough {
		return []*gcode.Line{line}, nil
	}

	pre := rr.VM.State.Clone()
	if gv, ok := line.Get('G'); ok && gv == 4 {
		if pv, ok := line.Get('P'); ok && pv > rr.maxDwell {
			rr.maxDwell = pv
		}
	}
	if _, err := rr.VM.Run(line); err != nil {
		return nil, err
	}
	line.CallAllHooks()

	rr.ring = append(rr.ring, ringEntry{line: line, pre: pre})
	if rr.BackUpLines > 0 && len(rr.ring) > rr.BackUpLines {
		rr.ring = rr.ring[len(rr.ring)-rr.BackUpLines:]
	}

	if rr.VM.State.TotalTime >= rr.snapshot.PredictedTimeOffset {
		return rr.flush()
	}
	return nil, nil
}

func (rr *RecoveryReplay) flush() ([]*gcode.Line, error) {
	rr.passthrough = true
	var out []*gcode.Line

	if len(rr.ring) > 0 {
		out = append(out, parseMacroLines(substituteMacro(rr.ClearanceMacro, rr.ring[0].pre))...)
	}
	out = append(out, rr.VM.SyncMachineToState(rr.VM.State, nil, nil)...)
	if rr.maxDwell > 0 {
		if dwell, err := gcode.Parse(fmt.Sprintf("G4 P%v", rr.maxDwell)); err == nil {
			out = append(out, dwell)
		}
	}
	out = append(out, parseMacroLines(substituteMacro(rr.WorkpieceMacro, rr.VM.State))...)
	for _, e := range rr.ring {
		out = append(out, e.line)
	}
	rr.ring = nil
	return out, nil
}

// Flush is a no-op for RecoveryReplay: it switches to passthrough once
// it has caught up to the recorded time offset, not on upstream
// end-of-input.
func (rr *RecoveryReplay) Flush() ([]*gcode.Line, error) { return nil, nil }
