package processors

import (
	"sync"
	"time"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/pipeline"
	"github.com/crispyconductor/tightcnc-go/recovery"
)

// RecoveryTracker periodically snapshots job progress to a recovery
// file, keyed off the most recently *executed* line (not merely
// emitted), so a crash mid-job resumes from real machine progress
// rather than from however far the pipeline had read ahead.
type RecoveryTracker struct {
	pipeline.Base

	Path       string
	Interval   time.Duration
	JobOptions map[string]interface{}
	VM         *gcvm.VM

	mu       sync.Mutex
	lastSave time.Time
	offset   recovery.File
}

// NewRecoveryTracker returns a tracker writing to path every interval,
// reading progress off vm (the VM the rest of the chain advances).
func NewRecoveryTracker(path string, interval time.Duration, vm *gcvm.VM, jobOptions map[string]interface{}) *RecoveryTracker {
	return &RecoveryTracker{
		Base:       pipeline.NewBase("recoverytracker"),
		Path:       path,
		Interval:   interval,
		JobOptions: jobOptions,
		VM:         vm,
	}
}

func (rt *RecoveryTracker) Process(line *gcode.Line) ([]*gcode.Line, error) {
	lineCount, totalTime := rt.VM.State.LineCounter, rt.VM.State.TotalTime
	line.HookSync("executed", func() {
		rt.mu.Lock()
		rt.offset.LineCountOffset = lineCount
		rt.offset.PredictedTimeOffset = totalTime
		rt.mu.Unlock()
	})

	if time.Since(rt.lastSave) >= rt.Interval {
		rt.mu.Lock()
		rt.offset.JobOptions = rt.JobOptions
		snapshot := rt.offset
		rt.mu.Unlock()
		rt.lastSave = time.Now()
		if err := recovery.Save(rt.Path, snapshot); err != nil {
			return nil, err
		}
	}

	return []*gcode.Line{line}, nil
}

// Flush deletes the recovery file: the job reached its end without
// needing it.
func (rt *RecoveryTracker) Flush() ([]*gcode.Line, error) {
	return nil, recovery.Delete(rt.Path)
}

func (rt *RecoveryTracker) Status() interface{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return map[string]interface{}{
		"lineCountOffset":     rt.offset.LineCountOffset,
		"predictedTimeOffset": rt.offset.PredictedTimeOffset,
	}
}
