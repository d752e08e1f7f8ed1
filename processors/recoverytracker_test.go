package processors_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/processors"
	"github.com/crispyconductor/tightcnc-go/recovery"
)

func TestRecoveryTrackerSavesOnInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	vm := gcvm.New(nil)
	rt := processors.NewRecoveryTracker(path, 0, vm, map[string]interface{}{"file": "job.gcode"})

	line, err := gcode.Parse("G1 X10 F100")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Run(line); err != nil {
		t.Fatal(err)
	}
	out, err := rt.Process(line)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != line {
		t.Fatalf("expected line to pass through unmodified")
	}
	line.TriggerSync("executed")

	f, err := recovery.Load(path)
	if err != nil {
		t.Fatalf("expected recovery file to have been saved: %v", err)
	}
	if f.JobOptions["file"] != "job.gcode" {
		t.Errorf("expected job options to be persisted, got %+v", f.JobOptions)
	}
}

func TestRecoveryTrackerSkipsSaveBeforeInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	vm := gcvm.New(nil)
	rt := processors.NewRecoveryTracker(path, time.Hour, vm, nil)

	line, _ := gcode.Parse("G1 X10 F100")
	if _, err := rt.Process(line); err != nil {
		t.Fatal(err)
	}
	// The very first call always saves: lastSave starts at the zero time.
	if _, err := recovery.Load(path); err != nil {
		t.Fatalf("expected first Process call to save regardless of interval: %v", err)
	}
	if err := recovery.Delete(path); err != nil {
		t.Fatal(err)
	}

	// A second Process call within the interval must not save again.
	line2, _ := gcode.Parse("G1 X20 F100")
	if _, err := rt.Process(line2); err != nil {
		t.Fatal(err)
	}
	if _, err := recovery.Load(path); err == nil {
		t.Errorf("expected no save from a second Process call within the interval")
	}
}

func TestRecoveryTrackerFlushDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	vm := gcvm.New(nil)
	rt := processors.NewRecoveryTracker(path, 0, vm, nil)

	line, _ := gcode.Parse("G1 X10 F100")
	if _, err := rt.Process(line); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Flush(); err != nil {
		t.Fatalf("unexpected error from Flush: %v", err)
	}
	if _, err := recovery.Load(path); err == nil {
		t.Errorf("expected recovery file to be deleted after Flush")
	}
}

func TestRecoveryTrackerStatusReportsOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	vm := gcvm.New(nil)
	rt := processors.NewRecoveryTracker(path, time.Hour, vm, nil)

	line, _ := gcode.Parse("G1 X10 F100")
	if _, err := vm.Run(line); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Process(line); err != nil {
		t.Fatal(err)
	}
	line.TriggerSync("executed")

	status, ok := rt.Status().(map[string]interface{})
	if !ok {
		t.Fatalf("expected Status() to return a map")
	}
	if status["lineCountOffset"] != vm.State.LineCounter {
		t.Errorf("expected lineCountOffset %v, got %v", vm.State.LineCounter, status["lineCountOffset"])
	}
}
