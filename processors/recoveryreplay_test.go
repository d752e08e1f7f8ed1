package processors_test

import (
	"path/filepath"
	"testing"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/processors"
	"github.com/crispyconductor/tightcnc-go/recovery"
)

func TestRecoveryReplayPassesThroughWhenNoSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	vm := gcvm.New(nil)
	rr := processors.NewRecoveryReplay(path, 5, "", "", vm)
	if err := rr.Init(nil); err != nil {
		t.Fatal(err)
	}

	line, err := gcode.Parse("G1 X10 F100")
	if err != nil {
		t.Fatal(err)
	}
	out, err := rr.Process(line)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != line {
		t.Fatalf("expected passthrough with no snapshot present")
	}
}

func TestRecoveryReplayBlackholesUntilCaughtUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	if err := recovery.Save(path, recovery.File{LineCountOffset: 1, PredictedTimeOffset: 0.01}); err != nil {
		t.Fatal(err)
	}

	vm := gcvm.New(nil)
	rr := processors.NewRecoveryReplay(path, 5, "", "", vm)
	if err := rr.Init(nil); err != nil {
		t.Fatal(err)
	}

	line, err := gcode.Parse("G1 X10 F1")
	if err != nil {
		t.Fatal(err)
	}

	fired := false
	line.HookSync("executed", func() { fired = true })

	out, err := rr.Process(line)
	if err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Errorf("expected hooks to fire immediately while black-holing")
	}
	if len(out) == 0 {
		t.Fatalf("expected flush output once predicted time is reached")
	}
	last := out[len(out)-1]
	if last != line {
		t.Errorf("expected the buffered source line to be the last emitted line")
	}
}
