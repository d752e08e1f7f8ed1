package processors_test

import (
	"testing"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/processors"
)

type fakeController struct {
	waitSyncCalls, pauseCalls, resumeCalls int
}

func (f *fakeController) WaitSync() error              { f.waitSyncCalls++; return nil }
func (f *fakeController) PauseSpindleCoolant() error   { f.pauseCalls++; return nil }
func (f *fakeController) ResumeSpindleCoolant() error  { f.resumeCalls++; return nil }

type fakeResume struct{ calls int }

func (f *fakeResume) WaitResume() error { f.calls++; return nil }

func TestToolChangeTracksCurrentTool(t *testing.T) {
	vm := gcvm.New(nil)
	ctrl := &fakeController{}
	tc := processors.NewToolChange(ctrl, nil, vm)

	tline, err := gcode.Parse("T3")
	if err != nil {
		t.Fatal(err)
	}
	out, err := tc.Process(tline)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != tline {
		t.Fatalf("expected T-word line to pass through, got %d lines", len(out))
	}
}

func TestToolChangePausesAndRunsMacrosOnM6(t *testing.T) {
	vm := gcvm.New(nil)
	ctrl := &fakeController{}
	resume := &fakeResume{}
	tc := processors.NewToolChange(ctrl, resume, vm)
	tc.PreMacro = "G91 G0 Z10"
	tc.PostMacro = "G90"

	m6, _ := gcode.Parse("M6")
	out, err := tc.Process(m6)
	if err != nil {
		t.Fatal(err)
	}
	if ctrl.waitSyncCalls != 1 || ctrl.pauseCalls != 1 || ctrl.resumeCalls != 1 {
		t.Fatalf("expected one wait/pause/resume call each, got %+v", ctrl)
	}
	if resume.calls != 1 {
		t.Fatalf("expected WaitResume to be called once, got %d", resume.calls)
	}
	if len(out) == 0 || out[len(out)-1] != m6 {
		t.Errorf("expected original M6 line to be emitted last")
	}
}

func TestToolChangeAppliesOffsetToZ(t *testing.T) {
	vm := gcvm.New(nil)
	ctrl := &fakeController{}
	tc := processors.NewToolChange(ctrl, nil, vm)
	tc.ToolOffsets[2] = 5

	tline, _ := gcode.Parse("T2")
	if _, err := tc.Process(tline); err != nil {
		t.Fatal(err)
	}

	move, _ := gcode.Parse("G1 Z10")
	out, err := tc.Process(move)
	if err != nil {
		t.Fatal(err)
	}
	z, ok := out[0].Get('Z')
	if !ok || z != 15 {
		t.Errorf("expected Z offset by 5 -> 15, got %v", z)
	}
}

func TestToolChangeSkipsOffsetWithG53(t *testing.T) {
	vm := gcvm.New(nil)
	ctrl := &fakeController{}
	tc := processors.NewToolChange(ctrl, nil, vm)
	tc.ToolOffsets[2] = 5

	tline, _ := gcode.Parse("T2")
	if _, err := tc.Process(tline); err != nil {
		t.Fatal(err)
	}

	move, _ := gcode.Parse("G53 Z10")
	out, err := tc.Process(move)
	if err != nil {
		t.Fatal(err)
	}
	z, ok := out[0].Get('Z')
	if !ok || z != 10 {
		t.Errorf("expected Z left untouched at 10 under G53, got %v", z)
	}
}
