package processors_test

import (
	"testing"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/pipeline"
	"github.com/crispyconductor/tightcnc-go/processors"
)

func TestIdentityPassesThroughUnchanged(t *testing.T) {
	id := processors.NewIdentity()
	line, err := gcode.Parse("G1 X10 Y20 F500")
	if err != nil {
		t.Fatal(err)
	}
	out, err := id.Process(line)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != line {
		t.Fatalf("expected identity to return the same line unmodified")
	}
}

func TestIdentityCopyIsIndependent(t *testing.T) {
	id := processors.NewIdentity()
	p, err := id.Copy()
	if err != nil {
		t.Fatal(err)
	}
	var _ pipeline.Processor = p
	if p == pipeline.Processor(id) {
		t.Errorf("expected Copy to return a distinct instance")
	}
}
