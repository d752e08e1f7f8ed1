package gcode_test

import (
	"testing"

	"github.com/crispyconductor/tightcnc-go/gcode"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"G1 X10 Y-5.5 F100",
		"G0 X0 Y0 Z5",
		"M3 S1000",
		"N10 G1 X1",
	}
	for _, in := range cases {
		l, err := gcode.Parse(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		out := l.String()
		if out != in {
			t.Errorf("round trip mismatch: parse(%q).String() = %q", in, out)
		}
	}
}

func TestParseWithComment(t *testing.T) {
	l, err := gcode.Parse("G1 X1 (move right)")
	if err != nil {
		t.Fatal(err)
	}
	c, ok := l.Comment()
	if !ok || c != "move right" {
		t.Errorf("expected comment %q, got %q (present=%v)", "move right", c, ok)
	}
}

func TestParseSemicolonComment(t *testing.T) {
	l, err := gcode.Parse("G1 X1 ; move right")
	if err != nil {
		t.Fatal(err)
	}
	c, ok := l.Comment()
	if !ok || c != "move right" {
		t.Errorf("expected comment %q, got %q (present=%v)", "move right", c, ok)
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := gcode.Parse("G1 X")
	if err == nil {
		t.Fatal("expected a ParseError for a value-less word")
	}
	if _, ok := err.(*gcode.ParseError); !ok {
		t.Errorf("expected *gcode.ParseError, got %T", err)
	}
}

func TestSetUpdatesInPlace(t *testing.T) {
	l, err := gcode.Parse("G1 X1 Y2")
	if err != nil {
		t.Fatal(err)
	}
	l.Set('X', 5)
	if out := l.String(); out != "G1 X5 Y2" {
		t.Errorf("expected update in place to preserve order, got %q", out)
	}
}

func TestGetHas(t *testing.T) {
	l, _ := gcode.Parse("G1 X1.5")
	v, ok := l.Get('x')
	if !ok || v != 1.5 {
		t.Errorf("expected X=1.5, got %v ok=%v", v, ok)
	}
	if l.Has('Z') {
		t.Error("expected Z to be absent")
	}
}

func TestRemove(t *testing.T) {
	l, _ := gcode.Parse("G1 X1 Y2 Z3")
	l.Remove('Y')
	if l.Has('Y') {
		t.Error("expected Y removed")
	}
	if out := l.String(); out != "G1 X1 Z3" {
		t.Errorf("unexpected serialization after remove: %q", out)
	}
}

func TestHookFiresOnceInOrder(t *testing.T) {
	l := gcode.New()
	var order []string
	l.HookSync("queued", func() { order = append(order, "a") })
	l.HookSync("queued", func() { order = append(order, "b") })
	l.TriggerSync("queued")
	l.TriggerSync("queued") // idempotent
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("expected hooks fired once in registration order, got %v", order)
	}
}

func TestHookRegisteredAfterFireInvokesImmediately(t *testing.T) {
	l := gcode.New()
	l.TriggerSync("sent")
	fired := false
	l.HookSync("sent", func() { fired = true })
	if !fired {
		t.Error("expected hook registered after trigger to fire immediately")
	}
}

func TestCallAllHooksOrder(t *testing.T) {
	l := gcode.New()
	var order []string
	for _, name := range gcode.HookNames {
		name := name
		l.HookSync(name, func() { order = append(order, name) })
	}
	l.CallAllHooks()
	if len(order) != len(gcode.HookNames) {
		t.Fatalf("expected all %d hooks fired, got %d", len(gcode.HookNames), len(order))
	}
	for i, name := range gcode.HookNames {
		if order[i] != name {
			t.Errorf("expected hook %d to be %q, got %q", i, name, order[i])
		}
	}
}
