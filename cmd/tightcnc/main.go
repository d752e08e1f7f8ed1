package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/theckman/yacspin"

	yml "github.com/go-yaml/yaml"

	"github.com/crispyconductor/tightcnc-go/config"
	"github.com/crispyconductor/tightcnc-go/controller"
	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/gcvm"
	"github.com/crispyconductor/tightcnc-go/pipeline"
	"github.com/crispyconductor/tightcnc-go/processors"
)

// Version is the version number, typically injected via ldflags with git build.
var Version = "dev"

const configFileName = "tightcnc.yml"

var loader = config.NewLoader()

func root() {
	str := `tightcnc-go streams and supervises G-code jobs against a
TinyG-style serial controller, with inline autoleveling, move
splitting, tool-change handling, and crash recovery.

Usage:
	tightcnc <command> [file]

Commands:
	run <file>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `tightcnc-go is configured via tightcnc.yml. Keys are not case
sensitive. "mkconf" writes out the defaults as a starting point;
"conf" prints the currently merged configuration.`
	fmt.Println(str)
}

func setupconfig() {
	if err := loader.LoadFile(configFileName); err != nil {
		log.Fatalf("error loading config: %v", err)
	}
}

func mkconf() {
	c := config.Default()
	f, err := os.Create(configFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := loader.Unmarshal()
	if err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("tightcnc-go version %v\n", Version)
}

// buildChain assembles the processor chain described by c: autolevel
// or move splitting closest to the source, tool-change and runtime
// override in the middle, and recovery bookkeeping nearest the
// controller.
func buildChain(c config.Config, vm *gcvm.VM, ctrl processors.Controller) ([]pipeline.Processor, error) {
	var chain []pipeline.Processor

	if c.Processors.AutolevelMapPath != "" {
		al, err := processors.NewAutolevel(c.Processors.AutolevelMapPath)
		if err != nil {
			return nil, err
		}
		chain = append(chain, al)
	} else if c.Processors.MoveSplitterMaxLen > 0 {
		chain = append(chain, processors.NewMoveSplitter(c.Processors.MoveSplitterMaxLen))
	}

	tc := processors.NewToolChange(ctrl, nil, vm)
	tc.PreMacro = c.Processors.PreMacro
	tc.PostMacro = c.Processors.PostMacro
	for name, off := range c.Processors.ToolOffsets {
		var tool int
		fmt.Sscanf(name, "%d", &tool)
		tc.ToolOffsets[tool] = off
	}
	chain = append(chain, tc)

	chain = append(chain, processors.NewRuntimeOverride(c.Processors.MaxBuffered))

	interval := time.Duration(c.Processors.RecoveryIntervalS * float64(time.Second))
	chain = append(chain, processors.NewRecoveryTracker(c.Processors.RecoveryPath, interval, vm, nil))

	chain = append(chain, processors.NewRecoveryReplay(
		c.Processors.RecoveryPath,
		c.Processors.BackUpLines,
		c.Processors.ClearanceMacro,
		c.Processors.WorkpieceMacro,
		vm,
	))

	return chain, nil
}

func run(path string) {
	if path == "" {
		log.Fatal("run requires a gcode file path")
	}
	c, err := loader.Unmarshal()
	if err != nil {
		log.Fatal(err)
	}

	axisLabels := []byte(strings.ToLower(c.VM.AxisLabels))
	vm := gcvm.New(axisLabels)
	if c.VM.MaxFeed > 0 {
		vm.MaxFeed = c.VM.MaxFeed
	}
	if c.VM.Acceleration > 0 {
		vm.Acceleration = c.VM.Acceleration
	}
	vm.MinMoveTime = c.VM.MinMoveTime

	ctrl := controller.NewMock()

	procs, err := buildChain(c, vm, ctrl)
	if err != nil {
		color.Red("failed to build processor chain: %v", err)
		os.Exit(1)
	}

	sourceFactory := func() (*gcode.Source, error) {
		return gcode.NewSourceFromFile(path)
	}
	chainDef, err := pipeline.Build(procs, sourceFactory)
	if err != nil {
		color.Red("failed to initialize chain: %v", err)
		os.Exit(1)
	}

	src, err := sourceFactory()
	if err != nil {
		color.Red("failed to open %s: %v", path, err)
		os.Exit(1)
	}
	lines, parseErrs := src.Lines()
	for _, pe := range parseErrs {
		color.Yellow("skipping unparseable line: %v", pe)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " running " + path,
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err == nil {
		spinner.Start()
		defer spinner.Stop()
	}

	in := make(chan *gcode.Line)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, errCh := chainDef.Run(ctx, in)

	go func() {
		defer close(in)
		for _, l := range lines {
			in <- l
		}
	}()

	executed := 0
	for {
		select {
		case l, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			l.CallAllHooks()
			executed++
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				color.Red("processing error: %v", err)
			}
		}
		if out == nil && errCh == nil {
			break
		}
	}

	if spinner != nil {
		spinner.StopMessage(fmt.Sprintf("executed %d lines", executed))
	}
	color.Green("job complete: %d lines executed", executed)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	var arg string
	if len(args) > 2 {
		arg = args[2]
	}
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run(arg)
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
