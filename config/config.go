// Package config loads the on-disk YAML configuration for a tightcnc-go
// run, a koanf-over-struct-tags pattern: defaults come from Default(),
// a YAML file overrides what it sets, and everything
// can be dumped back out with mkconf/conf.
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/pkg/errors"
)

// Connection describes how to reach the controller.
type Connection struct {
	Serial bool   `koanf:"serial"`
	Port   string `koanf:"port"`
	Baud   int    `koanf:"baud"`
	Addr   string `koanf:"addr"`
}

// VMConfig configures the gcode virtual machine.
type VMConfig struct {
	AxisLabels   string  `koanf:"axisLabels"`
	MaxFeed      float64 `koanf:"maxFeed"`
	Acceleration float64 `koanf:"acceleration"`
	MinMoveTime  float64 `koanf:"minMoveTime"`
}

// ProcessorsConfig toggles and tunes the optional chain members.
type ProcessorsConfig struct {
	MoveSplitterMaxLen float64          `koanf:"moveSplitterMaxLen"`
	AutolevelMapPath   string           `koanf:"autolevelMapPath"`
	RecoveryPath       string           `koanf:"recoveryPath"`
	RecoveryIntervalS  float64          `koanf:"recoveryIntervalSeconds"`
	BackUpLines        int              `koanf:"backUpLines"`
	ToolOffsets        map[string]float64 `koanf:"toolOffsets"`
	PreMacro           string           `koanf:"toolChangePreMacro"`
	PostMacro          string           `koanf:"toolChangePostMacro"`
	ClearanceMacro     string           `koanf:"clearanceMacro"`
	WorkpieceMacro     string           `koanf:"workpieceMacro"`
	MaxBuffered        int              `koanf:"runtimeOverrideMaxBuffered"`
}

// Config is the full root configuration document.
type Config struct {
	Connection Connection       `koanf:"connection"`
	VM         VMConfig         `koanf:"vm"`
	Processors ProcessorsConfig `koanf:"processors"`
	LogLevel   string           `koanf:"logLevel"`
}

// Default returns the built-in defaults, matching what a freshly
// constructed gcvm.VM and bare processors chain would use.
func Default() Config {
	return Config{
		Connection: Connection{Serial: true, Port: "/dev/ttyUSB0", Baud: 115200},
		VM: VMConfig{
			AxisLabels:   "xyz",
			MaxFeed:      3000,
			Acceleration: 500,
		},
		Processors: ProcessorsConfig{
			MoveSplitterMaxLen: 10,
			RecoveryPath:       "recovery.json",
			RecoveryIntervalS:  5,
			BackUpLines:        50,
			MaxBuffered:        500,
		},
		LogLevel: "info",
	}
}

// Loader wraps a koanf instance seeded with Config's defaults, used by
// the CLI's setupconfig/mkconf/printconf commands.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader returns a Loader with defaults loaded but no file read yet.
func NewLoader() *Loader {
	l := &Loader{k: koanf.New(".")}
	l.k.Load(structs.Provider(Default(), "koanf"), nil)
	return l
}

// LoadFile merges path's YAML contents over the defaults. A missing file
// is not an error; other read/parse failures are.
func (l *Loader) LoadFile(path string) error {
	if err := l.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if strings.Contains(err.Error(), "no such") {
			return nil
		}
		return errors.Wrapf(err, "load config file %s", path)
	}
	return nil
}

// Unmarshal decodes the merged configuration into a Config.
func (l *Loader) Unmarshal() (Config, error) {
	var c Config
	if err := l.k.Unmarshal("", &c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return c, nil
}
