// Package testbench stores per-file simulation settings.
//
// Settings for a source file live next to it in <file>.tbconf as a flat YAML
// mapping. Values are validated against an embedded CUE schema before they are
// saved, so a bad standard or wave format is rejected when it is set rather than
// when ghdl runs.
package testbench

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Extension is appended to a source file name to form its settings file.
const Extension = ".tbconf"

// Setting keys.
const (
	KeyVhdlStandard             = "VhdlStandard"
	KeyWaveOutputFormat         = "WaveOutputFormat"
	KeyAssertLevel              = "AssertLevel"
	KeyAdditionalGhdlOptions    = "AdditionalGhdlOptions"
	KeyAdditionalGhdlSimOptions = "AdditionalGhdlSimOptions"
	KeySimulationStopTime       = "SimulationStopTime"
	KeyGtkwSaveFile             = "GtkwSaveFile"
	KeyGtkwWaveArgs             = "GtkwWaveArgs"
)

// Keys lists every known setting.
var Keys = []string{
	KeyVhdlStandard,
	KeyWaveOutputFormat,
	KeyAssertLevel,
	KeyAdditionalGhdlOptions,
	KeyAdditionalGhdlSimOptions,
	KeySimulationStopTime,
	KeyGtkwSaveFile,
	KeyGtkwWaveArgs,
}

// Defaults applied when a setting is absent.
const (
	DefaultVhdlStandard     = "93c"
	DefaultWaveOutputFormat = "VCD"
	DefaultAssertLevel      = "default"
)

// ErrInvalidSetting is returned for values the schema rejects.
var ErrInvalidSetting = errors.New("invalid test bench setting")

//go:embed schema.cue
var schemaFS embed.FS

// Validator checks settings against the embedded CUE schema.
type Validator struct {
	ctx   *cue.Context
	bench cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()

	schemaBytes, err := schemaFS.ReadFile("schema.cue")
	if err != nil {
		return nil, fmt.Errorf("loading embedded schema: %w", err)
	}

	schema := ctx.CompileBytes(schemaBytes)
	if schema.Err() != nil {
		return nil, fmt.Errorf("compiling schema: %w", schema.Err())
	}

	bench := schema.LookupPath(cue.ParsePath("#Bench"))
	if bench.Err() != nil {
		return nil, fmt.Errorf("looking up #Bench definition: %w", bench.Err())
	}

	return &Validator{ctx: ctx, bench: bench}, nil
}

// Validate checks a settings map.
func (v *Validator) Validate(values map[string]string) error {
	jsonBytes, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshaling settings to JSON: %w", err)
	}

	data := v.ctx.CompileBytes(jsonBytes)
	if data.Err() != nil {
		return fmt.Errorf("compiling settings as CUE: %w", data.Err())
	}

	if err := v.bench.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	return nil
}

// Path returns the settings file for a source file.
func Path(file string) string {
	return file + Extension
}

// Context holds the settings of one source file.
type Context struct {
	file      string
	values    map[string]string
	validator *Validator
}

// Load reads the settings of file. A missing settings file yields an empty context.
func Load(file string, validator *Validator) (*Context, error) {
	c := &Context{file: file, values: map[string]string{}, validator: validator}

	data, err := os.ReadFile(Path(file))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read test bench settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &c.values); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", Path(file), err)
	}
	if c.values == nil {
		c.values = map[string]string{}
	}
	if validator != nil {
		if err := validator.Validate(c.values); err != nil {
			return nil, fmt.Errorf("%s: %w", Path(file), err)
		}
	}
	return c, nil
}

// File returns the source file the settings belong to.
func (c *Context) File() string {
	return c.file
}

// Get returns a setting.
func (c *Context) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set sets a setting. An empty value removes it.
func (c *Context) Set(key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		delete(c.values, key)
		return nil
	}

	if c.validator != nil {
		next := make(map[string]string, len(c.values)+1)
		for k, v := range c.values {
			next[k] = v
		}
		next[key] = value
		if err := c.validator.Validate(next); err != nil {
			return err
		}
	}
	c.values[key] = value
	return nil
}

// Values returns a copy of the stored settings.
func (c *Context) Values() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// SortedKeys returns the stored keys in order.
func (c *Context) SortedKeys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save writes the settings file, or removes it when no setting is left.
func (c *Context) Save() error {
	if len(c.values) == 0 {
		if err := os.Remove(Path(c.file)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove test bench settings: %w", err)
		}
		return nil
	}

	data, err := yaml.Marshal(c.values)
	if err != nil {
		return fmt.Errorf("failed to marshal test bench settings: %w", err)
	}
	if err := os.WriteFile(Path(c.file), data, 0644); err != nil {
		return fmt.Errorf("failed to write test bench settings: %w", err)
	}
	return nil
}

// Settings is the resolved view of a context used to build ghdl arguments.
type Settings struct {
	VhdlStandard     string
	WaveOutputFormat string
	AssertLevel      string
	GhdlOptions      []string
	GhdlSimOptions   []string
	StopTime         string
	GtkwSaveFile     string
	GtkwWaveArgs     []string
}

// Resolve applies defaults. The VHDL standard falls back to projectStandard and
// then to 93c.
func (c *Context) Resolve(projectStandard string) Settings {
	s := Settings{
		VhdlStandard:     c.values[KeyVhdlStandard],
		WaveOutputFormat: c.values[KeyWaveOutputFormat],
		AssertLevel:      c.values[KeyAssertLevel],
		GhdlOptions:      strings.Fields(c.values[KeyAdditionalGhdlOptions]),
		GhdlSimOptions:   strings.Fields(c.values[KeyAdditionalGhdlSimOptions]),
		StopTime:         c.values[KeySimulationStopTime],
		GtkwSaveFile:     c.values[KeyGtkwSaveFile],
		GtkwWaveArgs:     strings.Fields(c.values[KeyGtkwWaveArgs]),
	}
	if s.VhdlStandard == "" {
		s.VhdlStandard = projectStandard
	}
	if s.VhdlStandard == "" {
		s.VhdlStandard = DefaultVhdlStandard
	}
	if s.WaveOutputFormat == "" {
		s.WaveOutputFormat = DefaultWaveOutputFormat
	}
	if s.AssertLevel == "" {
		s.AssertLevel = DefaultAssertLevel
	}
	return s
}

// GhdlOptionArgs returns the options shared by init, make, elaborate and run:
// --std followed by the additional options.
func (s Settings) GhdlOptionArgs() []string {
	args := []string{}
	if s.VhdlStandard != "" {
		args = append(args, "--std="+s.VhdlStandard)
	}
	return append(args, s.GhdlOptions...)
}

// SimulationArgs returns the run-time options placed after the wave argument.
func (s Settings) SimulationArgs() []string {
	args := append([]string{}, s.GhdlSimOptions...)
	if s.AssertLevel != "" && s.AssertLevel != DefaultAssertLevel {
		args = append(args, "--assert-level="+s.AssertLevel)
	}
	if s.StopTime != "" {
		args = append(args, "--stop-time="+s.StopTime)
	}
	return args
}
