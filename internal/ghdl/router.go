package ghdl

import (
	"fmt"
	"strings"
)

// OutputFormat is a ghdl --synth output type.
type OutputFormat string

const (
	FormatDot     OutputFormat = "dot"
	FormatVerilog OutputFormat = "verilog"
)

// Extension returns the netlist file extension for the format.
func (f OutputFormat) Extension() (string, error) {
	switch f {
	case FormatDot:
		return ".dot", nil
	case FormatVerilog:
		return ".v", nil
	default:
		return "", fmt.Errorf("%w: %q (valid: dot, verilog)", ErrUnsupportedFormat, string(f))
	}
}

// WaveFormat is a simulation waveform format.
type WaveFormat struct {
	// Name is the setting value: VCD, GHW or FST.
	Name string

	// Flag is the ghdl run option without dashes: vcd, wave or fst.
	Flag string

	// Ext is the file extension including the dot.
	Ext string
}

// Wave formats understood by ghdl -r.
var (
	WaveVCD = WaveFormat{Name: "VCD", Flag: "vcd", Ext: ".vcd"}
	WaveGHW = WaveFormat{Name: "GHW", Flag: "wave", Ext: ".ghw"}
	WaveFST = WaveFormat{Name: "FST", Flag: "fst", Ext: ".fst"}
)

// ParseWaveFormat maps a WaveOutputFormat setting to its format.
func ParseWaveFormat(name string) (WaveFormat, error) {
	switch strings.ToUpper(name) {
	case "", "VCD":
		return WaveVCD, nil
	case "GHW":
		return WaveGHW, nil
	case "FST":
		return WaveFST, nil
	default:
		return WaveFormat{}, fmt.Errorf("%w: wave format %q (valid: VCD, GHW, FST)", ErrUnsupportedFormat, name)
	}
}

// Streams reports whether the file can be viewed while it is being written.
func (w WaveFormat) Streams() bool {
	return w == WaveVCD
}

// Argument returns the ghdl run option writing the waveform to path.
func (w WaveFormat) Argument(path string) string {
	return "--" + w.Flag + "=" + path
}
