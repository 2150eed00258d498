// Package config holds the ghdlflow configuration snapshot.
//
// The configuration is read from ghdlflow.yaml in the project directory and can be
// overridden through environment variables. A fresh snapshot is loaded before every
// pipeline run and handed to the services explicitly; nothing here is global.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the project directory.
const FileName = "ghdlflow.yaml"

// Config holds all ghdlflow configuration.
type Config struct {
	// GHDL toolchain settings
	Ghdl GhdlConfig `yaml:"ghdl"`

	// Downstream Yosys/nextpnr installation
	OssCadSuite OssCadSuiteConfig `yaml:"oss_cad_suite"`

	// Target device for the downstream compile
	FPGA FPGAConfig `yaml:"fpga"`

	// Subprocess execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Optional container running ghdl
	Container ContainerConfig `yaml:"container"`

	// Waveform viewer
	Viewer ViewerConfig `yaml:"viewer"`

	// Native tool packages
	Packages PackagesConfig `yaml:"packages"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GhdlConfig configures the ghdl executable.
type GhdlConfig struct {
	// Path is the full path of the ghdl executable.
	Path string `yaml:"path"`

	// AutoDownload installs the ghdl package when the binary is missing.
	AutoDownload bool `yaml:"auto_download"`

	// Version is the package version installed by auto download.
	Version string `yaml:"version"`

	// DirectOutputMinVersion is the first ghdl version whose --synth writes
	// the netlist itself (-o=FILE). Older versions get stdout captured.
	DirectOutputMinVersion string `yaml:"direct_output_min_version"`
}

// OssCadSuiteConfig points at an OSS CAD Suite installation (yosys, nextpnr, icepack).
type OssCadSuiteConfig struct {
	Path string `yaml:"path"`
}

// FPGAConfig describes the device targeted by the downstream compile.
type FPGAConfig struct {
	Family  string `yaml:"family"`  // ice40, ecp5, ...
	Device  string `yaml:"device"`  // hx8k, up5k, 25k, ...
	Package string `yaml:"package"` // ct256, sg48, ...
	PCF     string `yaml:"pcf"`     // constraints file, relative to the project root
}

// ExecutionConfig configures the process invoker.
type ExecutionConfig struct {
	// Default timeout for a single toolchain stage
	DefaultTimeout string `yaml:"default_timeout"`

	// Cap on captured stdout/stderr per stream
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// Host environment variables passed through to the tools
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}

// ContainerConfig runs ghdl inside a container image instead of the host binary.
type ContainerConfig struct {
	// Image containing ghdl on its PATH, e.g. hdlc/ghdl:yosys. Empty disables containers.
	Image string `yaml:"image"`

	// Docker is the container client binary (docker, podman).
	Docker string `yaml:"docker"`
}

// ViewerConfig configures the waveform viewer.
type ViewerConfig struct {
	// Command launched to open waveform files. Empty disables launching.
	Command string `yaml:"command"`

	// Follow streams VCD progress into the log while a simulation runs.
	Follow bool `yaml:"follow"`
}

// PackagesConfig configures where native tool packages are installed.
type PackagesConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Ghdl: GhdlConfig{
			AutoDownload:           false,
			Version:                "5.0.1",
			DirectOutputMinVersion: "4.0.0",
		},
		FPGA: FPGAConfig{
			Family:  "ice40",
			Device:  "hx8k",
			Package: "ct256",
		},
		Execution: ExecutionConfig{
			DefaultTimeout: "30m",
			MaxOutputBytes: 64 * 1024 * 1024,
			AllowedEnvVars: []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "TEMP", "TMP", "SYSTEMROOT", "USERPROFILE"},
		},
		Container: ContainerConfig{
			Docker: "docker",
		},
		Viewer: ViewerConfig{
			Command: "gtkwave",
			Follow:  true,
		},
		Packages: PackagesConfig{
			Dir: defaultPackagesDir(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultPackagesDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "ghdlflow", "packages")
	}
	return filepath.Join(os.TempDir(), "ghdlflow", "packages")
}

// Path returns the configuration file path for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, FileName)
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults (with environment overrides applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// UpdateFile sets the given dotted keys ("ghdl.path") in the configuration file at
// path and leaves every other line as the user wrote it. Environment overrides and
// defaults of the running snapshot never reach the file this way.
func UpdateFile(path string, values map[string]string) error {
	var doc yaml.Node
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to read config: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mappingNode()}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config %s is not a mapping", path)
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		setKey(root, strings.Split(key, "."), values[key])
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func mappingNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func setKey(m *yaml.Node, path []string, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != path[0] {
			continue
		}
		child := m.Content[i+1]
		if len(path) == 1 {
			child.Kind, child.Tag, child.Style, child.Value, child.Content = yaml.ScalarNode, "!!str", 0, value, nil
			return
		}
		if child.Kind != yaml.MappingNode {
			*child = *mappingNode()
		}
		setKey(child, path[1:], value)
		return
	}

	key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: path[0]}
	if len(path) == 1 {
		m.Content = append(m.Content, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
		return
	}
	child := mappingNode()
	setKey(child, path[1:], value)
	m.Content = append(m.Content, key, child)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("GHDLFLOW_GHDL_PATH"); path != "" {
		c.Ghdl.Path = path
	}
	if path := os.Getenv("GHDLFLOW_OSS_CAD_SUITE"); path != "" {
		c.OssCadSuite.Path = path
	}
	if level := os.Getenv("GHDLFLOW_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if image := os.Getenv("GHDLFLOW_CONTAINER_IMAGE"); image != "" {
		c.Container.Image = image
	}
	if dir := os.Getenv("GHDLFLOW_PACKAGES_DIR"); dir != "" {
		c.Packages.Dir = dir
	}
}

// GetExecutionTimeout returns the per-stage timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// HasGhdl reports whether the configured ghdl path points at an existing file.
func (c *Config) HasGhdl() bool {
	if c.Ghdl.Path == "" {
		return false
	}
	info, err := os.Stat(c.Ghdl.Path)
	return err == nil && !info.IsDir()
}

// OssCadSuiteBinary returns the path of a tool inside the OSS CAD Suite bin directory.
// It returns "" when no suite is configured.
func (c *Config) OssCadSuiteBinary(name string) string {
	if c.OssCadSuite.Path == "" {
		return ""
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(c.OssCadSuite.Path, "bin", name)
}

// ValidLogLevels lists the accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validLevel := false
	for _, l := range ValidLogLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid logging level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %s (valid: json, console)", c.Logging.Format)
	}

	if c.Execution.MaxOutputBytes < 0 {
		return fmt.Errorf("execution.max_output_bytes must not be negative")
	}

	if c.Container.Image != "" && c.Ghdl.AutoDownload {
		return fmt.Errorf("ghdl.auto_download cannot be combined with container.image")
	}

	if _, err := time.ParseDuration(c.Execution.DefaultTimeout); err != nil {
		return fmt.Errorf("invalid execution.default_timeout %q: %w", c.Execution.DefaultTimeout, err)
	}

	return nil
}
