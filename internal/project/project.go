// Package project reads and writes the .fpgaproj file that describes an FPGA
// project: the toplevel entity, include/exclude patterns, files excluded from
// compilation, and free-form properties such as GHDL_Libraries or VHDL_Standard.
//
// Properties live at the top level of the JSON object; values are either strings
// or arrays of strings. Paths stored in the project are relative to the project
// root and use forward slashes.
package project

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FileExtension is the extension of the project file.
const FileExtension = ".fpgaproj"

// Well-known property keys.
const (
	KeyTopEntity       = "TopEntity"
	KeyInclude         = "Include"
	KeyExclude         = "Exclude"
	KeyCompileExcluded = "CompileExcluded"
	KeyTestBenches     = "TestBenches"
	KeyVhdlStandard    = "VHDL_Standard"
)

var (
	// ErrNoProject is returned when no .fpgaproj file can be located.
	ErrNoProject = errors.New("no project file found")

	// ErrNoToplevel is returned when the toplevel cannot be resolved to exactly one file.
	ErrNoToplevel = errors.New("toplevel entity not resolved")
)

// VHDLExtensions are the source file extensions compiled by ghdl.
var VHDLExtensions = []string{".vhd", ".vhdl"}

// Project is an in-memory .fpgaproj file.
type Project struct {
	// Root is the absolute project directory.
	Root string

	// Path is the absolute path of the project file.
	Path string

	props map[string]any
}

// New creates an empty project rooted at dir. The project file is named after the
// directory.
func New(dir string) (*Project, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Project{
		Root: root,
		Path: filepath.Join(root, filepath.Base(root)+FileExtension),
		props: map[string]any{
			KeyInclude: []any{"*.vhd", "*.vhdl"},
			KeyExclude: []any{"build"},
		},
	}, nil
}

// Find returns the project file for p. If p is a file it is returned as is; if it
// is a directory the single .fpgaproj inside it is returned.
func Find(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoProject, err)
	}
	if !info.IsDir() {
		return filepath.Abs(p)
	}

	matches, err := filepath.Glob(filepath.Join(p, "*"+FileExtension))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w in %s", ErrNoProject, p)
	case 1:
		return filepath.Abs(matches[0])
	default:
		return "", fmt.Errorf("%w: %d project files in %s", ErrNoProject, len(matches), p)
	}
}

// Load reads a project file (or the single project file in a directory).
func Load(p string) (*Project, error) {
	file, err := Find(p)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}

	props := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&props); err != nil {
		return nil, fmt.Errorf("failed to parse project %s: %w", file, err)
	}

	return &Project{
		Root:  filepath.Dir(file),
		Path:  file,
		props: props,
	}, nil
}

// Save writes the project file.
func (p *Project) Save() error {
	data, err := json.MarshalIndent(p.props, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	if err := os.WriteFile(p.Path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write project: %w", err)
	}
	return nil
}

// Property returns a scalar property.
func (p *Project) Property(key string) (string, bool) {
	v, ok := p.props[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case []any, map[string]any:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}

// PropertyArray returns an array property. A scalar string is returned as a one
// element array. Missing keys yield nil.
func (p *Project) PropertyArray(key string) []string {
	v, ok := p.props[key]
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// SetProperty sets a string or string array property. Empty values remove the key.
func (p *Project) SetProperty(key string, value any) error {
	switch val := value.(type) {
	case nil:
		delete(p.props, key)
	case string:
		if val == "" {
			delete(p.props, key)
			return nil
		}
		p.props[key] = val
	case []string:
		if len(val) == 0 {
			delete(p.props, key)
			return nil
		}
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		p.props[key] = arr
	default:
		return fmt.Errorf("property %s: unsupported value type %T", key, value)
	}
	return nil
}

// TopEntity returns the project toplevel file relative to the root.
func (p *Project) TopEntity() string {
	top, _ := p.Property(KeyTopEntity)
	return top
}

// VhdlStandard returns the project-wide VHDL standard, if set.
func (p *Project) VhdlStandard() string {
	std, _ := p.Property(KeyVhdlStandard)
	return std
}

// AddInclude adds pattern to the Include allowlist. It reports whether the list
// changed.
func (p *Project) AddInclude(pattern string) bool {
	include := p.PropertyArray(KeyInclude)
	for _, existing := range include {
		if existing == pattern {
			return false
		}
	}
	_ = p.SetProperty(KeyInclude, append(include, pattern))
	return true
}

// Rel converts a path to the project-relative, slash separated form. Relative
// input is taken as relative to the working directory.
func (p *Project) Rel(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(p.Root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside project %s", file, p.Root)
	}
	return filepath.ToSlash(rel), nil
}

// Abs converts a project-relative path to an absolute path.
func (p *Project) Abs(rel string) string {
	return filepath.Join(p.Root, filepath.FromSlash(rel))
}

// Files returns the VHDL sources of the project, relative to the root and sorted.
// Paths matching an Exclude pattern (file or any parent directory) are skipped.
func (p *Project) Files() ([]string, error) {
	exclude := p.PropertyArray(KeyExclude)
	var files []string

	err := filepath.WalkDir(p.Root, func(abs string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if abs == p.Root {
			return nil
		}
		rel, err := filepath.Rel(p.Root, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if matchAny(exclude, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsVHDL(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate project files: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

// CompileFiles returns Files without the CompileExcluded entries.
func (p *Project) CompileFiles() ([]string, error) {
	files, err := p.Files()
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]bool)
	for _, f := range p.PropertyArray(KeyCompileExcluded) {
		excluded[path.Clean(f)] = true
	}

	out := files[:0]
	for _, f := range files {
		if !excluded[f] {
			out = append(out, f)
		}
	}
	return out, nil
}

// ResolveToplevel maps a toplevel reference to exactly one project file. The
// reference is either a relative path or an entity name matching a file's base
// name without extension. An empty name resolves the project TopEntity.
func (p *Project) ResolveToplevel(name string) (string, error) {
	if name == "" {
		name = p.TopEntity()
	}
	if name == "" {
		return "", fmt.Errorf("%w: no toplevel entity has been set", ErrNoToplevel)
	}

	files, err := p.Files()
	if err != nil {
		return "", err
	}

	clean := path.Clean(filepath.ToSlash(name))
	var matches []string
	for _, f := range files {
		if f == clean || EntityName(f) == name {
			matches = append(matches, f)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s not found in project", ErrNoToplevel, name)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s is ambiguous (%s)", ErrNoToplevel, name, strings.Join(matches, ", "))
	}
}

// EntityName returns the entity name ghdl uses for a source file: its base name
// without extension.
func EntityName(file string) string {
	base := path.Base(filepath.ToSlash(file))
	return strings.TrimSuffix(base, path.Ext(base))
}

// IsVHDL reports whether file has a VHDL source extension.
func IsVHDL(file string) bool {
	ext := strings.ToLower(path.Ext(file))
	for _, e := range VHDLExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// matchAny matches rel against patterns by full relative path, by base name, and
// by any leading directory prefix. A "**/" prefix matches at any depth.
func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		if pattern == "" {
			continue
		}
		pattern = strings.TrimPrefix(pattern, "**/")
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, base); ok {
				return true
			}
		}
	}
	return false
}
