// Package library partitions project sources into ghdl libraries.
//
// A project names its libraries in GHDL_Libraries and lists each library's members
// under GHDL-LIB_<name>. Every other source belongs to the default (work) library.
// A file must never be registered twice, so library members are removed from the
// default set and a file may belong to at most one named library.
package library

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"ghdlflow/internal/logging"

	"go.uber.org/zap"
)

const (
	// LibrariesKey lists the named libraries, in init order.
	LibrariesKey = "GHDL_Libraries"

	// memberKeyPrefix prefixes the per-library member list key.
	memberKeyPrefix = "GHDL-LIB_"
)

// ErrLibraryConfiguration reports an inconsistent library setup.
var ErrLibraryConfiguration = errors.New("library configuration error")

var identifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// MemberKey returns the project key holding the members of library name.
func MemberKey(name string) string {
	return memberKeyPrefix + name
}

// Properties is the project view the resolver needs.
type Properties interface {
	PropertyArray(key string) []string
}

// Library is a named library with its member files.
type Library struct {
	Name  string
	Files []string
}

// Partition is the result of resolving a project's libraries.
type Partition struct {
	// Default holds the files compiled into the default library.
	Default []string

	// Libraries holds the non-empty named libraries in listed order.
	Libraries []Library

	// Empty lists named libraries without any member in the project.
	Empty []string

	owner map[string]string
}

// LibraryOf returns the named library containing file, if any.
func (p *Partition) LibraryOf(file string) (string, bool) {
	lib, ok := p.owner[normalize(file)]
	return lib, ok
}

// Prefix returns "<library>." when file belongs to a named library and "" when it
// is compiled into the default library.
func (p *Partition) Prefix(file string) string {
	if lib, ok := p.LibraryOf(file); ok {
		return lib + "."
	}
	return ""
}

// Names returns the names of the non-empty libraries in order.
func (p *Partition) Names() []string {
	names := make([]string, len(p.Libraries))
	for i, lib := range p.Libraries {
		names[i] = lib.Name
	}
	return names
}

// Resolver splits project files into the default set and named libraries.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logging.Named(logger, logging.CategoryLibrary)}
}

// Resolve partitions files (project-relative, slash separated) according to the
// library properties. Members that are not among files are dropped with a
// warning; a library left without members is reported in Empty and skipped.
func (r *Resolver) Resolve(files []string, props Properties) (*Partition, error) {
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[normalize(f)] = true
	}

	part := &Partition{owner: make(map[string]string)}
	seen := make(map[string]bool)

	for _, name := range props.PropertyArray(LibrariesKey) {
		name = strings.TrimSpace(name)
		if !identifier.MatchString(name) {
			return nil, fmt.Errorf("%w: invalid library name %q", ErrLibraryConfiguration, name)
		}
		if strings.EqualFold(name, "work") {
			return nil, fmt.Errorf("%w: %q is the default library and cannot be listed", ErrLibraryConfiguration, name)
		}
		// VHDL identifiers are case insensitive.
		key := strings.ToLower(name)
		if seen[key] {
			return nil, fmt.Errorf("%w: library %s is listed twice", ErrLibraryConfiguration, name)
		}
		seen[key] = true

		lib := Library{Name: name}
		for _, member := range props.PropertyArray(MemberKey(name)) {
			member = normalize(member)
			if other, ok := part.owner[member]; ok {
				if other == name {
					continue
				}
				return nil, fmt.Errorf("%w: %s is a member of both %s and %s", ErrLibraryConfiguration, member, other, name)
			}
			if !known[member] {
				r.logger.Warn("library member is not a project source", zap.String("library", name), zap.String("file", member))
				continue
			}
			part.owner[member] = name
			lib.Files = append(lib.Files, member)
		}

		if len(lib.Files) == 0 {
			r.logger.Warn(fmt.Sprintf("Library %s is empty", name))
			part.Empty = append(part.Empty, name)
			continue
		}
		part.Libraries = append(part.Libraries, lib)
	}

	for _, f := range files {
		f = normalize(f)
		if _, ok := part.owner[f]; !ok {
			part.Default = append(part.Default, f)
		}
	}

	r.logger.Debug("libraries resolved",
		zap.Int("default_files", len(part.Default)),
		zap.Strings("libraries", part.Names()),
		zap.Strings("empty", part.Empty))
	return part, nil
}

func normalize(file string) string {
	return path.Clean(strings.ReplaceAll(strings.TrimSpace(file), `\`, "/"))
}
