// Package build assembles the environment handed to the native tools.
// GHDL needs its runtime library prefix and its own bin directory on PATH, and the
// OSS CAD Suite tools expect their bin and lib directories on PATH. Every invocation
// should go through these helpers so the environment is identical whichever
// pipeline runs the tool.
package build

import (
	"os"
	"path/filepath"
	"strings"

	"ghdlflow/internal/logging"

	"go.uber.org/zap"
)

// essentialVars are host variables every tool needs regardless of the allowlist.
var essentialVars = []string{
	"PATH",
	"HOME",         // Required on Unix
	"USERPROFILE",  // Required on Windows
	"SYSTEMROOT",   // Required by the mingw runtime on Windows
	"LOCALAPPDATA", // Required for the mcode cache on Windows
	"TEMP",
	"TMP",
	"TMPDIR",
}

// HostEnv returns the essential host variables plus the allowlisted ones.
func HostEnv(allowed []string) []string {
	env := []string{}
	for _, key := range essentialVars {
		if val := os.Getenv(key); val != "" {
			env = setEnvKey(env, key, val)
		}
	}
	for _, key := range allowed {
		if val := os.Getenv(key); val != "" {
			env = setEnvKey(env, key, val)
		}
	}
	return env
}

// GhdlEnv returns the variables that let a downloaded ghdl find its runtime:
// PATH prefixed with the binary directory, GHDL_PATH set to that directory and
// GHDL_PREFIX pointing at <bin>/../lib/ghdl.
// An empty ghdlPath (ghdl taken from PATH) yields no variables.
func GhdlEnv(ghdlPath string, logger *zap.Logger) []string {
	if ghdlPath == "" || !filepath.IsAbs(ghdlPath) && filepath.Base(ghdlPath) == ghdlPath {
		return nil
	}
	log := logging.Named(logger, logging.CategoryBuild)

	binDir := filepath.Dir(ghdlPath)
	prefix := filepath.Clean(filepath.Join(binDir, "..", "lib", "ghdl"))
	if _, err := os.Stat(prefix); err != nil {
		log.Debug("ghdl library prefix does not exist", zap.String("prefix", prefix))
	}

	env := []string{
		"PATH=" + prependPath(binDir, os.Getenv("PATH")),
		"GHDL_PATH=" + binDir,
		"GHDL_PREFIX=" + prefix,
	}
	log.Debug("ghdl environment", zap.Strings("env", env))
	return env
}

// OssCadSuiteEnv returns PATH with the suite's bin and lib directories in front.
func OssCadSuiteEnv(root string, logger *zap.Logger) []string {
	if root == "" {
		return nil
	}
	path := prependPath(filepath.Join(root, "lib"), os.Getenv("PATH"))
	path = prependPath(filepath.Join(root, "bin"), path)

	logging.Named(logger, logging.CategoryBuild).Debug("oss cad suite environment", zap.String("root", root))
	return []string{"PATH=" + path}
}

func prependPath(dir, path string) string {
	if path == "" {
		return dir
	}
	for _, p := range filepath.SplitList(path) {
		if p == dir {
			return path
		}
	}
	return dir + string(os.PathListSeparator) + path
}

// setEnvKey sets or updates an environment variable.
func setEnvKey(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}

// MergeEnv merges additional environment variables into base env.
// Later values override earlier ones.
func MergeEnv(base []string, additional ...string) []string {
	result := make([]string, len(base))
	copy(result, base)

	for _, add := range additional {
		parts := strings.SplitN(add, "=", 2)
		if len(parts) == 2 {
			result = setEnvKey(result, parts[0], parts[1])
		}
	}

	return result
}
