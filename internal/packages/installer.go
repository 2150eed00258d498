package packages

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"ghdlflow/internal/logging"

	"go.uber.org/zap"
)

// Status is the install state of a package.
type Status int

const (
	// StatusUnavailable means no build exists for this platform.
	StatusUnavailable Status = iota
	// StatusAvailable means the package can be installed.
	StatusAvailable
	// StatusInstalled means the newest version is installed.
	StatusInstalled
	// StatusUpdateAvailable means an older version is installed.
	StatusUpdateAvailable
)

func (s Status) String() string {
	switch s {
	case StatusUnavailable:
		return "unavailable"
	case StatusAvailable:
		return "available"
	case StatusInstalled:
		return "installed"
	case StatusUpdateAvailable:
		return "update available"
	default:
		return "unknown"
	}
}

// Installer downloads packages into Dir/<id>/<version>.
type Installer struct {
	dir    string
	target string
	client *http.Client
	logger *zap.Logger
}

// NewInstaller creates an installer for the host platform.
func NewInstaller(dir string, logger *zap.Logger) *Installer {
	return &Installer{
		dir:    dir,
		target: HostTarget(),
		client: &http.Client{Timeout: 30 * time.Minute},
		logger: logging.Named(logger, logging.CategoryPackages),
	}
}

// WithTarget overrides the platform target.
func (i *Installer) WithTarget(target string) *Installer {
	i.target = target
	return i
}

// WithClient overrides the HTTP client.
func (i *Installer) WithClient(client *http.Client) *Installer {
	i.client = client
	return i
}

// Target returns the platform target packages are installed for.
func (i *Installer) Target() string {
	return i.target
}

// InstallDir returns the directory a package version is extracted into.
func (i *Installer) InstallDir(pkg Package, version string) string {
	return filepath.Join(i.dir, pkg.ID, version)
}

// BinaryPath returns the executable path of an installed version.
func (i *Installer) BinaryPath(pkg Package, version string) (string, error) {
	t, err := pkg.Find(version, i.target)
	if err != nil {
		return "", err
	}
	return filepath.Join(i.InstallDir(pkg, version), filepath.FromSlash(t.RelativePath)), nil
}

// Install downloads and extracts a package version and returns the executable
// path. An empty version installs the latest one.
func (i *Installer) Install(ctx context.Context, pkg Package, version string) (string, error) {
	if version == "" {
		version = pkg.Latest(i.target)
	}
	t, err := pkg.Find(version, i.target)
	if err != nil {
		return "", err
	}
	kind, err := archiveKind(t.URL)
	if err != nil {
		return "", err
	}

	log := i.logger.With(zap.String("package", pkg.ID), zap.String("version", version))
	timer := logging.StartTimer(log, "install "+pkg.ID)
	defer timer.StopWithInfo()

	if err := os.MkdirAll(i.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create packages directory: %w", err)
	}

	archive, err := i.download(ctx, t.URL, log)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	// A failed install leaves no partial version behind.
	dest := i.InstallDir(pkg, version)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	staging, err := os.MkdirTemp(filepath.Dir(dest), "."+version+"-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	log.Info("extracting", zap.String("kind", kind))
	switch kind {
	case "zip":
		err = extractZip(archive, staging)
	default:
		err = extractTarGz(archive, staging)
	}
	if err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", t.URL, err)
	}

	binary := filepath.Join(staging, filepath.FromSlash(t.RelativePath))
	if _, err := os.Stat(binary); err != nil {
		return "", fmt.Errorf("package %s %s does not contain %s", pkg.ID, version, t.RelativePath)
	}
	if err := os.Chmod(binary, 0755); err != nil {
		return "", err
	}

	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	if err := os.Rename(staging, dest); err != nil {
		return "", fmt.Errorf("failed to move package into place: %w", err)
	}
	_ = os.Chmod(dest, 0755)

	path := filepath.Join(dest, filepath.FromSlash(t.RelativePath))
	log.Info("installed", zap.String("path", path))
	return path, nil
}

func (i *Installer) download(ctx context.Context, url string, log *zap.Logger) (string, error) {
	log.Info("downloading", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s returned status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(i.dir, "download-*")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s: %w", url, err)
	}

	log.Debug("downloaded", zap.Int64("bytes", n))
	return tmp.Name(), nil
}

// InstalledVersions returns the versions whose executable is present, oldest first.
func (i *Installer) InstalledVersions(pkg Package) []string {
	var versions []string
	for _, v := range pkg.Versions {
		path, err := i.BinaryPath(pkg, v.Version)
		if err != nil {
			continue
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			versions = append(versions, v.Version)
		}
	}
	SortVersions(versions)
	return versions
}

// Status reports the install state of pkg and the newest installed version.
func (i *Installer) Status(pkg Package) (Status, string) {
	latest := pkg.Latest(i.target)
	if latest == "" {
		return StatusUnavailable, ""
	}
	installed := i.InstalledVersions(pkg)
	if len(installed) == 0 {
		return StatusAvailable, ""
	}
	newest := installed[len(installed)-1]
	if CompareVersions(newest, latest) < 0 {
		return StatusUpdateAvailable, newest
	}
	return StatusInstalled, newest
}
