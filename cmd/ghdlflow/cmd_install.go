package main

import (
	"context"
	"fmt"

	"ghdlflow/internal/config"
	"ghdlflow/internal/packages"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// appVersion is the ghdlflow release.
const appVersion = "0.4.0"

var installVersion string

// installCmd downloads the GHDL package
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Download and install a GHDL release for this platform",
	Long: `Downloads the GHDL package for the host platform into packages.dir and records
the executable in ghdl.path of the configuration file.

Available versions: ` + fmt.Sprint(packages.Ghdl.VersionNames()),
	Args: cobra.NoArgs,
	RunE: runInstall,
}

// versionCmd prints versions and install status
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the ghdlflow and GHDL versions",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func runInstall(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.close()

	version := installVersion
	if version == "" {
		version = packages.Ghdl.Latest(env.installer.Target())
	}
	if version == "" {
		return fmt.Errorf("%w: %s", packages.ErrUnsupportedTarget, env.installer.Target())
	}

	return runOperation("install:"+packages.Ghdl.ID, "Installing GHDL "+version, func(ctx context.Context) error {
		path, err := env.installer.Install(ctx, packages.Ghdl, version)
		if err != nil {
			return err
		}

		cfg.Ghdl.Path = path
		cfg.Ghdl.Version = version
		if err := config.UpdateFile(resolveConfigPath(), map[string]string{
			"ghdl.path":    path,
			"ghdl.version": version,
		}); err != nil {
			return err
		}
		logger.Info("ghdl.path updated", zap.String("config", resolveConfigPath()), zap.String("path", path))
		fmt.Fprintf(cmd.OutOrStdout(), "Installed GHDL %s: %s\n", version, path)
		return nil
	})
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ghdlflow %s\n", appVersion)

	env, err := newEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.close()

	status, installed := env.installer.Status(packages.Ghdl)
	fmt.Fprintf(out, "package: %s %s", packages.Ghdl.ID, status)
	if installed != "" {
		fmt.Fprintf(out, " (%s)", installed)
	}
	fmt.Fprintln(out)

	return runOperation("version", "Querying GHDL version", func(ctx context.Context) error {
		version, err := env.ghdl.Version(ctx)
		if err != nil {
			fmt.Fprintf(out, "ghdl: unavailable (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "ghdl: %s (%s)\n", version, env.ghdl.Binary())
		return nil
	})
}
