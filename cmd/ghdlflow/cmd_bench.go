package main

import (
	"fmt"
	"strings"

	"ghdlflow/internal/testbench"

	"github.com/spf13/cobra"
)

// benchCmd groups test bench settings subcommands
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Read and change per-file test bench settings (<file>.tbconf)",
	Long: `Test bench settings are stored next to the source file in <file>.tbconf.

Keys: ` + strings.Join(testbench.Keys, ", "),
}

var benchGetCmd = &cobra.Command{
	Use:   "get <file> [key]",
	Short: "Print one setting, or all settings of <file>",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBenchGet,
}

var benchSetCmd = &cobra.Command{
	Use:   "set <file> <key> [value]",
	Short: "Set a setting; omitting the value removes it",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runBenchSet,
}

// loadBench opens the settings of a project source.
func loadBench(arg string) (*testbench.Context, error) {
	proj, err := openProject()
	if err != nil {
		return nil, err
	}
	file, err := sourceFile(proj, arg)
	if err != nil {
		return nil, err
	}
	validator, err := testbench.NewValidator()
	if err != nil {
		return nil, err
	}
	return testbench.Load(file, validator)
}

func runBenchGet(cmd *cobra.Command, args []string) error {
	bench, err := loadBench(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 2 {
		value, ok := bench.Get(args[1])
		if !ok {
			return fmt.Errorf("%s is not set for %s", args[1], args[0])
		}
		fmt.Fprintln(out, value)
		return nil
	}

	for _, key := range bench.SortedKeys() {
		value, _ := bench.Get(key)
		fmt.Fprintf(out, "%s=%s\n", key, value)
	}
	return nil
}

func runBenchSet(cmd *cobra.Command, args []string) error {
	bench, err := loadBench(args[0])
	if err != nil {
		return err
	}
	value := ""
	if len(args) == 3 {
		value = args[2]
	}
	if err := bench.Set(args[1], value); err != nil {
		return err
	}
	return bench.Save()
}
