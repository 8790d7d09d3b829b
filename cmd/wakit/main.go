// Package main is the wakit CLI, which runs and inspects WebAssembly binaries.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing. It returns the process exit code.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	cmd := newRootCommand(stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stdErr, "error: %v\n", err)
		return 1
	}
	return 0
}

// globalParams are the flags shared by all commands.
type globalParams struct {
	configPath string
	logLevel   string
}

func newRootCommand(stdOut, stdErr io.Writer) *cobra.Command {
	params := &globalParams{}
	root := &cobra.Command{
		Use:   "wakit",
		Short: "wakit CLI",
		Long:  "wakit runs and inspects WebAssembly binaries with an embedded interpreter.",
		// Errors are printed by doMain, and usage only when asked for.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().StringVar(&params.configPath, "config", "", "path to a YAML file with runtime settings")
	root.PersistentFlags().StringVar(&params.logLevel, "log-level", "", "log level: debug, info, warn or error (default error)")

	root.AddCommand(newRunCommand(params, stdOut, stdErr))
	root.AddCommand(newInspectCommand(stdOut))
	return root
}
