package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wakit/wakit"
	"github.com/wakit/wakit/api"
)

const (
	outputText = "text"
	outputYAML = "yaml"
)

// moduleSummary is what inspect prints about a binary.
type moduleSummary struct {
	Name    string          `yaml:"name,omitempty"`
	Imports []importSummary `yaml:"imports"`
	Exports []exportSummary `yaml:"exports"`
}

type importSummary struct {
	Module string `yaml:"module"`
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Type   string `yaml:"type"`
}

type exportSummary struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Index uint32 `yaml:"index"`
	Type  string `yaml:"type,omitempty"`
}

func newInspectCommand(stdOut io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "inspect <path.wasm>",
		Short: "Print the imports and exports of a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if output != outputText && output != outputYAML {
				return fmt.Errorf("invalid output %q: must be %s or %s", output, outputText, outputYAML)
			}
			source, err := readFile(args[0])
			if err != nil {
				return fmt.Errorf("error reading wasm binary: %w", err)
			}
			compiled, err := wakit.NewRuntime().CompileModule(source)
			if err != nil {
				return fmt.Errorf("error compiling wasm binary: %w", err)
			}
			summary := summarize(compiled)
			if output == outputYAML {
				enc := yaml.NewEncoder(stdOut)
				enc.SetIndent(2)
				if err = enc.Encode(summary); err != nil {
					return err
				}
				return enc.Close()
			}
			return printSummary(stdOut, summary)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or yaml")
	return cmd
}

func summarize(compiled *wakit.CompiledModule) *moduleSummary {
	s := &moduleSummary{Name: compiled.Name(), Imports: []importSummary{}, Exports: []exportSummary{}}
	for _, imp := range compiled.Imports() {
		s.Imports = append(s.Imports, importSummary{
			Module: imp.Module,
			Name:   imp.Name,
			Kind:   api.ExternTypeName(imp.Type),
			Type:   imp.Description,
		})
	}
	for _, exp := range compiled.Exports() {
		s.Exports = append(s.Exports, exportSummary{
			Name:  exp.Name,
			Kind:  api.ExternTypeName(exp.Type),
			Index: exp.Index,
			Type:  exp.Description,
		})
	}
	return s
}

func printSummary(w io.Writer, s *moduleSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if s.Name != "" {
		fmt.Fprintf(tw, "module\t%s\n", s.Name)
	}
	for _, imp := range s.Imports {
		fmt.Fprintf(tw, "import\t%s.%s\t%s\t%s\n", imp.Module, imp.Name, imp.Kind, imp.Type)
	}
	for _, exp := range s.Exports {
		fmt.Fprintf(tw, "export\t%s\t%s[%d]\t%s\n", exp.Name, exp.Kind, exp.Index, exp.Type)
	}
	return tw.Flush()
}
