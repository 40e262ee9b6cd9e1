package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/procedure"
)

var proceduresFile string

var proceduresCmd = &cobra.Command{
	Use:     "procedures",
	Aliases: []string{"procedure"},
	Short:   "Inspect and customize procedures",
	Long: `Commands for listing, validating and visualizing the procedures relay runs.
Built-in procedures can be overridden or extended with a procedures file
(procedures.file in config.yaml, or --file).`,
}

var proceduresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available procedures",
	RunE:  runProceduresList,
}

var proceduresValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the procedures file",
	Long:  `Loads the procedures file, merges it over the built-ins and checks the result.`,
	RunE:  runProceduresValidate,
}

var proceduresInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a procedures.yaml template",
	Long: `Creates a procedures file with commented examples. Without --file it is
written to procedures.yaml next to the config file.

Examples:
  relay procedures init
  relay procedures init --file ./procedures.yaml`,
	RunE: runProceduresInit,
}

var proceduresVisualizeCmd = &cobra.Command{
	Use:   "visualize <name>",
	Short: "Generate mermaid diagram of a procedure",
	Long:  `Generates a mermaid stateDiagram-v2 for the named procedure and prints it to stdout.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runProceduresVisualize,
}

func init() {
	proceduresCmd.PersistentFlags().StringVar(&proceduresFile, "file", "", "Path to the procedures file (default from config procedures.file)")
	proceduresCmd.AddCommand(proceduresListCmd)
	proceduresCmd.AddCommand(proceduresValidateCmd)
	proceduresCmd.AddCommand(proceduresInitCmd)
	proceduresCmd.AddCommand(proceduresVisualizeCmd)
	rootCmd.AddCommand(proceduresCmd)
}

// loadCatalog returns the merged catalog and the procedures config it was
// resolved against.
func loadCatalog() (*procedure.Catalog, config.ProceduresConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.ProceduresConfig{}, fmt.Errorf("error loading config: %w", err)
	}
	pc := cfg.GetProcedures()
	if proceduresFile != "" {
		pc.File = proceduresFile
	}
	catalog, err := procedure.LoadAndMerge(pc.File)
	if err != nil {
		return nil, pc, err
	}
	return catalog, pc, nil
}

func runProceduresList(cmd *cobra.Command, _ []string) error {
	catalog, pc, err := loadCatalog()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(catalog.Names()))
	for _, p := range catalog.Procedures() {
		name := p.Name
		if name == pc.Default {
			name += " (default)"
		}
		steps := make([]string, len(p.Subroutines))
		for i, s := range p.Subroutines {
			steps[i] = s.Name
		}
		rows = append(rows, []string{name, p.Description, strings.Join(steps, " → ")})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Procedure", "Description", "Subroutines"}, rows, -1))
	return nil
}

func runProceduresValidate(cmd *cobra.Command, _ []string) error {
	catalog, pc, err := loadCatalog()
	if err != nil {
		return fmt.Errorf("failed to load procedures: %w", err)
	}

	errs := procedure.Validate(catalog, pc.Default)
	if len(errs) == 0 {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Procedures are valid.")
		if pc.File != "" {
			fmt.Fprintf(out, "  File: %s\n", pc.File)
		}
		fmt.Fprintf(out, "  Procedures: %s\n", strings.Join(catalog.Names(), ", "))
		fmt.Fprintf(out, "  Default: %s\n", pc.Default)
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Procedures have errors:\n")
	for _, e := range errs {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", e.Field, e.Message))
	}
	return fmt.Errorf("%s", sb.String())
}

func runProceduresInit(cmd *cobra.Command, _ []string) error {
	path := proceduresFile
	if path == "" {
		dir := filepath.Dir(resolvedConfigPath())
		if dir == "." || dir == "" {
			return fmt.Errorf("cannot determine config directory, use --file")
		}
		path = filepath.Join(dir, "procedures.yaml")
	}
	if err := procedure.WriteTemplate(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}

func runProceduresVisualize(cmd *cobra.Command, args []string) error {
	catalog, pc, err := loadCatalog()
	if err != nil {
		return fmt.Errorf("failed to load procedures: %w", err)
	}
	p, ok := catalog.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown procedure %q (available: %s)", args[0], strings.Join(catalog.Names(), ", "))
	}
	fmt.Fprintln(cmd.OutOrStdout(), procedure.GenerateMermaid(p, pc.MaxValidationIterations))
	return nil
}
