package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/relay/internal/procedure"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the relay configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config.yaml and the procedures it names",
	RunE:  runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with defaults applied",
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pc := cfg.GetProcedures()
	catalog, err := procedure.LoadAndMerge(pc.File)
	if err != nil {
		return fmt.Errorf("failed to load procedures: %w", err)
	}
	if errs := procedure.Validate(catalog, pc.Default); len(errs) > 0 {
		return fmt.Errorf("procedures: %v", errs[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid.")
	fmt.Fprintf(out, "  File: %s\n", resolvedConfigPath())
	fmt.Fprintf(out, "  Repositories: %d\n", len(cfg.GetRepositories()))
	fmt.Fprintf(out, "  State backend: %s\n", cfg.GetState().Backend)
	fmt.Fprintf(out, "  Default runner: %s\n", cfg.GetRunner().Default)
	if cfg.GetClassifier().Enabled {
		fmt.Fprintf(out, "  Classifier: %s\n", cfg.GetClassifier().Model)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
