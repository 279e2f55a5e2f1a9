package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect sitemove configuration. Settings are read from the config file
and may be overridden by SITEMOVE_* environment variables, for example
SITEMOVE_SITE_ROOT or SITEMOVE_SERVER_DATA_DIR.`,
		Example: `  sitemove config show
  sitemove config validate --config /etc/sitemove/sitemove.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, with environment and
command-line overrides applied.`,
		Example: `  sitemove config show
  sitemove config show --config /etc/sitemove/sitemove.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Loading already validated it.
			if cfgPath == "" {
				fmt.Println("No config file found; defaults are valid")
				return nil
			}
			fmt.Printf("%s is valid\n", cfgPath)
			return nil
		},
	}
}
