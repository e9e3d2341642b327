package cli

import (
	"fmt"
	"os"

	"github.com/harun/tollgate/internal/config"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		errs := config.NewValidator().ValidateConfig(cfg)
		for _, err := range errs {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("configuration has %d problem(s)", len(errs))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Set model.endpoint and model.api_key, then run: tollgate chat")
	return nil
}
