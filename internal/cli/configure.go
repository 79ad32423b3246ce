package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/sandesh/internal/config"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to the config file so it can be edited.
Secrets are better supplied through the environment (SANDESH_TELEGRAM_BOT_TOKEN,
SANDESH_MATRIX_ACCESS_TOKEN, OPENAI_API_KEY, ANTHROPIC_API_KEY, ...) or a .env file.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

var configureShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigureShow,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	configureCmd.AddCommand(configureShowCmd)
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration saved to: %s\n", configPath)
	cmd.Println("You can now start Sandesh with: sandesh start")
	return nil
}

func runConfigureShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cmd.Println(cfg.String())
	if err := cfg.Validate(); err != nil {
		cmd.Printf("\nWarning: %v\n", err)
	}
	return nil
}
