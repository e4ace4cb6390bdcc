package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/autodev/internal/config"
	"github.com/lucasnoah/autodev/internal/prompt"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if path == "" {
			path = "built-in defaults"
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			cmd.Printf("Configuration is valid (%s).\n", path)
			return nil
		}

		cmd.Printf("Validation errors in %s:\n", path)
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default filled in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "autodev.yaml"
		if len(args) == 1 {
			path = args[0]
		} else if global, _ := cmd.Flags().GetBool("global"); global {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("get home directory: %w", err)
			}
			path = filepath.Join(home, ".autodev", "config.yaml")
		}

		cfg, err := config.Default()
		if err != nil {
			return err
		}
		if err := config.Write(path, cfg); err != nil {
			return err
		}
		cmd.Printf("Wrote %s.\n", path)
		return nil
	},
}

var configTemplatesCmd = &cobra.Command{
	Use:   "templates [dir]",
	Short: "Write the built-in prompt templates for local editing",
	Long: `Copies the built-in prompt templates into dir, by default the
repository's .autodev/templates directory. Files that already exist are
left untouched. Templates found there take precedence over the built-ins.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		dir := ""
		if len(args) == 1 {
			dir = args[0]
		} else if dir, err = a.templateDir(); err != nil {
			return err
		}

		written, err := prompt.Install(dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			cmd.Printf("All templates already present in %s.\n", dir)
			return nil
		}
		for _, name := range written {
			cmd.Printf("Wrote %s.\n", filepath.Join(dir, name))
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("global", false, "write ~/.autodev/config.yaml instead of ./autodev.yaml")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configTemplatesCmd)
}
