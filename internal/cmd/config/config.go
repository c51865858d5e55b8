// Package config provides CLI commands for managing draftsmith configuration.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/draftsmith/internal/config"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify draftsmith configuration",
	Long: `View or modify draftsmith configuration.

Use 'config show' to display the effective configuration, including
defaults and DRAFTSMITH_* environment overrides. Use the other
subcommands to create or modify the config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Keys use dot notation, e.g.:
  draftsmith config set limits.max_steps_outline 8
  draftsmith config set provider.name deepseek
  draftsmith config set storage.backend sqlite

Run 'draftsmith config keys' to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Args:  cobra.NoArgs,
	RunE:  runConfigKeys,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a config file holding every option at its default value.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in your editor",
	Long: `Open the config file in your preferred editor.

Uses $EDITOR, or falls back to vim, nano or vi. If no config file exists,
one is created with default values first.`,
	RunE: runConfigEdit,
}

var initForce bool

func init() {
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// configFile is the file the commands read and write: the --config flag
// when given, the default location otherwise.
func configFile() string {
	if path := viper.GetString("config"); path != "" {
		return path
	}
	return appconfig.ConfigFile()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load(viper.GetViper())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if used := viper.ConfigFileUsed(); used != "" {
		if _, statErr := os.Stat(used); statErr == nil {
			fmt.Fprintf(out, "# Config file: %s\n", used)
		} else {
			fmt.Fprintln(out, "# Config file: (none - using defaults)")
		}
	}
	fmt.Fprintf(out, "# Data dir: %s\n", cfg.Storage.ResolveDataDir())
	fmt.Fprintf(out, "# Catalog dir: %s\n", cfg.Catalog.ResolveDir())

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	path := configFile()
	if err := appconfig.SetValue(path, key, value); err != nil {
		return fmt.Errorf("cannot set %s: %w", key, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", path)
	return nil
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(appconfig.Keys(), "\n"))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile()
	if err := appconfig.WriteDefault(path, initForce); err != nil {
		return fmt.Errorf("%w\nUse 'draftsmith config set' to modify values or --force to overwrite", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := configFile()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (does not exist)\n", path)
	}
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	path := configFile()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := appconfig.WriteDefault(path, false); err != nil {
			return err
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		for _, candidate := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(candidate); err == nil {
				editor = candidate
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found; set $EDITOR or edit %s directly", path)
	}

	c := execCommand(editor, path)
	c.Stdin = os.Stdin
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	return c.Run()
}
