// Package cmd implements the draftsmith command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/draftsmith/internal/cmd/config"
	appconfig "github.com/Iron-Ham/draftsmith/internal/config"
	"github.com/Iron-Ham/draftsmith/internal/provider"
)

var rootCmd = &cobra.Command{
	Use:   "draftsmith",
	Short: "Iterate on outlines and drafts with a language model",
	Long: `Draftsmith turns an idea into an outline and an outline into a draft,
one recorded step at a time. Every session is persisted, so it can be
revised, inspected or aborted from later invocations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		plainOutput = !stdoutIsTerminal(cmd)
	},
}

var (
	configLoadErr error
	plainOutput   bool
)

// Execute runs the root command. It is cancelled on SIGINT and SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/draftsmith/config.yaml)")
	flags.String("data-dir", "", "directory holding sessions, audit logs and logs")
	flags.String("provider", "", "model provider ("+providerNames()+")")
	flags.String("model", "", "model name passed to the provider")
	flags.Bool("json", false, "print results as JSON")

	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("storage.data_dir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("provider.name", flags.Lookup("provider"))
	_ = viper.BindPFlag("provider.model", flags.Lookup("model"))

	config.Register(rootCmd)
}

func initConfig() {
	v := viper.GetViper()
	appconfig.SetDefaults(v)
	// The error surfaces when a command loads the config.
	configLoadErr = appconfig.ReadFile(v, v.GetString("config"))
}

// loadConfig returns the validated configuration for the current run.
func loadConfig() (*appconfig.Config, error) {
	if configLoadErr != nil {
		return nil, configLoadErr
	}
	return appconfig.Load(viper.GetViper())
}

func jsonOutput(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}

func providerNames() string {
	names := make([]string, 0, len(provider.Names()))
	for _, n := range provider.Names() {
		names = append(names, string(n))
	}
	return strings.Join(names, ", ")
}
