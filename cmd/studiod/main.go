package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL    = "database-url"
	flagPolicyFile     = "policy-file"
	envPrefix          = "STUDIOD"
	defaultDatabaseURL = "sqlite:///tmp/studiod.db"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "studiod: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "studiod",
		Short:         "Studio credit ledger, booking and billing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "postgres://, sqlite:// or memory:// database URL")
	cmd.PersistentFlags().String(flagPolicyFile, "", "TOML file overriding the default credit policy")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newGrantMonthlyCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSeedCommand())
	return cmd
}

// newViper binds every local and inherited flag of cmd, with STUDIOD_* environment overrides.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	bind := func(flag *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(flag.Name, flag)
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return nil, bindErr
	}
	return v, nil
}

// commonSettings are the flags shared by every subcommand.
type commonSettings struct {
	DatabaseURL string
	PolicyFile  string
}

func loadCommonSettings(v *viper.Viper) (commonSettings, error) {
	settings := commonSettings{
		DatabaseURL: strings.TrimSpace(v.GetString(flagDatabaseURL)),
		PolicyFile:  strings.TrimSpace(v.GetString(flagPolicyFile)),
	}
	if settings.DatabaseURL == "" {
		settings.DatabaseURL = defaultDatabaseURL
	}
	return settings, nil
}
