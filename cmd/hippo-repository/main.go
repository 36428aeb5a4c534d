package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onehippo/hippo-repository/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hippo-repository",
		Short: "Content repository with review-publish workflows",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newGrantCommand(),
		newBootstrapCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("bootstrap-file", defaults.GetString("bootstrap.file"), "Bootstrap manifest applied at startup")
	cmd.PersistentFlags().Bool("bootstrap-watch", defaults.GetBool("bootstrap.watch"), "Re-apply the bootstrap manifest when it changes")
	cmd.PersistentFlags().String("resource-root", defaults.GetString("initialize.resource_root"), "Directory nodetypesresource references resolve against")
	cmd.PersistentFlags().String("wait-mode", defaults.GetString("initialize.wait_mode"), "Initialize wait mode (bounded, unbounded)")
	cmd.PersistentFlags().Bool("tracing", defaults.GetBool("tracing.enabled"), "Enable OpenTelemetry tracing")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "bootstrap.file", "bootstrap-file")
	bindFlag(cmd, "bootstrap.watch", "bootstrap-watch")
	bindFlag(cmd, "initialize.resource_root", "resource-root")
	bindFlag(cmd, "initialize.wait_mode", "wait-mode")
	bindFlag(cmd, "tracing.enabled", "tracing")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
