// Package app provides the oauthd command-line application.
package app

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix namespaces the environment variables bound to flags,
// e.g. OAUTHD_ISSUER or OAUTHD_REDIS_ADDRESS.
const envPrefix = "OAUTHD"

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "oauthd",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "OAuth2 authorization server",
		Long: `oauthd serves the OAuth2 token, authorization, revocation and
introspection endpoints over a memory, Redis or PostgreSQL store.

Every flag can also be set through an OAUTHD_ prefixed environment variable,
for instance OAUTHD_POSTGRES_DSN for --postgres-dsn. Variables are read from
an env file when one exists.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	cmd.PersistentFlags().String("env-file", ".env", "Environment file to load before reading configuration")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newGenKeyCmd())

	return cmd
}

// initConfig loads the env file and binds every flag of cmd to viper.
func initConfig(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

// newLogger builds the process logger from the debug and log-format settings.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

