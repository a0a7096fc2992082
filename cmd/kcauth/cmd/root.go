package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/cmdutil"
	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/users"
	"github.com/terraconstructs/kcauth/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  hclog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kcauth",
	Short: "Keycloak bearer-token validation and identity sync",
	Long: `kcauth validates bearer tokens issued by a Keycloak realm and mirrors the
authenticated users and their realm roles into a local store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := readConfigFile(); err != nil {
			return err
		}
		load := config.Load
		if cmdutil.LocalConfigOnly(cmd) {
			load = config.LoadLocal
		}
		var err error
		cfg, err = load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger = cmdutil.NewLogger(cfg)
		return nil
	},
}

func readConfigFile() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("kcauth")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.kcauth")
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./kcauth.yaml or $HOME/.kcauth/kcauth.yaml)")
	flags.String("db-url", "", "Identity store connection URL (env: KEYCLOAK_DB_URL)")
	flags.String("server-addr", "", "Server bind address (env: KEYCLOAK_SERVER_ADDR)")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error (env: KEYCLOAK_LOG_LEVEL)")
	flags.Bool("debug", false, "Enable debug logging (env: KEYCLOAK_DEBUG)")

	_ = viper.BindPFlag("db_url", flags.Lookup("db-url"))
	_ = viper.BindPFlag("server_addr", flags.Lookup("server-addr"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))

	// Add subcommands
	rootCmd.AddCommand(users.UsersCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
