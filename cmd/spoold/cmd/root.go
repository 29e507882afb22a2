package cmd

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/logging"
)

const (
	ConfigFlag   = "config"
	LogLevelFlag = "log-level"
	EnvFileFlag  = "env-file"

	defaultConfigPath = "/etc/spoold/spoold.yaml"
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode is the process status for an error returned by a command.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "spoold",
		Short:        "Network print spooling daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd.Flags())
		},
	}

	cmd.PersistentFlags().String(ConfigFlag, defaultConfigPath, "Path to the YAML configuration file")
	cmd.PersistentFlags().String(LogLevelFlag, "", "Override the configured log level")
	cmd.PersistentFlags().String(EnvFileFlag, ".env", "Environment file loaded before configuration")

	cmd.AddCommand(
		serveCmd(),
		scheduleCmd(),
		subserverCmd(),
		submitCmd(),
		archiveCmd(),
		versionCmd(),
	)
	return cmd
}

// bindFlags loads the environment file and exposes flags and SPOOLD_*
// variables through viper.
func bindFlags(flags *pflag.FlagSet) error {
	if path, _ := flags.GetString(EnvFileFlag); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	viper.SetEnvPrefix("SPOOLD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return viper.BindPFlags(flags)
}

// loadConfig reads, validates and applies the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString(ConfigFlag))
	if err != nil {
		return nil, err
	}
	if level := viper.GetString(LogLevelFlag); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		return nil, err
	}
	log.Debugf("configuration loaded from %s", viper.GetString(ConfigFlag))
	return cfg, nil
}
