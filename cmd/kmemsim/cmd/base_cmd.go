package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// The prefix for configuration keys inside environment.
	envPrefix = "KMEMSIM"
	// The configuration key for the config file.
	keyConfig = "config"

	flagNameLogLevel  = "log-level"
	flagNameLogFormat = "log-format"
)

type (
	kmemsimApp struct {
		baseCmd    *cobra.Command
		baseConfig *baseConfiguration
	}

	baseConfiguration struct {
		// Configuration file. Flags not given on the command line are read from it.
		CfgFile string
		// One of DEBUG, INFO, WARN, ERROR
		LogLevel string
		// One of text, json
		LogFormat string

		logger *slog.Logger
	}
)

// New creates a new kmemsim application
func New() *kmemsimApp {
	baseCmd, baseConfig := newBaseCmd()
	return &kmemsimApp{baseCmd, baseConfig}
}

// Execute adds all child commands and runs the application
func (a *kmemsimApp) Execute(ctx context.Context) error {
	a.baseCmd.AddCommand(newRunCmd(a.baseConfig))
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd() (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{}
	var baseCmd = &cobra.Command{
		Use:           "kmemsim",
		Short:         "Runs kernel memory allocator scenarios",
		Long:          `kmemsim boots the kernel memory allocator on a simulated machine described by a YAML scenario and runs a workload against it.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Subcommands without their own PersistentPreRunE inherit this one
			if err := config.initializeConfig(cmd); err != nil {
				return errors.Wrap(err, "failed to initialize configuration")
			}
			return config.initLogger(cmd.ErrOrStderr())
		},
	}
	config.addConfigurationFlags(baseCmd)

	return baseCmd, config
}

func (r *baseConfiguration) addConfigurationFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.CfgFile, keyConfig, "", fmt.Sprintf("config file (env %s_CONFIG)", envPrefix))
	cmd.PersistentFlags().StringVar(&r.LogLevel, flagNameLogLevel, "WARN", "logging level, one of: DEBUG, INFO, WARN, ERROR")
	cmd.PersistentFlags().StringVar(&r.LogFormat, flagNameLogFormat, "text", "log format, one of: text, json")
}

// initializeConfig reads in the config file and ENV variables if set.
func (r *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	if r.CfgFile == "" {
		r.CfgFile = os.Getenv(envKey(keyConfig))
	}
	if r.CfgFile != "" {
		v.SetConfigFile(r.CfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading config file %s", r.CfgFile)
		}
	}

	// A flag like --log-level binds to KMEMSIM_LOG_LEVEL
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return bindFlags(cmd, v)
}

// Bind each cobra flag to its associated viper configuration (config file and environment variable)
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindFlagErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindFlagErr != nil || f.Name == keyConfig {
			return
		}

		// Environment variables can't have dashes in them
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
				bindFlagErr = errors.Wrapf(err, "binding env to flag %q", f.Name)
				return
			}
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindFlagErr = errors.Wrapf(err, "setting flag %q value", f.Name)
				return
			}
		}
	})

	return bindFlagErr
}

func (r *baseConfiguration) initLogger(out io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(r.LogLevel)); err != nil {
		return errors.Wrapf(err, "invalid %s", flagNameLogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(r.LogFormat) {
	case "text":
		r.logger = slog.New(slog.NewTextHandler(out, opts))
	case "json":
		r.logger = slog.New(slog.NewJSONHandler(out, opts))
	default:
		return errors.Newf("unknown %s %q", flagNameLogFormat, r.LogFormat)
	}
	return nil
}

func envKey(key string) string {
	return strings.ToUpper(envPrefix + "_" + key)
}
