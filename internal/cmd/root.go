package cmd

import (
	"io/fs"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/reqtree/internal/config"
	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "reqtree",
	Short: "Recursive requirement validation against a scoring service",
	Long: `reqtree validates a batch of natural-language requirements against a remote
scoring service. Requirements the service splits are validated recursively,
failing branches are pruned, and at most a fixed number of root requirements
are in flight at once.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/reqtree/config.yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded into the environment before config is read")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("env_file", rootCmd.PersistentFlags().Lookup("env-file"))
}

func initConfig() {
	// Variables already set in the environment win over the dotenv file.
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		rootCmd.PrintErrf("Warning: %v\n", err)
	}

	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("REQTREE")
	// e.g. REQTREE_VALIDATION_MAX_PARALLEL for validation.max_parallel
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadEnvFile loads path with godotenv. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// newLogger builds the session logger from the logging section. With file
// logging disabled only warnings and errors reach stderr.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NewLoggerWithWriter(os.Stderr, logging.LevelWarn), nil
	}
	return logging.NewLoggerWithRotation(cfg.Logging.ResolveDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// watchConfig re-applies logging.level whenever the config file changes.
// Other settings are fixed for the lifetime of a session.
func watchConfig(v *viper.Viper, logger *logging.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		level := v.GetString("logging.level")
		if !v.GetBool("logging.enabled") {
			return
		}
		logger.SetLevel(level)
		logger.Info("config reloaded", "file", e.Name, "level", logger.Level())
	})
	v.WatchConfig()
}
