package cmd

import (
	"fmt"
	"os"

	"soundsync/config"
	"soundsync/logger"

	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	mediaFlag    string
	dbDriverFlag string
	policyFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:           "soundsync",
	Short:         "soundsync keeps a local sound library in sync with the sound server.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		if mediaFlag != "" {
			cfg.MediaPath = mediaFlag
		}
		if dbDriverFlag != "" {
			cfg.DBDriver = dbDriverFlag
		}
		if policyFlag != "" {
			cfg.NetworkPolicy = policyFlag
		}
		if logLevelFlag != "" {
			cfg.LogLevel = logLevelFlag
		}

		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAge,
			Compress:   true,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&mediaFlag, "media", "", "media directory (overrides MEDIA_PATH)")
	rootCmd.PersistentFlags().StringVar(&dbDriverFlag, "db-driver", "", "catalog driver: sqlite or mysql (overrides DB_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&policyFlag, "network", "", "network policy: wifi, any or off (overrides NETWORK_POLICY)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
