package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mkarlsen/statclient/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const Version = "0.3.0"

var (
	// rootCmd represents the base command when called without any subcommands.
	rootCmd = &cobra.Command{
		Use:   "stat-sync",
		Short: "sync statistical resources from a remote data service",
		Long: fmt.Sprintf(`stat-sync (v%s)

Fetches tabular statistical resources from a remote data service through a
rate-limited, retrying client. Keeps a local metadata cache and a download
log so unchanged resources are never fetched twice.`, Version),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(viper.GetString("log-level")),
				Pretty: viper.GetBool("log-pretty"),
				Output: os.Stderr,
			})
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of stat-sync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stat-sync v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("data-url", "http://localhost:8080", "base URL of the primary data service")
	rootCmd.PersistentFlags().String("file-url", "http://localhost:8080", "base URL of the secondary static-file service")
	rootCmd.PersistentFlags().String("cache-dir", defaultCacheDir(), "directory for the metadata cache and download log")
	rootCmd.PersistentFlags().String("user-agent", "stat-sync/"+Version, "User-Agent sent on every request")
	rootCmd.PersistentFlags().Duration("delay", 2*time.Second, "minimum delay between requests to the data service")
	rootCmd.PersistentFlags().Int("retries", 3, "retries per request after the initial attempt")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "per-request timeout")
	rootCmd.PersistentFlags().String("redis", "", "Redis address for a cross-process rate limiter (empty: in-process)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable log output instead of JSON")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig wires env files and STAT_SYNC_* environment variables into
// viper. Flags win over env, env wins over defaults.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("stat_sync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/stat-sync"
	}
	return ".stat-sync"
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
