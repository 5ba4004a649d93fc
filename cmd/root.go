package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/maimbot/napcat-adapter/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	dbFile  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "napcat-adapter",
	Short: "Bridge between a Napcat bot gateway and the MaiBot core service",
	Long: "napcat-adapter sits between a Napcat (OneBot v11) gateway and the MaiBot core " +
		"service: it serves the gateway's WebSocket connection, translates events into " +
		"canonical envelopes for the core, and renders the core's replies back into " +
		"gateway send actions.",
	Run: func(cmd *cobra.Command, args []string) {
		runAdapter()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.toml or $NAPCAT_ADAPTER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbFile, "db", "", "ban record database (default: data/ban_records.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("napcat-adapter %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("NAPCAT_ADAPTER_CONFIG"); v != "" {
		return v
	}
	return "config.toml"
}

func resolveDBPath() string {
	if dbFile != "" {
		return dbFile
	}
	if v := os.Getenv("NAPCAT_ADAPTER_DB"); v != "" {
		return v
	}
	return "data/ban_records.db"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
