package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"podcast-agent/agent_go/cmd/server"
	"podcast-agent/agent_go/cmd/worker"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "podcast-agent",
	Short: "Podcast creation session coordinator",
	Long: `Coordination layer for conversational podcast creation.

This tool provides:
- Session-scoped chat dispatch with mutual exclusion
- A durable queue for long-running generation operations
- Worker processes that execute queued operations
- Status polling for in-flight and finished work`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.podcast-agent.yaml)")
	rootCmd.PersistentFlags().String("db-path", "podcast_agent.db", "path to the coordination database")
	rootCmd.PersistentFlags().String("banner-dir", "assets/banners", "directory holding generated banner images")
	rootCmd.PersistentFlags().String("audio-dir", "assets/audio", "directory holding generated audio files")

	// Logging flags
	rootCmd.PersistentFlags().String("log-file", "", "log file path (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("banner-dir", rootCmd.PersistentFlags().Lookup("banner-dir"))
	viper.BindPFlag("audio-dir", rootCmd.PersistentFlags().Lookup("audio-dir"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(server.ServerCmd)
	rootCmd.AddCommand(worker.WorkerCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".podcast-agent")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
