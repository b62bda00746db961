package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/arbor/pkg/config"
)

var (
	flagConfig   string
	flagDBPath   string
	flagLogLevel string
	flagVerbose  bool

	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "arbor manages branching conversation trees backed by sqlite",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			s.DBPath = flagDBPath
		}
		if cmd.Flags().Changed("log-level") {
			s.LogLevel = flagLogLevel
		}
		if cmd.Flags().Changed("verbose") {
			s.Verbose = flagVerbose
		}
		settings = s
		return initLogging(s)
	},
}

func initLogging(s *config.Settings) error {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	if s.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.config/arbor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "sqlite database path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output, dumps persistence events")

	rootCmd.AddCommand(newProjectCmd())
	rootCmd.AddCommand(newConversationCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newCompactCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
