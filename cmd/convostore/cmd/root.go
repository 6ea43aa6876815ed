// Package cmd is the convostore command tree.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/config"
	"github.com/entrepeneur4lyf/convostore/internal/logging"
	"github.com/entrepeneur4lyf/convostore/internal/storage"
	"github.com/spf13/cobra"
)

var (
	debug      bool
	configFile string
)

var (
	cfgManager *config.Manager
	logger     *log.Logger
	logFile    *os.File // For cleanup
)

// setupLogging sends logs to the data directory's log file, or to stderr in
// debug mode
func setupLogging(cfg config.Config, debug bool) error {
	format := logging.Format(cfg.Log.LogFormat())

	var out io.Writer = os.Stderr
	if !debug {
		path, err := storage.NewPathManagerAt(cfg.Data.Directory).GetLogPath()
		if err != nil {
			return fmt.Errorf("failed to resolve log path: %w", err)
		}
		logFile, err = logging.OpenFile(path)
		if err != nil {
			return err
		}
		out = logFile
	}

	l, err := logging.New(logging.Options{Level: cfg.Log.Level, Output: out, Format: format})
	if err != nil {
		return err
	}
	logger = l
	log.SetDefault(l)
	return nil
}

// cleanupLogging closes the log file if it was opened
func cleanupLogging() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "convostore",
	Short: "Conversational message store with a chat backend and terminal client",
	Long: `convostore keeps a chat conversation consistent on the client: optimistic
sends, retries of failed messages and paginated history merged into one
ordered timeline.

Usage:
  convostore serve             # Run the chat backend
  convostore chat              # Open the terminal chat client
  convostore send "hello"      # Send one message and print the reply
  convostore history --all     # Print a conversation`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfgManager, err = config.Load(configFile, debug)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := overrideString(cmd, "log-format", "log.format"); err != nil {
			return fmt.Errorf("invalid --log-format: %w", err)
		}
		if err := setupLogging(cfgManager.Config(), debug); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		if used := cfgManager.ConfigFileUsed(); used != "" {
			logger.Debug("configuration loaded", "file", used)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug mode (logs to stderr)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a configuration file")
	rootCmd.PersistentFlags().String("log-format", "", "Log line encoding: text, json or logfmt")

	rootCmd.AddCommand(serveCmd, chatCmd, sendCmd, historyCmd)
}

// Execute runs the command tree until it finishes or the process is
// interrupted
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer cleanupLogging()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cleanupLogging()
		os.Exit(1)
	}
}

// overrideString applies a flag to a config key when the user set it
func overrideString(cmd *cobra.Command, flag, key string) error {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	v, err := cmd.Flags().GetString(flag)
	if err != nil {
		return err
	}
	return cfgManager.Set(key, v)
}
