package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Tox/tcpplus/internal/config"
	"github.com/Tox/tcpplus/internal/security"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	Root = &cobra.Command{
		Use:   "tcpplus",
		Short: "Peer-to-peer packet exchange over TCP",
	}
	rootFlags = struct {
		Config   string
		LogLevel string
	}{}
)

func init() {
	Root.PersistentFlags().StringVar(&rootFlags.Config, "config", "tcpplus.yaml", "the YAML config file to read defaults from")
	Root.PersistentFlags().StringVar(&rootFlags.LogLevel, "log-level", "", "the log level to use (overrides the config file)")
}

// loadConfig reads the config file and lets explicitly set flags win over
// its values.
func loadConfig(cmd *cobra.Command, override func(cfg *config.Config, changed func(string) bool)) *config.Config {
	cfg, err := config.Load(rootFlags.Config)
	if err != nil {
		exitWithError(err.Error())
		return nil
	}

	if rootFlags.LogLevel != "" {
		cfg.LogLevel = rootFlags.LogLevel
	}
	if override != nil {
		override(cfg, cmd.Flags().Changed)
	}
	if err := cfg.Validate(); err != nil {
		exitWithError(err.Error())
		return nil
	}

	return cfg
}

func newLogger(levelText string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		exitWithError(fmt.Sprintf("bad log level: %s", levelText))
		return nil
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func newCipher(logger *slog.Logger, secret string) security.Cipher {
	if secret == "" {
		return nil
	}

	cipher, err := security.NewSharedKeyCipher([]byte(secret))
	if err != nil {
		logErrorAndExit(logger, "Unable to initialize cipher", slog.Any("err", err))
		return nil
	}

	return cipher
}

func logErrorAndExit(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

func exitWithError(s string) {
	fmt.Fprintf(os.Stderr, "error: %s\n", s)
	os.Exit(1)
}
