// mirrorkeep continuously mirrors local project directories into
// repositories on a remote hosting service. Each top-level directory
// under a configured root becomes one remote repository.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mirrorkeep/mirrorkeep/internal/config"
	"github.com/mirrorkeep/mirrorkeep/internal/daemon"
	"github.com/mirrorkeep/mirrorkeep/internal/git"
	"github.com/mirrorkeep/mirrorkeep/internal/ignore"
	"github.com/mirrorkeep/mirrorkeep/internal/remote"
	"github.com/mirrorkeep/mirrorkeep/internal/syncer"
)

var (
	watchMode bool
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "mirrorkeep",
	Short: "Mirror local project directories to a remote hosting service",
	Long: `mirrorkeep treats every top-level directory under the configured
roots as an independent repository and keeps it mirrored to the remote
hosting service.

One full synchronization pass runs on startup. With --watch, mirrorkeep
keeps running: filesystem changes trigger an immediate single-path
commit, and bursts of changes are batched into debounced full syncs.

Configuration comes from MIRRORKEEP_* environment variables; at minimum
MIRRORKEEP_REMOTE_BASE, MIRRORKEEP_TOKEN and MIRRORKEEP_OWNER must be
set.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "keep running and sync on filesystem changes")
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	for _, root := range cfg.Roots {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("failed to create root %s: %w", root, err)
		}
	}

	resolver := ignore.NewResolver()
	if cfg.PatternFile != "" {
		resolver.LoadPatterns(cfg.PatternFile)
	}

	helperDir, err := os.MkdirTemp("", "mirrorkeep-")
	if err != nil {
		return fmt.Errorf("failed to create helper directory: %w", err)
	}
	defer os.RemoveAll(helperDir)

	askpass, err := git.WriteAskPass(helperDir, cfg.Owner, cfg.Token)
	if err != nil {
		return err
	}

	client := remote.NewClient(cfg.APIBase, cfg.Owner, cfg.Token, cfg.DefaultBranch)
	s := syncer.New(cfg, git.CLI{}, client, resolver, askpass)

	d, err := daemon.New(cfg, s, resolver)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.Sweep(ctx)

	if !watchMode {
		log.Info().Msg("Sync complete")
		return nil
	}

	return d.Run(ctx)
}

// setupLogging routes zerolog to a console writer, mirrored into a
// rotating log file when one is configured.
func setupLogging(cfg *config.Config) {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}}
	if cfg.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
		})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
