// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/lavabridge/internal/app/node"
	"github.com/osa030/lavabridge/internal/infra/config"
	"github.com/osa030/lavabridge/internal/infra/discord"
	"github.com/osa030/lavabridge/internal/infra/lavalink"
	"github.com/osa030/lavabridge/internal/infra/logger"
	"github.com/osa030/lavabridge/internal/infra/sources/spotify"
)

var (
	app        = kingpin.New("lavabridge", "Discord voice bridge for Lavalink nodes")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stderr)").String()

	// check command
	checkCmd = app.Command("check", "Check node connectivity and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the bridge (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// Initialize logger: flags win over the config file
	loggerConfig := logger.Config{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if command == checkCmd.FullCommand() {
		if err := check(cfg); err != nil {
			zlog.Error().Msgf("Check failed: %v", err)
			os.Exit(1)
		}
		return
	}

	// Run bridge (defer statements inside run still fire on error returns)
	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Bridge error: %v", err)
		os.Exit(1)
	}
}

// run executes the main bridge logic.
func run(cfg *config.Config) error {
	ctx := context.Background()

	sess, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return errors.Wrap(err, "failed to create discord session")
	}
	// Voice handshake events require the voice states intent.
	sess.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := sess.Open(); err != nil {
		return errors.Wrap(err, "failed to open discord gateway")
	}
	defer sess.Close()

	poolOpts := []node.Option{
		node.WithDefaultVolume(cfg.Playback.DefaultVolume),
		node.WithConnectTimeout(cfg.ConnectTimeout()),
	}
	if cfg.Playback.SelfDeaf {
		poolOpts = append(poolOpts, node.WithSelfDeaf())
	}
	if cfg.Playback.DisableAutoAdvance {
		poolOpts = append(poolOpts, node.WithoutAutoAdvance())
	}
	if cfg.IsSourceEnabled("spotify") {
		resolver, err := spotify.NewResolver(ctx, cfg.SourceSettings("spotify"))
		if err != nil {
			return errors.Wrap(err, "failed to create spotify resolver")
		}
		poolOpts = append(poolOpts, node.WithResolver(resolver))
		zlog.Info().Msg("Spotify source resolver enabled")
	}

	pool, err := node.NewPool(sess.State.User.ID, poolOpts...)
	if err != nil {
		return err
	}

	for _, nc := range cfg.Nodes {
		if _, err := pool.AddNode(node.Config{
			Name:          nc.Name,
			Address:       nc.Address,
			Password:      nc.Password,
			Secure:        nc.Secure,
			ResumeTimeout: time.Duration(nc.ResumeTimeoutSec) * time.Second,
		}); err != nil {
			return errors.Wrapf(err, "failed to add node %s", nc.Name)
		}
	}

	adapter := discord.NewAdapter(sess, pool)
	defer adapter.Close()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolErrCh := make(chan error, 1)
	go func() {
		poolErrCh <- pool.Run(runCtx)
	}()

	zlog.Info().Msgf("Bridge started: user=%s nodes=%d", sess.State.User.ID, len(cfg.Nodes))

	select {
	case <-runCtx.Done():
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-poolErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "node pool failed")
		}
	}

	pool.Close()
	zlog.Info().Msg("Bridge stopped")

	return nil
}

// check verifies that every configured node answers its version endpoint.
func check(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var failed bool
	for _, nc := range cfg.Nodes {
		client, err := lavalink.NewClient(lavalink.Config{
			Address:  nc.Address,
			Password: nc.Password,
			Secure:   nc.Secure,
		})
		if err != nil {
			return errors.Wrapf(err, "node %s", nc.Name)
		}

		version, err := client.Version(ctx)
		if err != nil {
			zlog.Error().Msgf("Node %s (%s) unreachable: %v", nc.Name, nc.Address, err)
			failed = true
			continue
		}
		fmt.Printf("  %-16s %s (lavalink %s)\n", nc.Name, nc.Address, version)
	}

	if failed {
		return errors.New("some nodes are unreachable")
	}
	return nil
}
