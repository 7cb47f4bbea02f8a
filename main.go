package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/chat-bridge/internal/api"
	"github.com/gluk-w/claworc/chat-bridge/internal/clock"
	"github.com/gluk-w/claworc/chat-bridge/internal/config"
	"github.com/gluk-w/claworc/chat-bridge/internal/database"
	"github.com/gluk-w/claworc/chat-bridge/internal/dispatch"
	"github.com/gluk-w/claworc/chat-bridge/internal/eventloop"
	"github.com/gluk-w/claworc/chat-bridge/internal/logging"
	"github.com/gluk-w/claworc/chat-bridge/internal/provision"
	"github.com/gluk-w/claworc/chat-bridge/internal/proxylist"
	"github.com/gluk-w/claworc/chat-bridge/internal/traits"
	"github.com/gluk-w/claworc/chat-bridge/internal/transcript"
	"github.com/gluk-w/claworc/chat-bridge/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	traitsPath string
	logLevel   string
	statusAddr string
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "chat-bridge",
		Short: "Relay two anonymous chat sessions into each other",
		Long: "chat-bridge opens two sessions on the chat service, each behind its own proxy,\n" +
			"and relays each stranger's messages to the other. Lines on stdin of the form\n" +
			"\"<identity> <text>\" are sent as that identity.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			if err := applyFlags(cmd, f); err != nil {
				return err
			}
			return run(cmd.Context())
		},
	}
	root.Flags().StringVar(&f.traitsPath, "config", "", "traits YAML file (overrides CHAT_BRIDGE_TRAITS_PATH)")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "log level (overrides CHAT_BRIDGE_LOG_LEVEL)")
	root.Flags().StringVar(&f.statusAddr, "status-addr", "", "status API listen address, e.g. 127.0.0.1:8090")
	return root
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(cmd *cobra.Command, f flags) error {
	if cmd.Flags().Changed("config") {
		t, err := config.LoadTraits(f.traitsPath)
		if err != nil {
			return err
		}
		config.Cfg.TraitsPath = f.traitsPath
		config.Cfg.Traits = t
	}
	if cmd.Flags().Changed("log-level") {
		config.Cfg.LogLevel = f.logLevel
	}
	if cmd.Flags().Changed("status-addr") {
		config.Cfg.StatusAddr = f.statusAddr
	}
	return nil
}

func run(ctx context.Context) error {
	cfg := config.Cfg
	if err := logging.Init(); err != nil {
		return err
	}
	defer logging.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	rewriter, err := traits.CompileAll(cfg.Traits)
	if err != nil {
		return err
	}
	pruner, err := database.NewPruner(cfg.PruneSchedule, cfg.LeaseRetention)
	if err != nil {
		return err
	}

	loop := eventloop.New(clock.Real())
	proxies := provision.New(
		proxylist.New(cfg.ProxySourceURL),
		provision.WithExclusions(&database.Exclusions{Cooldown: cfg.BanCooldown}),
	)

	d, err := dispatch.New(cfg, dispatch.Deps{
		Loop:     loop,
		Dialer:   transport.NewWebsocketDialer(cfg.ChatURL, cfg.DialTimeout, cfg.WriteTimeout),
		Proxies:  proxies,
		Ledger:   &database.Ledger{},
		Rewriter: rewriter,
		Recorder: transcript.New(os.Stdout, cfg.Identities[1]),
		Input:    os.Stdin,
		Pruner:   pruner,
	})
	if err != nil {
		return err
	}
	if cfg.StatusAddr != "" {
		d.ServeStatus(&http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           api.NewRouter(d),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("chat", cfg.ChatURL).Strs("identities", cfg.Identities).Msg("chat-bridge starting")
	if err := d.Start(sigCtx); err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	return d.Run(sigCtx)
}
